package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// artifact is the on-disk model format: per-label bias and bag-of-words
// token weights, produced by an offline training step.
type artifact struct {
	Labels map[string]labelWeights `json:"labels"`
}

type labelWeights struct {
	Bias   float64            `json:"bias"`
	Tokens map[string]float64 `json:"tokens"`
}

// Linear is a bag-of-words linear classifier. Scores are a bias plus the
// sum of weights for tokens present in the input; probabilities are the
// softmax over label scores.
type Linear struct {
	labels  []string // sorted, fixes tie-breaking and iteration order
	weights map[string]labelWeights
}

// LoadLinear reads a model artifact from path.
func LoadLinear(path string) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if len(a.Labels) == 0 {
		return nil, fmt.Errorf("artifact %s has no labels", path)
	}

	labels := make([]string, 0, len(a.Labels))
	for l := range a.Labels {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	return &Linear{labels: labels, weights: a.Labels}, nil
}

// Predict implements Predictor.
func (l *Linear) Predict(text string) (string, map[string]float64, error) {
	tokens := tokenize(text)

	scores := make([]float64, len(l.labels))
	for i, label := range l.labels {
		w := l.weights[label]
		s := w.Bias
		for _, tok := range tokens {
			s += w.Tokens[tok]
		}
		scores[i] = s
	}

	// Softmax with max subtraction for numeric stability.
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	var sum float64
	exps := make([]float64, len(scores))
	for i, s := range scores {
		exps[i] = math.Exp(s - maxScore)
		sum += exps[i]
	}

	probs := make(map[string]float64, len(l.labels))
	top := l.labels[0]
	best := -1.0
	for i, label := range l.labels {
		p := exps[i] / sum
		probs[label] = p
		if p > best {
			best = p
			top = label
		}
	}
	return top, probs, nil
}

// tokenize lowercases the input and strips surrounding punctuation from
// whitespace-separated words.
func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,:;!?\"'()[]{}")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
