// Package classify provides the predictor capability and the artifact-backed
// classifier implementation served by the registry.
package classify

// Predictor is implemented by every loaded model variant. Predict returns
// the top label and the full label probability distribution for the input
// text. Implementations are synchronous and deterministic per artifact.
type Predictor interface {
	Predict(text string) (top string, probs map[string]float64, err error)
}
