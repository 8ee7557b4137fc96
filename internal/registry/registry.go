// Package registry loads model artifacts at startup and serves the
// resulting name -> predictor mapping. The registry is populated once and
// never mutated afterwards, so concurrent reads need no locking.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/intentd/intent-server/internal/classify"
	"github.com/intentd/intent-server/internal/logs"
)

const artifactExt = ".json"

// Outcome tags the result of loading one artifact file.
type Outcome string

const (
	OutcomeLoaded Outcome = "loaded"
	OutcomeFailed Outcome = "failed"
)

// ArtifactOutcome records what happened to a single artifact during LoadDir.
type ArtifactOutcome struct {
	Name    string
	Path    string
	Outcome Outcome
	Err     error
}

// LoadReport collects per-artifact outcomes. Loading fails open: a broken
// artifact never prevents startup, it only shows up here.
type LoadReport struct {
	Outcomes []ArtifactOutcome
}

// Loaded returns the number of successfully loaded artifacts.
func (r LoadReport) Loaded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Outcome == OutcomeLoaded {
			n++
		}
	}
	return n
}

// Failed returns the number of artifacts that failed to load.
func (r LoadReport) Failed() int {
	return len(r.Outcomes) - r.Loaded()
}

// Registry maps model names to predictors.
type Registry struct {
	models map[string]classify.Predictor
	names  []string
}

// New builds a registry from an explicit mapping. Used by LoadDir and by
// tests that substitute fake predictors.
func New(models map[string]classify.Predictor) *Registry {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Registry{models: models, names: names}
}

// LoadDir scans dir for *.json model artifacts and loads each into a
// predictor keyed by the filename with the extension stripped. Any error,
// including an unreadable directory, leaves the service running with
// whatever loaded; the report makes the outcomes visible.
func LoadDir(dir string) (*Registry, LoadReport) {
	var report LoadReport
	models := map[string]classify.Predictor{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logs.Log.WithError(err).Warnf("model directory %s unavailable, serving empty registry", dir)
		return New(models), report
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), artifactExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), artifactExt)
		path := filepath.Join(dir, e.Name())

		p, err := classify.LoadLinear(path)
		if err != nil {
			logs.Log.WithError(err).Errorf("failed to load model %s", name)
			report.Outcomes = append(report.Outcomes, ArtifactOutcome{Name: name, Path: path, Outcome: OutcomeFailed, Err: err})
			continue
		}
		models[name] = p
		report.Outcomes = append(report.Outcomes, ArtifactOutcome{Name: name, Path: path, Outcome: OutcomeLoaded})
		logs.Log.Infof("loaded model %s", name)
	}

	return New(models), report
}

// Names returns the loaded model names in sorted order.
func (r *Registry) Names() []string {
	return r.names
}

// Get returns the predictor for name.
func (r *Registry) Get(name string) (classify.Predictor, bool) {
	p, ok := r.models[name]
	return p, ok
}

// Len returns the number of loaded models.
func (r *Registry) Len() int {
	return len(r.models)
}
