// Package api exposes the HTTP surface: the health root, the /predict
// operation and the /status operator view.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/intentd/intent-server/internal/activity"
	"github.com/intentd/intent-server/internal/auth"
	"github.com/intentd/intent-server/internal/config"
	"github.com/intentd/intent-server/internal/httpx"
	"github.com/intentd/intent-server/internal/logs"
	"github.com/intentd/intent-server/internal/metrics"
	"github.com/intentd/intent-server/internal/registry"
	"github.com/intentd/intent-server/internal/store"
)

// Sink persists request records. *store.Store implements it; tests
// substitute fakes.
type Sink interface {
	Insert(ctx context.Context, rec store.Record) (string, error)
}

// Handler serves the API routes. All collaborators are injected once at
// startup; nothing here reads the environment.
type Handler struct {
	Mode     config.Mode
	Registry *registry.Registry
	Gate     *auth.Gate
	Activity *activity.Log
	Latency  *metrics.LatencyTracker

	// Sink may be nil when the store failed to open at startup; persistence
	// is then skipped entirely and responses carry neither id nor db_error.
	Sink Sink

	// InsertTimeout bounds the persist call. Zero disables the bound.
	InsertTimeout time.Duration
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/predict", h.handlePredict)
	mux.HandleFunc("/status", h.handleStatus)
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("intent service is running in %s mode", h.Mode),
	})
}

// handlePredict runs the full request flow: gate, fan-out over every loaded
// model, record assembly, best-effort persist, JSON response.
func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	text := r.FormValue("text")
	if text == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing text parameter"})
		return
	}

	// Identity first: unauthenticated callers get no model work.
	owner, err := h.Gate.Identify(r)
	if err != nil {
		if !errors.Is(err, auth.ErrAuthentication) {
			logs.Log.WithError(err).Error("unexpected gate error")
		}
		h.Activity.Add(activity.Event{Type: activity.EventAuthFailed, Note: r.RemoteAddr})
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication failed"})
		return
	}

	// One entry per loaded model, in sorted name order. A single failing
	// predictor only marks its own entry.
	predictions := map[string]store.Prediction{}
	for _, name := range h.Registry.Names() {
		p, ok := h.Registry.Get(name)
		if !ok {
			continue
		}

		start := time.Now()
		top, probs, err := p.Predict(text)
		if err != nil {
			h.Latency.ObserveError(name, time.Since(start))
			logs.Log.WithError(err).Errorf("model %s failed to predict", name)
			predictions[name] = store.Prediction{Error: err.Error()}
			continue
		}
		h.Latency.ObserveOK(name, time.Since(start))
		predictions[name] = store.Prediction{TopIntent: top, AllProbs: probs}
	}

	rec := store.Record{
		Text:        text,
		Owner:       owner,
		Predictions: predictions,
		Timestamp:   time.Now().UTC().Unix(),
	}

	if h.Sink != nil {
		ctx := r.Context()
		if h.InsertTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.InsertTimeout)
			defer cancel()
		}

		id, err := h.Sink.Insert(ctx, rec)
		if err != nil {
			// Persistence is best effort; the client still gets its result.
			logs.Log.WithError(err).Error("failed to insert request record")
			h.Activity.Add(activity.Event{Type: activity.EventLogInsertFailed, Note: err.Error()})
			rec.DBError = store.InsertFailedMessage
		} else {
			rec.ID = id
		}
	}

	httpx.WriteJSON(w, http.StatusOK, rec)
}

type statusModel struct {
	Name         string  `json:"name"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Requests     uint64  `json:"requests"`
	Errors       uint64  `json:"errors"`
}

type statusResponse struct {
	Mode   string           `json:"mode"`
	Models []statusModel    `json:"models"`
	Events []activity.Event `json:"events"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	out := statusResponse{
		Mode:   h.Mode.String(),
		Models: make([]statusModel, 0, h.Registry.Len()),
		Events: h.Activity.List(),
	}
	for _, name := range h.Registry.Names() {
		m := statusModel{Name: name}
		if lat, ok := h.Latency.Get(name); ok {
			m.AvgLatencyMs = lat.EWMAms
			m.Requests = lat.OK + lat.Error
			m.Errors = lat.Error
		}
		out.Models = append(out.Models, m)
	}

	httpx.WriteJSON(w, http.StatusOK, out)
}
