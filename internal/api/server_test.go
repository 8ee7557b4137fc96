package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentd/intent-server/internal/activity"
	"github.com/intentd/intent-server/internal/api"
	"github.com/intentd/intent-server/internal/auth"
	"github.com/intentd/intent-server/internal/classify"
	"github.com/intentd/intent-server/internal/config"
	"github.com/intentd/intent-server/internal/metrics"
	"github.com/intentd/intent-server/internal/registry"
	"github.com/intentd/intent-server/internal/store"
)

type fakePredictor struct {
	predictFunc func(text string) (string, map[string]float64, error)
}

func (f *fakePredictor) Predict(text string) (string, map[string]float64, error) {
	if f.predictFunc != nil {
		return f.predictFunc(text)
	}
	return "greeting", map[string]float64{"greeting": 0.95, "other": 0.05}, nil
}

type fakeSink struct {
	insertFunc func(ctx context.Context, rec store.Record) (string, error)
	calls      int
	lastCtx    context.Context
	last       store.Record
}

func (f *fakeSink) Insert(ctx context.Context, rec store.Record) (string, error) {
	f.calls++
	f.lastCtx = ctx
	f.last = rec
	if f.insertFunc != nil {
		return f.insertFunc(ctx, rec)
	}
	return "generated-id-1", nil
}

type fakeVerifier struct {
	identity string
	err      error
}

func (f *fakeVerifier) Verify(context.Context, *http.Request) (string, error) {
	return f.identity, f.err
}

func newHandler(mode config.Mode, verifier auth.TokenVerifier, sink api.Sink, models map[string]classify.Predictor) *api.Handler {
	return &api.Handler{
		Mode:          mode,
		Registry:      registry.New(models),
		Gate:          auth.NewGate(mode, verifier, time.Second),
		Activity:      activity.New(50),
		Latency:       metrics.NewLatencyTracker(0.2),
		Sink:          sink,
		InsertTimeout: time.Second,
	}
}

func serve(h *api.Handler, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) store.Record {
	t.Helper()
	var rec store.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	return rec
}

func TestRootReportsMode(t *testing.T) {
	for _, mode := range []config.Mode{config.ModeDevelopment, config.ModeProduction} {
		h := newHandler(mode, nil, &fakeSink{}, nil)
		w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Contains(t, body["message"], mode.String())
	}
}

func TestPredictBypassIgnoresVerifier(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("token missing")}
	h := newHandler(config.ModeDevelopment, verifier, &fakeSink{}, nil)

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeRecord(t, w)
	assert.Equal(t, auth.DevIdentity, rec.Owner)
	assert.Equal(t, "hi", rec.Text)
}

func TestPredictEnforceRejectsOnVerifierFailure(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("token missing")}
	sink := &fakeSink{}
	h := newHandler(config.ModeProduction, verifier, sink, map[string]classify.Predictor{
		"smalltalk": &fakePredictor{},
	})

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Authentication failed", body["detail"])

	// No persistence work for unauthenticated callers.
	assert.Zero(t, sink.calls)
}

func TestPredictEnforceUsesVerifierIdentity(t *testing.T) {
	verifier := &fakeVerifier{identity: "prod_user_123"}
	h := newHandler(config.ModeProduction, verifier, &fakeSink{}, nil)

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "prod_user_123", decodeRecord(t, w).Owner)
}

func TestPredictFansOutAcrossAllModels(t *testing.T) {
	h := newHandler(config.ModeDevelopment, nil, &fakeSink{}, map[string]classify.Predictor{
		"smalltalk": &fakePredictor{},
		"support":   &fakePredictor{},
	})

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeRecord(t, w)
	assert.Len(t, rec.Predictions, 2)
	assert.Contains(t, rec.Predictions, "smalltalk")
	assert.Contains(t, rec.Predictions, "support")
}

func TestPredictEmptyRegistryYieldsEmptyMapping(t *testing.T) {
	h := newHandler(config.ModeDevelopment, nil, &fakeSink{}, nil)

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.JSONEq(t, "{}", string(raw["predictions"]))
}

func TestPredictFixtureShape(t *testing.T) {
	h := newHandler(config.ModeDevelopment, nil, &fakeSink{}, map[string]classify.Predictor{
		"smalltalk": &fakePredictor{},
	})

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	rec := decodeRecord(t, w)
	p := rec.Predictions["smalltalk"]
	assert.Equal(t, "greeting", p.TopIntent)
	assert.Equal(t, map[string]float64{"greeting": 0.95, "other": 0.05}, p.AllProbs)
}

func TestPredictPersistenceSuccessAttachesID(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(config.ModeDevelopment, nil, sink, nil)

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	rec := decodeRecord(t, w)
	assert.Equal(t, "generated-id-1", rec.ID)
	assert.Empty(t, rec.DBError)
	assert.Equal(t, 1, sink.calls)

	// The persist call is bounded by a deadline.
	_, ok := sink.lastCtx.Deadline()
	assert.True(t, ok)
}

func TestPredictPersistenceFailureAnnotatesRecord(t *testing.T) {
	sink := &fakeSink{insertFunc: func(context.Context, store.Record) (string, error) {
		return "", errors.New("db connection error")
	}}
	h := newHandler(config.ModeDevelopment, nil, sink, nil)

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeRecord(t, w)
	assert.Equal(t, "Failed to log prediction to database.", rec.DBError)
	assert.Empty(t, rec.ID)

	// The failure shows up in the activity log.
	events := h.Activity.List()
	require.NotEmpty(t, events)
	assert.Equal(t, activity.EventLogInsertFailed, events[0].Type)
}

func TestPredictWithoutSinkSkipsPersistence(t *testing.T) {
	h := newHandler(config.ModeDevelopment, nil, nil, nil)

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeRecord(t, w)
	assert.Empty(t, rec.ID)
	assert.Empty(t, rec.DBError)
}

func TestPredictTimestampsMonotonic(t *testing.T) {
	h := newHandler(config.ModeDevelopment, nil, &fakeSink{}, nil)

	var last int64
	for i := 0; i < 3; i++ {
		w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))
		rec := decodeRecord(t, w)
		assert.GreaterOrEqual(t, rec.Timestamp, last)
		assert.GreaterOrEqual(t, rec.Timestamp, int64(0))
		last = rec.Timestamp
	}
}

func TestPredictIsolatesSingleModelFailure(t *testing.T) {
	h := newHandler(config.ModeDevelopment, nil, &fakeSink{}, map[string]classify.Predictor{
		"smalltalk": &fakePredictor{},
		"flaky": &fakePredictor{predictFunc: func(string) (string, map[string]float64, error) {
			return "", nil, errors.New("artifact corrupt")
		}},
	})

	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeRecord(t, w)
	require.Len(t, rec.Predictions, 2)
	assert.NotEmpty(t, rec.Predictions["flaky"].Error)
	assert.Equal(t, "greeting", rec.Predictions["smalltalk"].TopIntent)
	assert.Empty(t, rec.Predictions["smalltalk"].Error)
}

func TestPredictMissingText(t *testing.T) {
	h := newHandler(config.ModeDevelopment, nil, &fakeSink{}, nil)
	w := serve(h, httptest.NewRequest(http.MethodPost, "/predict", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredictAcceptsFormBody(t *testing.T) {
	h := newHandler(config.ModeDevelopment, nil, &fakeSink{}, nil)

	r := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("text=hello+there"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := serve(h, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello there", decodeRecord(t, w).Text)
}

func TestStatusListsModelsAndEvents(t *testing.T) {
	h := newHandler(config.ModeProduction, &fakeVerifier{identity: "u"}, &fakeSink{}, map[string]classify.Predictor{
		"smalltalk": &fakePredictor{},
	})
	h.Activity.Add(activity.Event{Type: activity.EventModelLoad, Model: "smalltalk"})

	// Drive one request through so latency counters move.
	serve(h, httptest.NewRequest(http.MethodPost, "/predict?text=hi", nil))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Mode   string `json:"mode"`
		Models []struct {
			Name     string `json:"name"`
			Requests uint64 `json:"requests"`
		} `json:"models"`
		Events []activity.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, "production", body.Mode)
	require.Len(t, body.Models, 1)
	assert.Equal(t, "smalltalk", body.Models[0].Name)
	assert.Equal(t, uint64(1), body.Models[0].Requests)
	require.NotEmpty(t, body.Events)
}
