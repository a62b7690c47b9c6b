package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/inference/engine"
	"github.com/pitabwire/inference/executor"
	"github.com/pitabwire/inference/jobs"
	"github.com/pitabwire/inference/metrics"
	"github.com/pitabwire/inference/registry"
	"github.com/pitabwire/inference/routing"
	"github.com/pitabwire/inference/security"
	"github.com/pitabwire/inference/server"
)

type webRig struct {
	handler http.Handler
	jobs    *jobs.Service
}

func newWebRig(t *testing.T, opts server.Options) *webRig {
	t.Helper()

	db, err := jobs.Open("", filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	require.NoError(t, jobs.Migrate(db))
	jobSvc := jobs.NewService(jobs.NewStore(db))

	collector := metrics.NewCollector()
	pool, err := executor.NewPool(context.Background(), "cpu", 2, collector)
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	policy, err := executor.NewPolicy(map[string]*executor.Pool{"cpu": pool}, nil, "cpu")
	require.NoError(t, err)

	eng := engine.New(
		registry.NewWithDefaults(),
		routing.NewResolver(routing.DefaultRoutes()),
		jobSvc,
		policy,
		collector,
	)

	if opts.Limits == nil {
		// Generous limits so unrelated tests never trip them.
		opts.Limits = map[string]*security.KeyedLimiter{}
	}

	srv := server.New(eng, engine.NewAsync(eng), collector, opts)
	return &webRig{handler: srv.Handler(), jobs: jobSvc}
}

func (w *webRig) do(method, path, apiKey string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	rec := httptest.NewRecorder()
	w.handler.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["detail"]
}

func TestPredictEndpoint(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodPost, "/predict", "dev-key", map[string]any{
		"model":   "echo",
		"version": "v1",
		"data":    map[string]int{"x": 42},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":{"echo":{"x":42}}}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestPredictUnknownVersion(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodPost, "/predict", "dev-key", map[string]any{
		"model":   "echo",
		"version": "v99",
		"data":    1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg := detail(t, rec)
	assert.Contains(t, msg, "echo")
	assert.Contains(t, msg, "v99")
}

func TestPredictValidation(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodPost, "/predict", "dev-key", map[string]any{"data": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, detail(t, rec), "model")

	rec = rig.do(http.MethodPost, "/predict", "dev-key", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictBatchEndpoint(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodPost, "/predict/batch", "dev-key", map[string]any{
		"model":   "echo",
		"version": "v1",
		"items":   []int{1, 2},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[{"echo":1},{"echo":2}]}`, rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodPost, "/predict", "", map[string]any{"model": "echo"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing API key", detail(t, rec))

	rec = rig.do(http.MethodPost, "/predict", "wrong-key", map[string]any{"model": "echo"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid API key", detail(t, rec))
}

func TestScopeEnforcement(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	// dev-key lacks the admin scope.
	rec := rig.do(http.MethodGet, "/metrics", "dev-key", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, detail(t, rec), security.ScopeAdmin)

	// Exercise a request so the counter families have samples.
	rec = rig.do(http.MethodPost, "/predict", "admin-key", map[string]any{
		"model": "echo", "version": "v1", "data": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(http.MethodGet, "/metrics", "admin-key", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inference_requests_total")
}

func TestHealthIsPublic(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestPayloadGuard(t *testing.T) {
	rig := newWebRig(t, server.Options{MaxPayloadBytes: 64})

	big := map[string]any{
		"model":   "echo",
		"version": "v1",
		"data":    strings.Repeat("a", 256),
	}
	rec := rig.do(http.MethodPost, "/predict", "dev-key", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Payload too large", detail(t, rec))
}

func TestRateLimit(t *testing.T) {
	limiter := security.NewKeyedLimiter(1, time.Minute)
	t.Cleanup(func() { _ = limiter.Close() })

	rig := newWebRig(t, server.Options{
		Limits: map[string]*security.KeyedLimiter{"/models": limiter},
	})

	rec := rig.do(http.MethodGet, "/models", "dev-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(http.MethodGet, "/models", "dev-key", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit exceeded", detail(t, rec))

	// Limits are per key; another caller is unaffected.
	rec = rig.do(http.MethodGet, "/models", "admin-key", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListModels(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodGet, "/models", "dev-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"models":[{"name":"echo","version":"v1"},{"name":"echo","version":"v2"}]}`,
		rec.Body.String())
}

func TestLoadedModelsDebugEndpoint(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodGet, "/debug/models/loaded", "dev-key", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = rig.do(http.MethodPost, "/predict", "admin-key", map[string]any{
		"model": "echo", "version": "v1", "data": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(http.MethodGet, "/debug/models/loaded", "admin-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"loaded_models":[{"name":"echo","version":"v1"}]}`, rec.Body.String())
}

func TestAsyncFlow(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodPost, "/predict/async", "dev-key", map[string]any{
		"model":   "echo",
		"version": "v1",
		"data":    map[string]int{"y": 7},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	jobID := submitted["job_id"]
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		poll := rig.do(http.MethodGet, "/predict/async/"+jobID, "dev-key", nil)
		if poll.Code != http.StatusOK {
			return false
		}
		var status struct {
			Status string          `json:"status"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(poll.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status == string(jobs.StatusSucceeded)
	}, 2*time.Second, 10*time.Millisecond)

	poll := rig.do(http.MethodGet, "/predict/async/"+jobID, "dev-key", nil)
	assert.Contains(t, poll.Body.String(), `"echo"`)
}

func TestGetJob(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	job, err := rig.jobs.CreateJob(context.Background(), jobs.CreateJobParams{
		ModelName: "echo", ModelVersion: "v1", Device: "cpu", Cancellable: true,
	})
	require.NoError(t, err)

	rec := rig.do(http.MethodGet, "/jobs/"+job.ID, "dev-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, job.ID, body["job_id"])
	assert.Equal(t, string(jobs.StatusPending), body["status"])
}

func TestGetJobNotFound(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	rec := rig.do(http.MethodGet, "/jobs/no-such-job", "dev-key", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Job not found", detail(t, rec))
}

func TestCancelJobEndpoint(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	job, err := rig.jobs.CreateJob(context.Background(), jobs.CreateJobParams{
		ModelName: "echo", ModelVersion: "v1", Device: "cpu", Cancellable: true,
	})
	require.NoError(t, err)

	rec := rig.do(http.MethodPost, "/jobs/"+job.ID+"/cancel", "dev-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(jobs.StatusCancelled), body["status"])

	// Not cancellable jobs refuse with a client error.
	locked, err := rig.jobs.CreateJob(context.Background(), jobs.CreateJobParams{
		ModelName: "echo", ModelVersion: "v1", Device: "cpu", Cancellable: false,
	})
	require.NoError(t, err)

	rec = rig.do(http.MethodPost, "/jobs/"+locked.ID+"/cancel", "dev-key", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Job is not cancellable", detail(t, rec))
}

func TestRequestIDEchoed(t *testing.T) {
	rig := newWebRig(t, server.Options{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me-123")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	assert.Equal(t, "trace-me-123", rec.Header().Get("X-Request-ID"))
}
