// Package server is the HTTP boundary: authentication, rate limits,
// payload guard, request ids and the JSON handlers over the engine.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pitabwire/inference/engine"
	"github.com/pitabwire/inference/jobs"
	"github.com/pitabwire/inference/metrics"
	"github.com/pitabwire/inference/registry"
	"github.com/pitabwire/inference/security"
)

// Options configures the HTTP server surface.
type Options struct {
	MaxPayloadBytes int64
	Keys            *security.KeyStore
	Limits          map[string]*security.KeyedLimiter
}

// DefaultLimits returns the per-key sliding limits for the public
// endpoints.
func DefaultLimits() map[string]*security.KeyedLimiter {
	return map[string]*security.KeyedLimiter{
		"/predict": security.NewKeyedLimiter(10, time.Second),
		"/models":  security.NewKeyedLimiter(2, time.Second),
		"/metrics": security.NewKeyedLimiter(1, 10*time.Second),
	}
}

// Server wires the engine and its collaborators into an http.Handler.
type Server struct {
	engine    *engine.Engine
	async     *engine.Async
	jobs      *jobs.Service
	registry  *registry.Registry
	collector *metrics.Collector

	keys            *security.KeyStore
	limits          map[string]*security.KeyedLimiter
	maxPayloadBytes int64
}

// New creates the HTTP server surface.
func New(eng *engine.Engine, async *engine.Async, collector *metrics.Collector, opts Options) *Server {
	keys := opts.Keys
	if keys == nil {
		keys = security.NewKeyStoreWithDefaults()
	}
	limits := opts.Limits
	if limits == nil {
		limits = DefaultLimits()
	}
	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = 1_000_000
	}

	return &Server{
		engine:          eng,
		async:           async,
		jobs:            eng.Jobs(),
		registry:        eng.Registry(),
		collector:       collector,
		keys:            keys,
		limits:          limits,
		maxPayloadBytes: maxPayload,
	}
}

// Handler builds the route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /predict", s.handlePredict)
	mux.HandleFunc("POST /predict/batch", s.handlePredictBatch)
	mux.HandleFunc("POST /predict/async", s.handlePredictAsync)
	mux.HandleFunc("POST /predict/async/batch", s.handlePredictAsyncBatch)
	mux.HandleFunc("GET /predict/async/{id}", s.handleAsyncStatus)

	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("GET /models", s.handleListModels)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /debug/models/loaded", s.handleLoadedModels)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	var handler http.Handler = mux
	handler = s.rateLimitMiddleware(handler)
	handler = s.authMiddleware(handler)
	handler = s.payloadGuardMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// requireScope enforces a scope on the request identity; it writes the
// response itself when the check fails.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	id, ok := security.FromContext(r.Context())
	if !ok || !id.HasScope(scope) {
		writeDetail(w, http.StatusForbidden, "Missing scope: "+scope)
		return false
	}
	return true
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}
