package server

import (
	"context"
	"net/http"

	"github.com/rs/xid"

	"github.com/pitabwire/inference/security"
)

type contextKey string

const ctxKeyRequestID = contextKey("server/requestID")

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

const (
	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"
)

// requestIDMiddleware echoes the caller's request id or injects a fresh
// one. The id doubles as the A/B identity key downstream.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = xid.New().String()
		}

		w.Header().Set(headerRequestID, requestID)
		ctx := contextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// payloadGuardMiddleware rejects oversized bodies before any handler or
// the engine sees them.
func (s *Server) payloadGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			if r.ContentLength > s.maxPayloadBytes {
				writeDetail(w, http.StatusRequestEntityTooLarge, "Payload too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, s.maxPayloadBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the API key to an identity. /health stays
// public for load balancer probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(headerAPIKey)
		if apiKey == "" {
			writeDetail(w, http.StatusUnauthorized, "Missing API key")
			return
		}

		identity, ok := s.keys.Authenticate(apiKey)
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(security.ToContext(r.Context(), identity)))
	})
}

// rateLimitMiddleware applies per-key sliding window limits on the
// configured paths.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := security.FromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if limiter, limited := s.limits[r.URL.Path]; limited && !limiter.Allow(identity.APIKey) {
			writeDetail(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
