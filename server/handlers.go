package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pitabwire/inference/engine"
	"github.com/pitabwire/inference/jobs"
	"github.com/pitabwire/inference/security"
)

type predictRequest struct {
	Model   string          `json:"model"`
	Version string          `json:"version,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	TimeoutSecs         float64 `json:"timeout_s,omitempty"`
	MaxAttempts         int     `json:"max_attempts,omitempty"`
	MaxRuntimeSecs      float64 `json:"max_runtime_s,omitempty"`
	MaxTotalRuntimeSecs float64 `json:"max_total_runtime_s,omitempty"`
}

type predictBatchRequest struct {
	Model   string            `json:"model"`
	Version string            `json:"version,omitempty"`
	Items   []json.RawMessage `json:"items"`

	TimeoutSecs         float64 `json:"timeout_s,omitempty"`
	MaxAttempts         int     `json:"max_attempts,omitempty"`
	MaxRuntimeSecs      float64 `json:"max_runtime_s,omitempty"`
	MaxTotalRuntimeSecs float64 `json:"max_total_runtime_s,omitempty"`
}

type jobResponse struct {
	JobID        string          `json:"job_id"`
	Status       jobs.Status     `json:"status"`
	Model        string          `json:"model"`
	Version      string          `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopePredict) {
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" {
		writeDetail(w, http.StatusBadRequest, "Field 'model' is required")
		return
	}

	result, err := s.engine.Predict(r.Context(), engine.Request{
		Model:               req.Model,
		Version:             req.Version,
		Payload:             req.Data,
		RequestID:           requestIDFrom(r.Context()),
		Timeout:             secondsToDuration(req.TimeoutSecs),
		MaxAttempts:         req.MaxAttempts,
		MaxRuntimeSecs:      req.MaxRuntimeSecs,
		MaxTotalRuntimeSecs: req.MaxTotalRuntimeSecs,
	})
	if err != nil {
		writePredictionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopePredict) {
		return
	}

	var req predictBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" {
		writeDetail(w, http.StatusBadRequest, "Field 'model' is required")
		return
	}

	results, err := s.engine.PredictBatch(r.Context(), engine.BatchRequest{
		Model:               req.Model,
		Version:             req.Version,
		Payloads:            req.Items,
		RequestID:           requestIDFrom(r.Context()),
		Timeout:             secondsToDuration(req.TimeoutSecs),
		MaxAttempts:         req.MaxAttempts,
		MaxRuntimeSecs:      req.MaxRuntimeSecs,
		MaxTotalRuntimeSecs: req.MaxTotalRuntimeSecs,
	})
	if err != nil {
		writePredictionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string][]json.RawMessage{"results": results})
}

func (s *Server) handlePredictAsync(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopePredict) {
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" {
		writeDetail(w, http.StatusBadRequest, "Field 'model' is required")
		return
	}

	jobID, err := s.async.Submit(r.Context(), engine.Request{
		Model:               req.Model,
		Version:             req.Version,
		Payload:             req.Data,
		RequestID:           requestIDFrom(r.Context()),
		MaxAttempts:         req.MaxAttempts,
		MaxRuntimeSecs:      req.MaxRuntimeSecs,
		MaxTotalRuntimeSecs: req.MaxTotalRuntimeSecs,
	})
	if err != nil {
		writePredictionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) handlePredictAsyncBatch(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopePredict) {
		return
	}

	var req predictBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" {
		writeDetail(w, http.StatusBadRequest, "Field 'model' is required")
		return
	}

	jobID, err := s.async.SubmitBatch(r.Context(), engine.BatchRequest{
		Model:               req.Model,
		Version:             req.Version,
		Payloads:            req.Items,
		RequestID:           requestIDFrom(r.Context()),
		MaxAttempts:         req.MaxAttempts,
		MaxRuntimeSecs:      req.MaxRuntimeSecs,
		MaxTotalRuntimeSecs: req.MaxTotalRuntimeSecs,
	})
	if err != nil {
		writePredictionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) handleAsyncStatus(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopePredict) {
		return
	}

	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Model:        job.ModelName,
		Version:      job.ModelVersion,
		CreatedAt:    job.CreatedAt,
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopePredict) {
		return
	}

	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Model:     job.ModelName,
		Version:   job.ModelVersion,
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopePredict) {
		return
	}

	job, err := s.jobs.CancelJob(r.Context(), r.PathValue("id"), "requested by client")
	if err != nil {
		if errors.Is(err, jobs.ErrNotCancellable) {
			writeDetail(w, http.StatusBadRequest, "Job is not cancellable")
			return
		}
		writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Model:        job.ModelName,
		Version:      job.ModelVersion,
		CreatedAt:    job.CreatedAt,
		ErrorMessage: job.ErrorMessage,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopeReadModels) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"models": s.registry.List()})
}

func (s *Server) handleLoadedModels(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopeAdmin) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"loaded_models": s.registry.Loaded()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, security.ScopeAdmin) {
		return
	}

	s.collector.Handler().ServeHTTP(w, r)
}

func writePredictionError(w http.ResponseWriter, err error) {
	var execErr *engine.InferenceExecutionError
	if errors.As(err, &execErr) {
		writeDetail(w, http.StatusInternalServerError, execErr.Error())
		return
	}

	var predErr *engine.PredictionError
	if errors.As(err, &predErr) {
		writeDetail(w, http.StatusBadRequest, predErr.Error())
		return
	}

	writeDetail(w, http.StatusInternalServerError, err.Error())
}

func writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}
	writeDetail(w, http.StatusInternalServerError, err.Error())
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
