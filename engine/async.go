package engine

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/inference/jobs"
)

const asyncDefaultMaxAttempts = 3

// Async is the fire-and-forget façade over the engine. It creates the
// job synchronously, schedules the engine's background run on the pool
// resolved for the model version, and returns the job id. It keeps no
// in-memory state; job reads proxy to the job service.
type Async struct {
	engine *Engine
}

// NewAsync creates the asynchronous submission façade.
func NewAsync(engine *Engine) *Async {
	return &Async{engine: engine}
}

// Submit creates the job and returns its id immediately; the dispatch
// loop runs on a background pool worker.
func (a *Async) Submit(ctx context.Context, req Request) (string, error) {
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = asyncDefaultMaxAttempts
	}

	job, pool, err := a.engine.prepare(ctx, req.Model, req.Version, req.RequestID, req.Payload, createOpts{
		maxAttempts:         req.MaxAttempts,
		maxRuntimeSecs:      req.MaxRuntimeSecs,
		maxTotalRuntimeSecs: req.MaxTotalRuntimeSecs,
	})
	if err != nil {
		return "", err
	}

	requestID := req.RequestID
	pool.SubmitBackground(func(bgCtx context.Context) {
		a.engine.RunJob(bgCtx, job.ID, requestID)
	})
	return job.ID, nil
}

// SubmitBatch is Submit for a list of payloads sharing one job.
func (a *Async) SubmitBatch(ctx context.Context, req BatchRequest) (string, error) {
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = asyncDefaultMaxAttempts
	}

	payload, err := json.Marshal(req.Payloads)
	if err != nil {
		return "", newPredictionError(err, "encoding batch payload: %v", err)
	}

	job, pool, err := a.engine.prepare(ctx, req.Model, req.Version, req.RequestID, payload, createOpts{
		maxAttempts:         req.MaxAttempts,
		maxRuntimeSecs:      req.MaxRuntimeSecs,
		maxTotalRuntimeSecs: req.MaxTotalRuntimeSecs,
	})
	if err != nil {
		return "", err
	}

	requestID := req.RequestID
	pool.SubmitBackground(func(bgCtx context.Context) {
		a.engine.RunBatchJob(bgCtx, job.ID, requestID)
	})
	return job.ID, nil
}

// Get reads job state from the persistent store.
func (a *Async) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	return a.engine.jobs.GetJob(ctx, jobID)
}
