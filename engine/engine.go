// Package engine orchestrates inference dispatch: routing, job
// lifecycle, pool selection and the retry loop, behind one code path
// shared by synchronous and asynchronous submission.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pitabwire/util"

	"github.com/pitabwire/inference/executor"
	"github.com/pitabwire/inference/jobs"
	"github.com/pitabwire/inference/metrics"
	"github.com/pitabwire/inference/pipeline"
	"github.com/pitabwire/inference/registry"
	"github.com/pitabwire/inference/routing"
)

const (
	errTypeModelNotFound     = "ModelNotFoundError"
	errTypePipeline          = "PipelineError"
	errTypeExecutorSaturated = "ExecutorSaturated"
	errTypeExecutionTimeout  = "ExecutionTimeout"

	initialAttemptReason = "initial"
)

// Request describes one prediction submission. Version is optional; an
// empty version routes through the route table using RequestID as the
// A/B identity key. Budgets of zero are unset.
type Request struct {
	Model     string
	Version   string
	Payload   json.RawMessage
	RequestID string

	Timeout             time.Duration
	MaxAttempts         int
	MaxRuntimeSecs      float64
	MaxTotalRuntimeSecs float64
}

// BatchRequest is Request for a list of payloads.
type BatchRequest struct {
	Model     string
	Version   string
	Payloads  []json.RawMessage
	RequestID string

	Timeout             time.Duration
	MaxAttempts         int
	MaxRuntimeSecs      float64
	MaxTotalRuntimeSecs float64
}

// Engine binds the routing resolver, job service, execution policy and
// registry behind uniform synchronous and background entry points.
type Engine struct {
	registry  *registry.Registry
	resolver  *routing.Resolver
	jobs      *jobs.Service
	policy    *executor.Policy
	collector *metrics.Collector
	now       func() time.Time
}

// New creates the prediction engine.
func New(reg *registry.Registry, resolver *routing.Resolver, jobSvc *jobs.Service, policy *executor.Policy, collector *metrics.Collector) *Engine {
	return &Engine{
		registry:  reg,
		resolver:  resolver,
		jobs:      jobSvc,
		policy:    policy,
		collector: collector,
		now:       time.Now,
	}
}

// Jobs exposes the job service for read paths.
func (e *Engine) Jobs() *jobs.Service {
	return e.jobs
}

// Registry exposes the model registry for discovery endpoints.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Predict executes a single synchronous prediction, blocking until the
// result is available or the retry budget is exhausted.
func (e *Engine) Predict(ctx context.Context, req Request) (json.RawMessage, error) {
	job, pool, err := e.prepare(ctx, req.Model, req.Version, req.RequestID, req.Payload, createOpts{
		maxAttempts:         req.MaxAttempts,
		maxRuntimeSecs:      req.MaxRuntimeSecs,
		maxTotalRuntimeSecs: req.MaxTotalRuntimeSecs,
	})
	if err != nil {
		return nil, err
	}

	return e.dispatch(ctx, job, pool, req.RequestID, req.Timeout, false)
}

// PredictBatch executes a synchronous batch prediction. The batch
// occupies one pool slot for its full duration.
func (e *Engine) PredictBatch(ctx context.Context, req BatchRequest) ([]json.RawMessage, error) {
	payload, err := json.Marshal(req.Payloads)
	if err != nil {
		return nil, newPredictionError(err, "encoding batch payload: %v", err)
	}

	job, pool, err := e.prepare(ctx, req.Model, req.Version, req.RequestID, payload, createOpts{
		maxAttempts:         req.MaxAttempts,
		maxRuntimeSecs:      req.MaxRuntimeSecs,
		maxTotalRuntimeSecs: req.MaxTotalRuntimeSecs,
	})
	if err != nil {
		return nil, err
	}

	raw, err := e.dispatch(ctx, job, pool, req.RequestID, req.Timeout, true)
	if err != nil {
		return nil, err
	}

	var results []json.RawMessage
	if err = json.Unmarshal(raw, &results); err != nil {
		return nil, newExecutionError(err, "decoding batch result: %v", err)
	}
	return results, nil
}

// RunJob executes the dispatch loop for an already created job on the
// calling goroutine. The async façade schedules this on a pool worker.
func (e *Engine) RunJob(ctx context.Context, jobID, requestID string) {
	log := util.Log(ctx).WithField("job_id", jobID)

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		log.WithError(err).Error("background run: job vanished")
		return
	}

	pool, err := e.policy.Resolve(job.ModelName, job.ModelVersion)
	if err != nil {
		_ = e.jobs.MarkFailed(ctx, jobID, errTypeExecutorSaturated, err.Error())
		log.WithError(err).Error("background run: no pool for job")
		return
	}

	if _, err = e.dispatch(ctx, job, pool, requestID, 0, false); err != nil {
		log.WithError(err).Debug("background run finished with error")
	}
}

// RunBatchJob is RunJob for batch-shaped payloads.
func (e *Engine) RunBatchJob(ctx context.Context, jobID, requestID string) {
	log := util.Log(ctx).WithField("job_id", jobID)

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		log.WithError(err).Error("background run: job vanished")
		return
	}

	pool, err := e.policy.Resolve(job.ModelName, job.ModelVersion)
	if err != nil {
		_ = e.jobs.MarkFailed(ctx, jobID, errTypeExecutorSaturated, err.Error())
		log.WithError(err).Error("background run: no pool for job")
		return
	}

	if _, err = e.dispatch(ctx, job, pool, requestID, 0, true); err != nil {
		log.WithError(err).Debug("background run finished with error")
	}
}

type createOpts struct {
	maxAttempts         int
	maxRuntimeSecs      float64
	maxTotalRuntimeSecs float64
	cancellable         bool
}

// prepare resolves routing, selects the pool and creates the job in
// pending state. Shared by the sync paths and the async façade.
func (e *Engine) prepare(ctx context.Context, model, version, requestID string, payload json.RawMessage, opts createOpts) (*jobs.Job, *executor.Pool, error) {
	model, version, err := e.resolver.Resolve(model, version, requestID)
	if err != nil {
		return nil, nil, newPredictionError(err, "%v", err)
	}

	e.collector.Requests.WithLabelValues(model, version).Inc()

	pool, err := e.policy.Resolve(model, version)
	if err != nil {
		return nil, nil, newExecutionError(err, "%v", err)
	}

	job, err := e.jobs.CreateJob(ctx, jobs.CreateJobParams{
		ModelName:           model,
		ModelVersion:        version,
		Payload:             payload,
		Device:              pool.Device(),
		MaxAttempts:         opts.maxAttempts,
		MaxRuntimeSecs:      opts.maxRuntimeSecs,
		MaxTotalRuntimeSecs: opts.maxTotalRuntimeSecs,
		Cancellable:         true,
	})
	if err != nil {
		return nil, nil, newExecutionError(err, "creating job: %v", err)
	}

	return job, pool, nil
}

// dispatch runs the retry loop for one job until success, terminal
// failure or budget exhaustion. Every state transition is persisted
// before it is externally observable.
func (e *Engine) dispatch(ctx context.Context, job *jobs.Job, pool *executor.Pool, requestID string, reqTimeout time.Duration, batch bool) (json.RawMessage, error) {
	model, version := job.ModelName, job.ModelVersion
	log := util.Log(ctx).
		WithField("job_id", job.ID).
		WithField("model", model).
		WithField("version", version)

	pl, err := e.registry.Get(ctx, model, version)
	if err != nil {
		_ = e.jobs.MarkFailed(ctx, job.ID, errTypeModelNotFound, err.Error())
		e.collector.Errors.WithLabelValues(model, version, "model_not_found").Inc()
		return nil, newPredictionError(err, "%v", err)
	}

	var batchInputs []json.RawMessage
	if batch {
		if err = json.Unmarshal(job.Payload, &batchInputs); err != nil {
			_ = e.jobs.MarkFailed(ctx, job.ID, errTypePipeline, err.Error())
			return nil, newPredictionError(err, "decoding batch payload: %v", err)
		}
	}

	submit := pool.Submit
	if batch {
		submit = pool.SubmitBatch
	}

	loopStart := e.now()
	var lastErr error
	lastErrType := ""

	for {
		cur, gerr := e.jobs.GetJob(ctx, job.ID)
		if gerr != nil {
			return nil, newExecutionError(gerr, "reading job %s: %v", job.ID, gerr)
		}

		if e.jobs.IsCancelled(cur) {
			return nil, newExecutionError(nil, "job %s cancelled", job.ID)
		}
		if cur.AttemptCount > 0 && !e.jobs.ShouldRetry(cur) {
			break
		}

		reason := lastErrType
		if reason == "" {
			reason = initialAttemptReason
		}
		if err = e.jobs.RecordAttempt(ctx, job.ID, reason); err != nil {
			return nil, newExecutionError(err, "recording attempt for job %s: %v", job.ID, err)
		}
		e.collector.Retries.WithLabelValues(model, version, reason).Inc()

		effTimeout := effectiveTimeout(reqTimeout, cur.MaxRuntime())
		runOnce := e.runOnce(job.ID, pl, cur.Payload, batchInputs, batch)

		raw, runErr := submit(ctx, runOnce, effTimeout)
		if runErr == nil {
			latency := e.now().Sub(loopStart)
			e.collector.Latency.WithLabelValues(model, version).Observe(latency.Seconds())
			log.WithField("request_id", requestID).
				WithField("latency_ms", latency.Milliseconds()).
				Info("inference_success")
			result, _ := raw.(json.RawMessage)
			return result, nil
		}

		if errors.Is(runErr, executor.ErrExecutionTimeout) {
			e.collector.Errors.WithLabelValues(model, version, "timeout").Inc()
			lastErr = runErr
			lastErrType = errTypeExecutionTimeout

			cur, gerr = e.jobs.GetJob(ctx, job.ID)
			if gerr != nil {
				return nil, newExecutionError(gerr, "reading job %s: %v", job.ID, gerr)
			}

			if e.jobs.HasExceededTotalBudget(cur, e.now()) {
				_ = e.jobs.MarkTimeout(ctx, job.ID, "total runtime budget exceeded")
				e.collector.RetryExhausted.WithLabelValues(model, version).Inc()
				break
			}
			if !e.jobs.ShouldRetry(cur) {
				_ = e.jobs.MarkTimeout(ctx, job.ID, "inference execution timed out")
				e.collector.RetryExhausted.WithLabelValues(model, version).Inc()
				break
			}
			continue
		}

		if errors.Is(runErr, executor.ErrExecutorSaturated) {
			_ = e.jobs.MarkFailed(ctx, job.ID, errTypeExecutorSaturated, runErr.Error())
			e.collector.Errors.WithLabelValues(model, version, "executor_saturated").Inc()
			lastErr = runErr
			break
		}

		// Pipeline failure; runOnce already marked the job failed.
		// Transient-only retry policy: do not retry.
		e.collector.Errors.WithLabelValues(model, version, "inference_error").Inc()
		lastErr = runErr
		break
	}

	if lastErr == nil {
		lastErr = errors.New("retry attempts exhausted")
	}
	if errors.Is(lastErr, executor.ErrExecutionTimeout) {
		return nil, newExecutionError(lastErr, "inference timed out for model '%s:%s': %v", model, version, lastErr)
	}
	return nil, newExecutionError(lastErr, "inference failed for model '%s:%s': %v", model, version, lastErr)
}

// runOnce builds the closure one attempt executes on a pool worker. It
// owns the running/succeeded/failed transitions so the job record is
// consistent even when the submitting caller has timed out. Store
// writes use a detached context: a cancelled attempt must still be able
// to record its outcome, which the store's terminal guard then keeps or
// discards.
func (e *Engine) runOnce(jobID string, pl pipeline.Pipeline, payload json.RawMessage, batchInputs []json.RawMessage, batch bool) executor.Task {
	return func(runCtx context.Context) (any, error) {
		storeCtx := context.WithoutCancel(runCtx)

		if err := e.jobs.MarkRunning(storeCtx, jobID); err != nil {
			return nil, err
		}

		var raw json.RawMessage
		var err error
		if batch {
			var outputs []json.RawMessage
			outputs, err = pl.RunBatch(runCtx, batchInputs)
			if err == nil {
				raw, err = json.Marshal(outputs)
			}
		} else {
			raw, err = pl.Run(runCtx, payload)
		}

		if err != nil {
			_ = e.jobs.MarkFailed(storeCtx, jobID, errTypePipeline, err.Error())
			return nil, err
		}

		if err = e.jobs.MarkSucceeded(storeCtx, jobID, raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// effectiveTimeout is min(request timeout, per-attempt budget) when
// both are set, else whichever is set, else none.
func effectiveTimeout(reqTimeout, jobRuntime time.Duration) time.Duration {
	switch {
	case reqTimeout > 0 && jobRuntime > 0:
		return min(reqTimeout, jobRuntime)
	case reqTimeout > 0:
		return reqTimeout
	default:
		return jobRuntime
	}
}
