package engine

import "fmt"

// PredictionError reports request-level failures the caller can fix:
// unknown routes, unknown models, malformed payloads. Surfaces as a
// client error at the HTTP boundary.
type PredictionError struct {
	msg string
	err error
}

func newPredictionError(err error, format string, args ...any) *PredictionError {
	return &PredictionError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *PredictionError) Error() string {
	return e.msg
}

func (e *PredictionError) Unwrap() error {
	return e.err
}

// InferenceExecutionError reports runtime inference failures: pipeline
// errors, exhausted retries, budget timeouts, cancellation. Surfaces as
// a server error at the HTTP boundary.
type InferenceExecutionError struct {
	msg string
	err error
}

func newExecutionError(err error, format string, args ...any) *InferenceExecutionError {
	return &InferenceExecutionError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *InferenceExecutionError) Error() string {
	return e.msg
}

func (e *InferenceExecutionError) Unwrap() error {
	return e.err
}
