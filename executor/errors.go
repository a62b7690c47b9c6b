package executor

import "errors"

var (
	// ErrExecutionTimeout indicates a per-attempt timeout elapsed before
	// the submitted work produced a result. The only retry-eligible
	// error class.
	ErrExecutionTimeout = errors.New("inference execution timed out")

	// ErrExecutorSaturated indicates the pool cannot accept work.
	ErrExecutorSaturated = errors.New("executor unavailable")

	// ErrPoolUnknown indicates the execution policy references a pool
	// that was never constructed.
	ErrPoolUnknown = errors.New("unknown execution pool")
)
