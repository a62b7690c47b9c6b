// Package pipeline defines the unit of work the engine dispatches: a
// preprocess -> predict -> postprocess chain over opaque JSON payloads.
package pipeline

import (
	"context"
	"encoding/json"
)

// Pipeline executes inference for one input or a batch. Implementations
// must be safe for concurrent use; the registry shares one instance
// across all pool workers. Long running implementations should poll ctx
// so pool timeouts and cancellations can take effect cooperatively.
type Pipeline interface {
	Run(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	RunBatch(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error)
}

// Preprocessor transforms a raw payload into model input.
type Preprocessor interface {
	Transform(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)
}

// Postprocessor transforms model output into the response payload.
type Postprocessor interface {
	Transform(ctx context.Context, out json.RawMessage) (json.RawMessage, error)
}

// Model is the pure inference abstraction behind a pipeline.
type Model interface {
	Load(ctx context.Context) error
	Predict(ctx context.Context, x json.RawMessage) (json.RawMessage, error)
}

// Staged is the explicit pipeline composition used by built in models.
type Staged struct {
	pre   Preprocessor
	model Model
	post  Postprocessor
}

// NewStaged composes a pipeline from its three stages.
func NewStaged(pre Preprocessor, model Model, post Postprocessor) *Staged {
	return &Staged{pre: pre, model: model, post: post}
}

func (p *Staged) Run(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	modelInput, err := p.pre.Transform(ctx, input)
	if err != nil {
		return nil, err
	}

	modelOutput, err := p.model.Predict(ctx, modelInput)
	if err != nil {
		return nil, err
	}

	return p.post.Transform(ctx, modelOutput)
}

// RunBatch falls back to sequential Run calls. Models with an optimised
// batch path should implement Pipeline directly.
func (p *Staged) RunBatch(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error) {
	outputs := make([]json.RawMessage, 0, len(inputs))
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		output, err := p.Run(ctx, input)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

// Identity passes payloads through unchanged. It serves as both the
// default preprocessor and postprocessor.
type Identity struct{}

func (Identity) Transform(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

// Func adapts a plain function into a Pipeline for tests and simple
// deployments; RunBatch applies the function sequentially.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

func (f Func) Run(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

func (f Func) RunBatch(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error) {
	outputs := make([]json.RawMessage, 0, len(inputs))
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		output, err := f(ctx, input)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}
