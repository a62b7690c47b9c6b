package pipeline

import (
	"context"
	"encoding/json"
)

// EchoModel wraps its input in an {"echo": ...} envelope. It exists to
// validate the full dispatch flow without real model artifacts.
type EchoModel struct{}

func (EchoModel) Load(_ context.Context) error {
	return nil
}

func (EchoModel) Predict(_ context.Context, x json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]json.RawMessage{"echo": x})
}

// BuildEcho constructs a fully loaded echo pipeline.
func BuildEcho(ctx context.Context) (Pipeline, error) {
	model := EchoModel{}
	if err := model.Load(ctx); err != nil {
		return nil, err
	}

	return NewStaged(Identity{}, model, Identity{}), nil
}
