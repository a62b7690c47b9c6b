package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/inference/pipeline"
)

func TestEchoPipelineRun(t *testing.T) {
	ctx := context.Background()

	pl, err := pipeline.BuildEcho(ctx)
	require.NoError(t, err)

	out, err := pl.Run(ctx, json.RawMessage(`{"x":42}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"x":42}}`, string(out))
}

func TestEchoPipelineRunBatch(t *testing.T) {
	ctx := context.Background()

	pl, err := pipeline.BuildEcho(ctx)
	require.NoError(t, err)

	outputs, err := pl.RunBatch(ctx, []json.RawMessage{
		json.RawMessage(`1`),
		json.RawMessage(`"two"`),
		json.RawMessage(`{"n":3}`),
	})
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.JSONEq(t, `{"echo":1}`, string(outputs[0]))
	assert.JSONEq(t, `{"echo":"two"}`, string(outputs[1]))
	assert.JSONEq(t, `{"echo":{"n":3}}`, string(outputs[2]))
}

func TestRunBatchStopsOnError(t *testing.T) {
	boom := errors.New("stage failed")
	calls := 0
	pl := pipeline.Func(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 2 {
			return nil, boom
		}
		return json.RawMessage(`null`), nil
	})

	_, err := pl.RunBatch(context.Background(), []json.RawMessage{
		json.RawMessage(`1`), json.RawMessage(`2`), json.RawMessage(`3`),
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestRunBatchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pl := pipeline.Func(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	})

	_, err := pl.RunBatch(ctx, []json.RawMessage{json.RawMessage(`1`)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStagedComposition(t *testing.T) {
	ctx := context.Background()

	pre := stageFunc(func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"wrapped":` + string(raw) + `}`), nil
	})
	post := stageFunc(func(_ context.Context, out json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"final":` + string(out) + `}`), nil
	})

	pl := pipeline.NewStaged(pre, pipeline.EchoModel{}, post)

	out, err := pl.Run(ctx, json.RawMessage(`7`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"final":{"echo":{"wrapped":7}}}`, string(out))
}

type stageFunc func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)

func (f stageFunc) Transform(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	return f(ctx, raw)
}
