package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/inference/executor"
)

func TestPolicyResolve(t *testing.T) {
	cpu, _ := newTestPool(t, "cpu", 1)
	gpu, _ := newTestPool(t, "gpu", 1)
	pools := map[string]*executor.Pool{"cpu": cpu, "gpu": gpu}

	policy, err := executor.NewPolicy(pools, map[string]string{
		"echo:v2":       "gpu",
		"classifier:v1": "cpu",
		"broken:v1":     "tpu",
	}, "cpu")
	require.NoError(t, err)

	tests := []struct {
		name       string
		model      string
		version    string
		wantDevice string
		wantErr    bool
	}{
		{name: "pinned to gpu", model: "echo", version: "v2", wantDevice: "gpu"},
		{name: "pinned to cpu", model: "classifier", version: "v1", wantDevice: "cpu"},
		{name: "unlisted version falls back", model: "echo", version: "v1", wantDevice: "cpu"},
		{name: "unlisted model falls back", model: "stable_model", version: "v3", wantDevice: "cpu"},
		{name: "target names missing pool", model: "broken", version: "v1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, rerr := policy.Resolve(tt.model, tt.version)
			if tt.wantErr {
				assert.ErrorIs(t, rerr, executor.ErrPoolUnknown)
				return
			}
			require.NoError(t, rerr)
			assert.Equal(t, tt.wantDevice, pool.Device())
		})
	}
}

func TestPolicyRejectsUnknownDefault(t *testing.T) {
	cpu, _ := newTestPool(t, "cpu", 1)

	_, err := executor.NewPolicy(map[string]*executor.Pool{"cpu": cpu}, nil, "gpu")
	assert.ErrorIs(t, err, executor.ErrPoolUnknown)
}

func TestPolicyShutdownReleasesPools(t *testing.T) {
	cpu, _ := newTestPool(t, "cpu", 1)

	policy, err := executor.NewPolicy(map[string]*executor.Pool{
		"cpu":     cpu,
		"default": cpu, // aliased pools are released once
	}, nil, "cpu")
	require.NoError(t, err)

	policy.Shutdown()

	_, err = cpu.Submit(context.Background(), func(_ context.Context) (any, error) {
		return nil, nil
	}, 0)
	assert.ErrorIs(t, err, executor.ErrExecutorSaturated)
}
