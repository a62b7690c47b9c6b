package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/inference/config"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := config.FromEnv[config.InferenceConfig]()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerPort)
	assert.Equal(t, "jobs.db", cfg.JobStorePath)
	assert.Equal(t, 4, cfg.CPUPoolWorkers)
	assert.Equal(t, 1, cfg.GPUPoolWorkers)
	assert.Equal(t, "cpu", cfg.DefaultPool)
	assert.Equal(t, int64(1_000_000), cfg.MaxPayloadBytes)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", ":9090")
	t.Setenv("CPU_POOL_WORKERS", "8")
	t.Setenv("DEFAULT_POOL", "gpu")
	t.Setenv("EXECUTION_POLICY", "echo:v2=gpu")

	cfg, err := config.FromEnv[config.InferenceConfig]()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerPort)
	assert.Equal(t, 8, cfg.CPUPoolWorkers)
	assert.Equal(t, "gpu", cfg.DefaultPool)

	targets, err := cfg.PolicyTargets()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo:v2": "gpu"}, targets)
}

func TestPolicyTargets(t *testing.T) {
	tests := []struct {
		name    string
		policy  string
		want    map[string]string
		wantErr bool
	}{
		{
			name:   "empty policy",
			policy: "",
			want:   map[string]string{},
		},
		{
			name:   "single target",
			policy: "echo:v2=gpu",
			want:   map[string]string{"echo:v2": "gpu"},
		},
		{
			name:   "multiple targets with spaces",
			policy: "echo:v2=gpu, classifier:v1=cpu",
			want:   map[string]string{"echo:v2": "gpu", "classifier:v1": "cpu"},
		},
		{
			name:   "trailing comma tolerated",
			policy: "echo:v2=gpu,",
			want:   map[string]string{"echo:v2": "gpu"},
		},
		{
			name:    "missing device",
			policy:  "echo:v2=",
			wantErr: true,
		},
		{
			name:    "missing separator",
			policy:  "echo:v2",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.InferenceConfig{ExecutionPolicy: tt.policy}

			targets, err := cfg.PolicyTargets()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, targets)
		})
	}
}
