package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// FromEnv convenience method to process configs.
func FromEnv[T any]() (T, error) {
	return env.ParseAs[T]()
}

// FillEnv convenience method to fill a config object with environment data.
func FillEnv(v any) error {
	return env.Parse(v)
}

// InferenceConfig is the process configuration for the inference service.
type InferenceConfig struct {
	LogLevel  string `envDefault:"info" env:"LOG_LEVEL"  yaml:"log_level"`
	LogFormat string `envDefault:"text" env:"LOG_FORMAT" yaml:"log_format"`

	ServiceName string `envDefault:"inference" env:"SERVICE_NAME" yaml:"service_name"`
	ServerPort  string `envDefault:":8080"     env:"PORT"         yaml:"server_port"`

	// DatabaseURL selects PostgreSQL when set; otherwise the job store
	// falls back to a local SQLite file at JobStorePath.
	DatabaseURL  string `env:"DATABASE_URL"   yaml:"database_url"`
	JobStorePath string `env:"JOB_STORE_PATH" yaml:"job_store_path" envDefault:"jobs.db"`

	RoutingConfigPath string `env:"ROUTING_CONFIG_PATH" yaml:"routing_config_path"`

	CPUPoolWorkers int    `envDefault:"4"   env:"CPU_POOL_WORKERS" yaml:"cpu_pool_workers"`
	GPUPoolWorkers int    `envDefault:"1"   env:"GPU_POOL_WORKERS" yaml:"gpu_pool_workers"`
	DefaultPool    string `envDefault:"cpu" env:"DEFAULT_POOL"     yaml:"default_pool"`

	// ExecutionPolicy pins model versions to devices, e.g.
	// "echo:v2=gpu,classifier:v1=cpu". Unlisted targets use DefaultPool.
	ExecutionPolicy string `env:"EXECUTION_POLICY" yaml:"execution_policy"`

	MaxPayloadBytes int64 `envDefault:"1000000" env:"MAX_PAYLOAD_BYTES" yaml:"max_payload_bytes"`

	ShutdownGracePeriod time.Duration `envDefault:"10s" env:"SHUTDOWN_GRACE_PERIOD" yaml:"shutdown_grace_period"`
}

// PolicyTargets parses ExecutionPolicy into a "model:version" -> device map.
func (c *InferenceConfig) PolicyTargets() (map[string]string, error) {
	targets := map[string]string{}
	if c.ExecutionPolicy == "" {
		return targets, nil
	}

	for _, pair := range strings.Split(c.ExecutionPolicy, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		key, device, ok := strings.Cut(pair, "=")
		if !ok || key == "" || device == "" {
			return nil, fmt.Errorf("invalid execution policy entry %q", pair)
		}
		targets[strings.TrimSpace(key)] = strings.TrimSpace(device)
	}
	return targets, nil
}
