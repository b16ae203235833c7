// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the pipeline service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	PipelinesDir      string        // Directory of pipeline definition files
	ActionsFile       string        // Optional action registry file
	WorkerCapacity    int           // Concurrent job runners per pipeline run
	ExecutorBackend   string        // "local" or "docker"
	CallbackURL       string        // Status event destination (empty disables)
	CallbackKey       string        // HMAC key for status events
	SinkURL           string        // Reporting sink for aggregated artifacts
	SinkToken         string        // Bearer token for the sink
	SinkFailOnError   bool          // Whether sink rejection fails the aggregator
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		PipelinesDir:      GetEnv("PIPELINES_DIR", "pipelines"),
		ActionsFile:       GetEnv("ACTIONS_FILE", ""),
		WorkerCapacity:    GetIntEnv("WORKER_CAPACITY", 4),
		ExecutorBackend:   GetEnv("EXECUTOR_BACKEND", "local"),
		CallbackURL:       GetEnv("CALLBACK_URL", ""),
		CallbackKey:       GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")),
		SinkURL:           GetEnv("SINK_URL", ""),
		SinkToken:         GetSecretFile(GetEnv("SINK_TOKEN_FILE", "")),
		SinkFailOnError:   GetBoolEnv("SINK_FAIL_ON_ERROR", true),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
