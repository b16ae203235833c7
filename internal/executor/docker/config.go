package docker

import (
	"matrixci/internal/config"
)

// Config holds configuration for the Docker step executor.
type Config struct {
	Workspace    string            // container path the staging dir is bound to (default: /workspace)
	DefaultImage string            // image used when runs_on has no mapping (default: alpine:3)
	Images       map[string]string // runs_on descriptor -> image
	StopTimeout  int               // seconds to wait before killing on cleanup (default: 10)
}

// LoadConfigFromEnv loads docker executor configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Workspace:    config.GetEnv("DOCKER_WORKSPACE", "/workspace"),
		DefaultImage: config.GetEnv("DOCKER_DEFAULT_IMAGE", "alpine:3"),
		StopTimeout:  config.GetIntEnv("DOCKER_STOP_TIMEOUT", 10),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workspace == "" {
		c.Workspace = "/workspace"
	}
	if c.DefaultImage == "" {
		c.DefaultImage = "alpine:3"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10
	}
	return c
}

// image resolves a runs_on descriptor to a container image.
func (c Config) image(runsOn string) string {
	if img, ok := c.Images[runsOn]; ok {
		return img
	}
	if runsOn != "" {
		// An unmapped descriptor is taken as a literal image reference.
		return runsOn
	}
	return c.DefaultImage
}
