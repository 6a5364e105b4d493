package docker

import (
	"time"

	"computeplane/internal/config"
)

// Config holds configuration for the Docker compute plugin.
type Config struct {
	ManagedBy      string        // label value marking containers this provider owns
	WorkDir        string        // workspace mount inside job containers
	InputRoot      string        // host directory job inputs are resolved under; empty disables inputs
	StopTimeout    time.Duration // grace period before a stopped container is killed
	MilliCPUs      int64         // per task
	MemoryMB       int64         // per task
	ExtraHosts     []string      // extra /etc/hosts entries for containers
	ReportTimeout  time.Duration // bound on each callback made after a job ends
	AllowMultiNode bool          // run multi-node requests on a single container
}

// LoadConfigFromEnv loads provider configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		ManagedBy:      config.GetEnv("DOCKER_MANAGED_BY", "computeplane-docker"),
		WorkDir:        config.GetEnv("DOCKER_WORKDIR", "/work"),
		InputRoot:      config.GetEnv("DOCKER_INPUT_ROOT", ""),
		StopTimeout:    config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),
		MilliCPUs:      int64(config.GetIntEnv("DOCKER_MILLICPUS_PER_TASK", 1000)),
		MemoryMB:       int64(config.GetIntEnv("DOCKER_MEMORY_MB_PER_TASK", 1024)),
		ExtraHosts:     config.GetListEnv("DOCKER_EXTRA_HOSTS"),
		ReportTimeout:  config.GetDurationEnv("DOCKER_REPORT_TIMEOUT", 2*time.Minute),
		AllowMultiNode: config.GetBoolEnv("DOCKER_ALLOW_MULTI_NODE", false),
	}
}

func (c Config) withDefaults() Config {
	if c.ManagedBy == "" {
		c.ManagedBy = "computeplane-docker"
	}
	if c.WorkDir == "" {
		c.WorkDir = "/work"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.MilliCPUs <= 0 {
		c.MilliCPUs = 1000
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 1024
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 2 * time.Minute
	}
	return c
}
