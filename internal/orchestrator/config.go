package orchestrator

import (
	"time"

	"computeplane/internal/config"
)

// Config holds orchestrator timing configuration.
type Config struct {
	CancelTimeout   time.Duration // how long CANCELLING may last before it is flagged stuck
	VerifyInterval  time.Duration // how often providers are asked which jobs they lost
	SweepInterval   time.Duration // how often stuck cancellations are looked for
	SessionIdleTime time.Duration // follow sessions unused this long are dropped
	ProviderTimeout time.Duration // bound on provider calls made by sweeps
	EventFilter     []string      // event types to publish; empty publishes all
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		CancelTimeout:   config.GetDurationEnv("CANCEL_TIMEOUT", 5*time.Minute),
		VerifyInterval:  config.GetDurationEnv("VERIFY_INTERVAL", 10*time.Minute),
		SweepInterval:   config.GetDurationEnv("SWEEP_INTERVAL", 30*time.Second),
		SessionIdleTime: config.GetDurationEnv("FOLLOW_SESSION_IDLE", 10*time.Minute),
		ProviderTimeout: config.GetDurationEnv("PROVIDER_SWEEP_TIMEOUT", time.Minute),
		EventFilter:     config.GetListEnv("EVENTS_FILTER"),
	}
}

func (c Config) withDefaults() Config {
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Minute
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.SessionIdleTime <= 0 {
		c.SessionIdleTime = 10 * time.Minute
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = time.Minute
	}
	return c
}
