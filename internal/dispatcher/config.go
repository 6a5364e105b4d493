package dispatcher

import (
	"time"

	"computeplane/internal/config"
)

// Config holds the delivery settings shared by every dispatcher. Zero or
// negative fields take the defaults below.
type Config struct {
	BufferSize       int           // pending events (10000)
	Workers          int           // delivery goroutines (4)
	HTTPTimeout      time.Duration // per webhook request (10s)
	MaxAttempts      int           // deliveries tried before an event fails (4)
	BreakerThreshold int           // consecutive failures that open the circuit (5)
	Cooldown         time.Duration // requeue delay while the circuit is open (30s)
	MaxRequeues      int           // requeues before an event is dropped (10)
}

var defaultConfig = Config{
	BufferSize:       10000,
	Workers:          4,
	HTTPTimeout:      10 * time.Second,
	MaxAttempts:      4,
	BreakerThreshold: 5,
	Cooldown:         30 * time.Second,
	MaxRequeues:      10,
}

// LoadConfigFromEnv reads the DISPATCHER_* variables.
func LoadConfigFromEnv() Config {
	d := defaultConfig
	return Config{
		BufferSize:       config.GetIntEnv("DISPATCHER_BUFFER_SIZE", d.BufferSize),
		Workers:          config.GetIntEnv("DISPATCHER_WORKERS", d.Workers),
		HTTPTimeout:      config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", d.HTTPTimeout),
		MaxAttempts:      config.GetIntEnv("DISPATCHER_MAX_ATTEMPTS", d.MaxAttempts),
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", d.BreakerThreshold),
		Cooldown:         config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", d.Cooldown),
		MaxRequeues:      config.GetIntEnv("DISPATCHER_MAX_REQUEUES", d.MaxRequeues),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	orDefault(&c.BufferSize, defaultConfig.BufferSize)
	orDefault(&c.Workers, defaultConfig.Workers)
	orDefault(&c.HTTPTimeout, defaultConfig.HTTPTimeout)
	orDefault(&c.MaxAttempts, defaultConfig.MaxAttempts)
	orDefault(&c.BreakerThreshold, defaultConfig.BreakerThreshold)
	orDefault(&c.Cooldown, defaultConfig.Cooldown)
	orDefault(&c.MaxRequeues, defaultConfig.MaxRequeues)
	return c
}

func orDefault[T int | time.Duration](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}
