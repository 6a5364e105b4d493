package dispatcher

import (
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	custom := Config{
		BufferSize: 5, Workers: 2, HTTPTimeout: time.Second, MaxAttempts: 1,
		BreakerThreshold: 2, Cooldown: time.Millisecond, MaxRequeues: 3,
	}
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{"zero values", Config{}, defaultConfig},
		{"negative values", Config{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxAttempts: -1, BreakerThreshold: -1, Cooldown: -1, MaxRequeues: -1}, defaultConfig},
		{"valid values kept", custom, custom},
		{"partial", Config{Workers: 9}, func() Config { c := defaultConfig; c.Workers = 9; return c }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCHER_WORKERS", "7")
	t.Setenv("DISPATCHER_HTTP_TIMEOUT", "3s")
	t.Setenv("DISPATCHER_MAX_ATTEMPTS", "0")
	t.Setenv("DISPATCHER_BREAKER_THRESHOLD", "2")

	cfg := LoadConfigFromEnv()
	if cfg.Workers != 7 || cfg.HTTPTimeout != 3*time.Second || cfg.BreakerThreshold != 2 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.BufferSize != defaultConfig.BufferSize || cfg.MaxAttempts != defaultConfig.MaxAttempts {
		t.Errorf("expected defaults for buffer and attempts, got %+v", cfg)
	}
}
