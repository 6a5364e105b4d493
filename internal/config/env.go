package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup parses the variable key with parse. Unset or empty variables yield
// def; values that fail to parse are logged and also yield def.
func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Ignoring invalid environment value", "key", key, "value", raw, "error", err)
		return def
	}
	return v
}

// GetEnv returns the variable's value or def.
func GetEnv(key, def string) string {
	return lookup(key, def, func(s string) (string, error) { return s, nil })
}

// GetIntEnv returns the variable as an int or def.
func GetIntEnv(key string, def int) int {
	return lookup(key, def, strconv.Atoi)
}

// GetDurationEnv returns the variable as a Go duration ("30s", "5m") or def.
func GetDurationEnv(key string, def time.Duration) time.Duration {
	return lookup(key, def, time.ParseDuration)
}

// GetBoolEnv returns the variable as a bool or def.
func GetBoolEnv(key string, def bool) bool {
	return lookup(key, def, strconv.ParseBool)
}

// GetListEnv splits a comma-separated variable, dropping blank entries.
func GetListEnv(key string) []string {
	return lookup(key, []string(nil), func(s string) ([]string, error) {
		var out []string
		for part := range strings.SplitSeq(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	})
}

// GetSecretFile reads a mounted secret (Docker or Kubernetes) and trims the
// trailing newline. An empty path or unreadable file yields "".
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read secret file", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
