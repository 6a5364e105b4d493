package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderEntry describes how the orchestrator reaches one provider and how
// that provider authenticates its callbacks.
type ProviderEntry struct {
	ID                 string  `yaml:"id"`
	Endpoint           string  `yaml:"endpoint"`
	TokenFile          string  `yaml:"tokenFile"`
	CallbackSecretFile string  `yaml:"callbackSecretFile"`
	RateLimit          float64 `yaml:"rateLimit"`

	// Populated from the files above by LoadProviders.
	Token          string `yaml:"-"`
	CallbackSecret string `yaml:"-"`
}

type providersFile struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// LoadProviders reads the provider registry file and resolves secret files.
// A missing file yields an empty registry.
func LoadProviders(path string) ([]ProviderEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	for i := range file.Providers {
		p := &file.Providers[i]
		if p.ID == "" || p.Endpoint == "" {
			return nil, fmt.Errorf("provider %d: id and endpoint are required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("provider %q declared twice", p.ID)
		}
		seen[p.ID] = true
		p.Token = GetSecretFile(p.TokenFile)
		p.CallbackSecret = GetSecretFile(p.CallbackSecretFile)
		if p.CallbackSecret == "" {
			return nil, fmt.Errorf("provider %q: callback secret is required", p.ID)
		}
	}
	return file.Providers, nil
}
