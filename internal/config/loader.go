package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix  = "LOOKOUT_"
	envFileVar = "LOOKOUT_CONFIG"
)

// listKeys are split on commas when supplied through the environment.
var listKeys = []string{"channels", "repositories", "user_identities"}

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if LOOKOUT_CONFIG is set
//  3. env (prefix LOOKOUT_, "__" separates nested keys)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(envFileVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// LOOKOUT_SOURCES__GITHUB__ENABLED -> sources.github.enabled
	// LOOKOUT_DEDUPE_SIZE -> dedupe_size
	envProvider := env.ProviderWithValue(envPrefix, ".", envKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(key, value string) (string, any) {
	if key == envFileVar {
		return "", nil
	}
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	key = strings.ReplaceAll(key, "__", ".")

	for _, lk := range listKeys {
		if key == lk || strings.HasSuffix(key, "."+lk) {
			parts := strings.Split(value, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return key, out
		}
	}
	return key, value
}
