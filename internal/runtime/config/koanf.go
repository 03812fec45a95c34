package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	perrors "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
)

// PathEnvVar names the optional YAML file layered over the defaults.
const PathEnvVar = "PIPELINE_CONFIG"

// EnvPrefix marks variables that map onto config keys. A double underscore
// separates sections: PIPELINE_WORKER__PREFETCH -> worker.prefetch.
const EnvPrefix = "PIPELINE_"

// legacyEnv maps the variable names used by the chat backend's settings so a
// shared .env file keeps working.
var legacyEnv = map[string]string{
	"RMQ_HOST":     "broker.host",
	"RMQ_PORT":     "broker.port",
	"RMQ_VHOST":    "broker.vhost",
	"RMQ_USERNAME": "broker.username",
	"RMQ_PASSWORD": "broker.password",
	"DATABASE_URL": "postgres.url",
	"REDIS_URL":    "redis.url",
}

// Load layers defaults, the optional YAML file and the environment, then
// validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(PathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Legacy names load first so the prefixed form wins when both are set.
	if err := k.Load(env.Provider("", ".", legacyTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load legacy environment variables: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, perrors.NewConfigValidationError(err)
	}
	return cfg, nil
}

// envTransform turns PIPELINE_BROKER__CONNECT_MAX_RETRIES into
// broker.connect_max_retries.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// legacyTransform returns "" for every unmapped variable, which koanf skips.
func legacyTransform(key string) string {
	return legacyEnv[key]
}
