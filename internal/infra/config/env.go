package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VOLSURFACE_"

// envOverrides carries secrets and deployment-specific values that should not live in YAML.
type envOverrides struct {
	Environment   string `env:"ENV"`
	Symbol        string `env:"SYMBOL"`
	FeedMode      string `env:"FEED_MODE"`
	BridgeURL     string `env:"FEED_BRIDGE_URL"`
	DatabaseDSN   string `env:"DATABASE_DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	APIAddr       string `env:"API_ADDR"`
	LogLevel      string `env:"LOG_LEVEL"`
}

func applyEnvOverrides(cfg *AppConfig) error {
	var overrides envOverrides
	if err := env.ParseWithOptions(&overrides, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	set := func(dst *string, value string) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			*dst = trimmed
		}
	}
	environment := string(cfg.Environment)
	set(&environment, overrides.Environment)
	cfg.Environment = Environment(environment)
	mode := string(cfg.Feed.Mode)
	set(&mode, overrides.FeedMode)
	cfg.Feed.Mode = FeedMode(mode)

	set(&cfg.Symbol, overrides.Symbol)
	set(&cfg.Feed.BridgeURL, overrides.BridgeURL)
	set(&cfg.Database.DSN, overrides.DatabaseDSN)
	set(&cfg.Redis.Addr, overrides.RedisAddr)
	set(&cfg.Redis.Password, overrides.RedisPassword)
	set(&cfg.APIServer.Addr, overrides.APIAddr)
	set(&cfg.Logging.Level, overrides.LogLevel)
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}
