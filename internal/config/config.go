package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Run         RunConfig         `toml:"run"`
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Observer    ObserverConfig    `toml:"observer"`
}

type DatabaseConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type RunConfig struct {
	// DeadlineSeconds caps each run's wall-clock time; 0 disables the cap.
	DeadlineSeconds int `toml:"deadline_seconds"`
	HistoryLimit    int `toml:"history_limit"`
}

type ConcurrencyConfig struct {
	LLM         int `toml:"llm"`
	Integration int `toml:"integration"`
	Compute     int `toml:"compute"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Backend: "sqlite", Path: "spur.db"},
		Run:      RunConfig{HistoryLimit: 50},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "spur.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SPUR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SPUR_DB_BACKEND"); v != "" {
		cfg.Database.Backend = v
	}
	if v := os.Getenv("SPUR_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
		if os.Getenv("SPUR_DB_BACKEND") == "" {
			cfg.Database.Backend = "postgres"
		}
	}
	if os.Getenv("SPUR_OBSERVER_ENABLED") == "true" || os.Getenv("SPUR_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
