package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Database.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Database.Backend)
	}
	if cfg.Database.Path != "spur.db" {
		t.Errorf("path = %q", cfg.Database.Path)
	}
	if cfg.Run.HistoryLimit != 50 {
		t.Errorf("history limit = %d", cfg.Run.HistoryLimit)
	}
	if cfg.Run.DeadlineSeconds != 0 {
		t.Errorf("deadline = %d, want disabled", cfg.Run.DeadlineSeconds)
	}
	if cfg.Observer.Enabled {
		t.Error("observer enabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spur.toml")
	content := `
[database]
backend = "postgres"
postgres_url = "postgres://localhost/spur"

[run]
deadline_seconds = 120

[concurrency]
llm = 4
integration = 16

[observer]
enabled = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Database.Backend != "postgres" {
		t.Errorf("backend = %q", cfg.Database.Backend)
	}
	if cfg.Database.PostgresURL != "postgres://localhost/spur" {
		t.Errorf("postgres url = %q", cfg.Database.PostgresURL)
	}
	if cfg.Run.DeadlineSeconds != 120 {
		t.Errorf("deadline = %d", cfg.Run.DeadlineSeconds)
	}
	if cfg.Concurrency.LLM != 4 || cfg.Concurrency.Integration != 16 {
		t.Errorf("concurrency = %+v", cfg.Concurrency)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
	// Unset file values keep their defaults.
	if cfg.Run.HistoryLimit != 50 {
		t.Errorf("history limit = %d", cfg.Run.HistoryLimit)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Database.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Database.Backend)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SPUR_DB_PATH", "/tmp/override.db")
	t.Setenv("SPUR_POSTGRES_URL", "postgres://env/spur")
	t.Setenv("SPUR_OBSERVER_ENABLED", "1")

	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("path = %q", cfg.Database.Path)
	}
	if cfg.Database.PostgresURL != "postgres://env/spur" {
		t.Errorf("postgres url = %q", cfg.Database.PostgresURL)
	}
	// A postgres URL without an explicit backend implies postgres.
	if cfg.Database.Backend != "postgres" {
		t.Errorf("backend = %q", cfg.Database.Backend)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled via env")
	}
}

func TestLoadExplicitBackendWins(t *testing.T) {
	t.Setenv("SPUR_DB_BACKEND", "sqlite")
	t.Setenv("SPUR_POSTGRES_URL", "postgres://env/spur")

	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Database.Backend != "sqlite" {
		t.Errorf("backend = %q, explicit env backend should win", cfg.Database.Backend)
	}
}
