package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}

	// Cache defaults carry the 7-day TTL policy
	if cfg.Cache.TTLDays != 7 {
		t.Errorf("Cache.TTLDays = %d, want 7", cfg.Cache.TTLDays)
	}
	if cfg.Cache.LockWaitMs <= 0 {
		t.Error("Cache.LockWaitMs should default to a bounded wait")
	}
	if cfg.Cache.SweepIntervalMinutes <= 0 {
		t.Error("Cache.SweepIntervalMinutes should be positive")
	}

	if cfg.Producer.Provider != "openai" {
		t.Errorf("Producer.Provider = %q, want %q", cfg.Producer.Provider, "openai")
	}
	if cfg.Producer.TimeoutSeconds <= 0 {
		t.Error("Producer.TimeoutSeconds should be positive")
	}

	if cfg.Scoring.Category != "coaching" {
		t.Errorf("Scoring.Category = %q, want %q", cfg.Scoring.Category, "coaching")
	}

	if cfg.Database.Path == "" {
		t.Error("Database.Path should not be empty")
	}
	if cfg.Server.Addr == "" {
		t.Error("Server.Addr should not be empty")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.TTLDays != 7 {
		t.Errorf("TTLDays = %d, want default 7", cfg.Cache.TTLDays)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	content := `{
		"cache": {"ttlDays": 14, "lockWaitMs": 0},
		"producer": {"model": "gpt-4o-mini"}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cache.TTLDays != 14 {
		t.Errorf("TTLDays = %d, want 14", cfg.Cache.TTLDays)
	}
	if cfg.Cache.LockWaitMs != 0 {
		t.Errorf("LockWaitMs = %d, want 0 (fail fast)", cfg.Cache.LockWaitMs)
	}
	if cfg.Producer.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want gpt-4o-mini", cfg.Producer.Model)
	}
	// Untouched sections keep defaults
	if cfg.Scoring.Category != "coaching" {
		t.Errorf("Category = %q, want default coaching", cfg.Scoring.Category)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Cache.TTLDays = 3
	cfg.Server.Addr = ":9999"

	if err := cfg.Save(tmpDir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Cache.TTLDays != 3 {
		t.Errorf("TTLDays = %d, want 3", loaded.Cache.TTLDays)
	}
	if loaded.Server.Addr != ":9999" {
		t.Errorf("Addr = %q, want :9999", loaded.Server.Addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero ttl", func(c *Config) { c.Cache.TTLDays = 0 }, false},
		{"negative lock wait", func(c *Config) { c.Cache.LockWaitMs = -1 }, false},
		{"fail-fast lock wait", func(c *Config) { c.Cache.LockWaitMs = 0 }, true},
		{"zero producer timeout", func(c *Config) { c.Producer.TimeoutSeconds = 0 }, false},
		{"empty category", func(c *Config) { c.Scoring.Category = "" }, false},
		{"bad version", func(c *Config) { c.Version = 2 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.valid && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
