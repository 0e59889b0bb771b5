package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	// Clear env to test defaults
	os.Unsetenv("ENGINE_PORT")
	os.Unsetenv("ENGINE_API_KEY")
	os.Unsetenv("ENGINE_DATA_DIR")
	os.Unsetenv("RUNTIME")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.Runtime != "container" {
		t.Errorf("expected runtime container, got %s", cfg.Runtime)
	}
	if cfg.DataDir != "/data/engine" {
		t.Errorf("expected data dir /data/engine, got %s", cfg.DataDir)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("ENGINE_PORT", "9999")
	os.Setenv("ENGINE_API_KEY", "test-key")
	os.Setenv("RUNTIME", "microvm")
	defer func() {
		os.Unsetenv("ENGINE_PORT")
		os.Unsetenv("ENGINE_API_KEY")
		os.Unsetenv("RUNTIME")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", cfg.APIKey)
	}
	if cfg.Runtime != "microvm" {
		t.Errorf("expected runtime microvm, got %s", cfg.Runtime)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	os.Setenv("ENGINE_PORT", "not-a-number")
	defer os.Unsetenv("ENGINE_PORT")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}
