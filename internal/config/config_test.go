package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}

	if cfg.Server.Port != 7333 {
		t.Errorf("Server.Port: got %d, want 7333", cfg.Server.Port)
	}
	if cfg.Storage.Engine != "sqlite" {
		t.Errorf("Storage.Engine: got %q, want sqlite", cfg.Storage.Engine)
	}
	if cfg.Embedding.Provider != "local" {
		t.Errorf("Embedding.Provider: got %q, want local", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimension != 256 {
		t.Errorf("Embedding.Dimension: got %d, want 256", cfg.Embedding.Dimension)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("Engine.Workers: got %d, want 4", cfg.Engine.Workers)
	}
	if cfg.Cache.HotTTL != 30*time.Second {
		t.Errorf("Cache.HotTTL: got %v, want 30s", cfg.Cache.HotTTL)
	}
	if !cfg.Propagation.Enabled {
		t.Error("Propagation.Enabled: got false, want true")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("FACTLOOM_PORT", "9000")
	t.Setenv("FACTLOOM_EMBEDDING_PROVIDER", "ollama")
	t.Setenv("FACTLOOM_PROPAGATION_ENABLED", "false")
	t.Setenv("FACTLOOM_EMBEDDING_TIMEOUT", "3s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port: got %d, want 9000", cfg.Server.Port)
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("Embedding.Provider: got %q, want ollama", cfg.Embedding.Provider)
	}
	// Ollama provider flips the default dimension to the model's.
	if cfg.Embedding.Dimension != 768 {
		t.Errorf("Embedding.Dimension: got %d, want 768", cfg.Embedding.Dimension)
	}
	if cfg.Propagation.Enabled {
		t.Error("Propagation.Enabled: got true, want false")
	}
	if cfg.Embedding.Timeout != 3*time.Second {
		t.Errorf("Embedding.Timeout: got %v, want 3s", cfg.Embedding.Timeout)
	}
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "factloom.yaml")
	yaml := `
server:
  port: 8100
cache:
  hot_size: 64
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("FACTLOOM_CONFIG_FILE", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}

	if cfg.Server.Port != 8100 {
		t.Errorf("Server.Port: got %d, want file value 8100", cfg.Server.Port)
	}
	if cfg.Cache.HotSize != 64 {
		t.Errorf("Cache.HotSize: got %d, want 64", cfg.Cache.HotSize)
	}
	// Fields absent from the file keep the env/default base.
	if cfg.Storage.Engine != "sqlite" {
		t.Errorf("Storage.Engine: got %q, want sqlite", cfg.Storage.Engine)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("FACTLOOM_STORAGE_ENGINE", "mongodb")
	if _, err := LoadConfig(); err == nil {
		t.Error("unknown storage engine accepted")
	}

	t.Setenv("FACTLOOM_STORAGE_ENGINE", "postgres")
	t.Setenv("FACTLOOM_POSTGRES_DSN", "")
	if _, err := LoadConfig(); err == nil {
		t.Error("postgres without DSN accepted")
	}

	t.Setenv("FACTLOOM_POSTGRES_DSN", "postgres://localhost/factloom")
	if _, err := LoadConfig(); err != nil {
		t.Errorf("valid postgres config rejected: %v", err)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FACTLOOM_TEST_BOOL", "yes")
	if !getEnvBool("FACTLOOM_TEST_BOOL", false) {
		t.Error(`"yes" not recognized as true`)
	}

	t.Setenv("FACTLOOM_TEST_BOOL", "0")
	if getEnvBool("FACTLOOM_TEST_BOOL", true) {
		t.Error(`"0" not recognized as false`)
	}

	t.Setenv("FACTLOOM_TEST_BOOL", "maybe")
	if !getEnvBool("FACTLOOM_TEST_BOOL", true) {
		t.Error("unparseable value did not fall back to default")
	}
}
