package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Store.Path != "data/plume.db" {
		t.Errorf("expected store path data/plume.db, got %s", cfg.Store.Path)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Pipeline.StepTimeout != 5*time.Minute {
		t.Errorf("expected step_timeout 5m, got %v", cfg.Pipeline.StepTimeout)
	}
	if cfg.Pipeline.MaxParallel != 4 {
		t.Errorf("expected max_parallel 4, got %d", cfg.Pipeline.MaxParallel)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("expected failure_threshold 5, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.CoolDown != 30*time.Second {
		t.Errorf("expected cool_down 30s, got %v", cfg.Breaker.CoolDown)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("PLUME_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")
	t.Setenv("PLUME_WEB_PASSWORD", "secret")
	t.Setenv("PLUME_WEB_PORT", "9090")
	t.Setenv("PLUME_STORE_PATH", "/tmp/alt.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Models.Anthropic.APIKey != "sk-test-key" {
		t.Errorf("expected anthropic key sk-test-key, got %s", cfg.Models.Anthropic.APIKey)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Store.Path != "/tmp/alt.db" {
		t.Errorf("expected store path /tmp/alt.db, got %s", cfg.Store.Path)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
nats:
  port: 5333
pipeline:
  step_timeout: 30s
  max_parallel: 2
  max_retries: 1
breaker:
  failure_threshold: 3
  cool_down: 5s
web:
  port: 3000
  enabled: false
models:
  openai:
    model: "gpt-4o-mini"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PLUME_CONFIG", cfgPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.NATS.Port != 5333 {
		t.Errorf("expected nats port 5333, got %d", cfg.NATS.Port)
	}
	if cfg.Pipeline.StepTimeout != 30*time.Second {
		t.Errorf("expected step_timeout 30s, got %v", cfg.Pipeline.StepTimeout)
	}
	if cfg.Pipeline.MaxParallel != 2 {
		t.Errorf("expected max_parallel 2, got %d", cfg.Pipeline.MaxParallel)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("expected failure_threshold 3, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	if cfg.Models.OpenAI.Model != "gpt-4o-mini" {
		t.Errorf("expected gpt-4o-mini, got %s", cfg.Models.OpenAI.Model)
	}
}
