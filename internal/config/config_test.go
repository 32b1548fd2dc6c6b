package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"labline/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Server.BasePath != "/api/v1" {
		t.Fatalf("unexpected base path: %s", cfg.Server.BasePath)
	}
	if cfg.Queue.LeaseSeconds != 300 || cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.PollInterval() != time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval())
	}
	if cfg.JobTimeout() != 5*time.Minute {
		t.Fatalf("unexpected job timeout: %v", cfg.JobTimeout())
	}
	h, ok := cfg.Agents.Handoffs["pi_agent"]
	if !ok {
		t.Fatalf("expected pi_agent handoff")
	}
	if h.NextAgent != "user_approval" || h.CompletedPhase != "planning_complete" {
		t.Fatalf("unexpected handoff: %+v", h)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`server:
  addr: ":9090"
  test_token: tok
  test_user_id: test-user-f81d4
worker:
  concurrency: 2
`)
	if err := os.WriteFile(filepath.Join(dir, "labline.yml"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("file value not applied: %s", cfg.Server.Addr)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Fatalf("file value not applied: %d", cfg.Worker.Concurrency)
	}
	// Unset keys keep defaults.
	if cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("expected default max_attempts, got %d", cfg.Queue.MaxAttempts)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*config.Config){
		"relative base path": func(c *config.Config) { c.Server.BasePath = "api/v1" },
		"test token without user": func(c *config.Config) {
			c.Server.TestToken = "tok"
			c.Server.TestUserID = ""
		},
		"zero lease":        func(c *config.Config) { c.Queue.LeaseSeconds = 0 },
		"zero concurrency":  func(c *config.Config) { c.Worker.Concurrency = 0 },
		"excessive timeout": func(c *config.Config) { c.Worker.JobTimeoutSeconds = 7200 },
		"unknown agent": func(c *config.Config) {
			c.Agents.Handoffs["mystery_agent"] = config.Handoff{CompletedPhase: "done"}
		},
	}
	for name, mutate := range cases {
		cfg := config.Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
