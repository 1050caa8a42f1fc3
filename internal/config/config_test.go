package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if cfg.ChannelBacklog != 16 {
		t.Errorf("expected default channel backlog 16, got %d", cfg.ChannelBacklog)
	}
	if cfg.QueryRetention != 10000 {
		t.Errorf("expected default retention 10000, got %d", cfg.QueryRetention)
	}
	if cfg.ReapInterval != 30*time.Second {
		t.Errorf("expected default reap interval 30s, got %s", cfg.ReapInterval)
	}
	if cfg.SubscribeIdleTimeout != 5*time.Minute {
		t.Errorf("expected default idle timeout 5m, got %s", cfg.SubscribeIdleTimeout)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("expected default worker concurrency 4, got %d", cfg.WorkerConcurrency)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("CHANNEL_BACKLOG", "64")
	os.Setenv("REAP_INTERVAL", "10s")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("CHANNEL_BACKLOG")
		os.Unsetenv("REAP_INTERVAL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.ChannelBacklog != 64 {
		t.Errorf("expected channel backlog 64, got %d", cfg.ChannelBacklog)
	}
	if cfg.ReapInterval != 10*time.Second {
		t.Errorf("expected reap interval 10s, got %s", cfg.ReapInterval)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestValidate_RequiresSigningKeyOutsideDev(t *testing.T) {
	c := &Config{Env: "production", ChannelBacklog: 16, ReapInterval: time.Second, WorkerConcurrency: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing signing key in production")
	}

	c.AuthSigningKey = "secret"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsBadTuning(t *testing.T) {
	base := Config{Env: "development", ChannelBacklog: 16, ReapInterval: time.Second, WorkerConcurrency: 1}

	c := base
	c.ChannelBacklog = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero channel backlog")
	}

	c = base
	c.ReapInterval = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero reap interval")
	}

	c = base
	c.WorkerConcurrency = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero worker concurrency")
	}
}
