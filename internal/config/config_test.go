package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("API_ADDR", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("DOCPILOT_ACCESS_TTL_SECONDS", "")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.LLMProvider != "mock" {
		t.Fatalf("expected mock provider by default, got %q", cfg.LLMProvider)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("expected 15m access ttl, got %v", cfg.AccessTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("CACHE_TTL_SECONDS", "60")
	t.Setenv("DOCPILOT_ACCESS_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.Addr != ":9999" {
		t.Fatalf("expected overridden addr, got %q", cfg.Addr)
	}
	if cfg.CacheTTL != time.Minute {
		t.Fatalf("expected 60s cache ttl, got %v", cfg.CacheTTL)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("expected invalid ttl to fall back, got %v", cfg.AccessTTL)
	}
}
