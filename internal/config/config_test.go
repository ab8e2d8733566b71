package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Secret != DefaultSecret {
		t.Errorf("expected secret %q, got %q", DefaultSecret, cfg.Secret)
	}
	if !cfg.EnableAuth {
		t.Error("expected auth enabled by default")
	}
	if cfg.StickyTTL != 0 {
		t.Errorf("expected sticky TTL 0 by default, got %v", cfg.StickyTTL)
	}
	if cfg.ProxyPort != DefaultProxyPort {
		t.Errorf("expected proxy port %d, got %d", DefaultProxyPort, cfg.ProxyPort)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", cfg.BreakerFailureThreshold)
	}
}

func TestLoad_WithoutEnv(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ProxyPort != DefaultProxyPort {
		t.Errorf("expected default proxy port, got %d", cfg.ProxyPort)
	}
}

func TestLoad_WithEnvironmentVariables(t *testing.T) {
	os.Setenv("PG_SECRET", "test-secret")
	os.Setenv("PG_ENABLE_AUTH", "false")
	os.Setenv("PG_STICKY_TTL", "30")
	os.Setenv("PG_PROXY_PORT", "9999")
	defer func() {
		os.Unsetenv("PG_SECRET")
		os.Unsetenv("PG_ENABLE_AUTH")
		os.Unsetenv("PG_STICKY_TTL")
		os.Unsetenv("PG_PROXY_PORT")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Secret != "test-secret" {
		t.Errorf("expected secret from env, got %q", cfg.Secret)
	}
	if cfg.EnableAuth {
		t.Error("expected auth disabled from env")
	}
	if cfg.StickyTTL != 30*time.Second {
		t.Errorf("expected sticky TTL 30s, got %v", cfg.StickyTTL)
	}
	if cfg.ProxyPort != 9999 {
		t.Errorf("expected proxy port 9999, got %d", cfg.ProxyPort)
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProxyPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero proxy port")
	}

	cfg = DefaultConfig()
	cfg.ProxyPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range proxy port")
	}
}

func TestValidate_RejectsEmptyProxyFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProxyFile = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty proxy_file")
	}
}

func TestValidate_RejectsNegativeStickyTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StickyTTL = -1 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative sticky_ttl")
	}
}
