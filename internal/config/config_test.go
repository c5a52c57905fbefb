package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Port:              "8100",
		Env:               "production",
		UpstreamURL:       "wss://upstream.example/realtime",
		UpstreamAPIKey:    "sk-test",
		SessionSecret:     "signing-secret",
		HeartbeatInterval: 20 * time.Second,
		ClientPongTimeout: 30 * time.Second,
		DedupMinTextLen:   20,
		DedupCacheSize:    512,
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "wss://upstream.example/realtime")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8100" {
		t.Errorf("Port = %s, want 8100", cfg.Port)
	}
	if !cfg.IsDev() {
		t.Errorf("Env = %s, want development default", cfg.Env)
	}
	if cfg.HeartbeatInterval != 20*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 20s", cfg.HeartbeatInterval)
	}
	if cfg.ClientPongTimeout != 30*time.Second {
		t.Errorf("ClientPongTimeout = %s, want 30s", cfg.ClientPongTimeout)
	}
	if cfg.DedupMinTextLen != 20 || cfg.DedupCacheSize != 512 {
		t.Errorf("dedup defaults = %d/%d, want 20/512", cfg.DedupMinTextLen, cfg.DedupCacheSize)
	}
	if len(cfg.CORSOrigins) == 0 {
		t.Error("CORSOrigins default missing")
	}
}

func TestLoadRequiresUpstreamURL(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a configuration without UPSTREAM_URL")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "wss://other.example/v1")
	t.Setenv("PORT", "9000")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("UPSTREAM_CONNECT_RETRIES", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UpstreamURL != "wss://other.example/v1" {
		t.Errorf("UpstreamURL = %s", cfg.UpstreamURL)
	}
	if cfg.Port != "9000" {
		t.Errorf("Port = %s, want 9000", cfg.Port)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.UpstreamConnectRetries != 5 {
		t.Errorf("UpstreamConnectRetries = %d, want 5", cfg.UpstreamConnectRetries)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid production", func(c *Config) {}, ""},
		{"valid development without credentials", func(c *Config) {
			c.Env = "development"
			c.UpstreamAPIKey = ""
			c.SessionSecret = ""
		}, ""},
		{"production without upstream key", func(c *Config) {
			c.UpstreamAPIKey = ""
		}, "UPSTREAM_API_KEY"},
		{"production without verification path", func(c *Config) {
			c.SessionSecret = ""
			c.RedisURL = ""
		}, "credential verification"},
		{"redis satisfies verification path", func(c *Config) {
			c.SessionSecret = ""
			c.RedisURL = "redis://localhost:6379/0"
		}, ""},
		{"heartbeat not shorter than pong timeout", func(c *Config) {
			c.HeartbeatInterval = 30 * time.Second
			c.ClientPongTimeout = 30 * time.Second
		}, "HEARTBEAT_INTERVAL"},
		{"zero dedup text length", func(c *Config) {
			c.DedupMinTextLen = 0
		}, "DEDUP_MIN_TEXT_LEN"},
		{"zero dedup cache size", func(c *Config) {
			c.DedupCacheSize = 0
		}, "DEDUP_CACHE_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate accepted an unsafe configuration")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
