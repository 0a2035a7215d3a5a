package gatewayconfig

import (
	"os"
	"testing"
	"time"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"WS_AUTH_ENABLED", "WS_AUTH_TOKEN", "TCP_AUTH_TOKEN", "JWT_SECRET",
		"WS_MAX_CONNECTIONS", "TCP_MAX_CONNECTIONS",
		"WS_CONNECTION_TIMEOUT", "TCP_CONNECTION_TIMEOUT",
		"RATE_LIMIT_WINDOW_MS", "RATE_LIMIT_MAX_REQUESTS", "MAX_REQUEST_SIZE",
		"CORS_ALLOWED_ORIGINS", "MCP_BRIDGE_PORT", "MCP_TCP_PORT",
		"MCP_WS_HEALTH_PORT", "MCP_HEALTH_PORT", "MCP_LOG_LEVEL",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadFromEnvironmentDefaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := LoadFromEnvironment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuthEnabled {
		t.Error("expected auth disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromEnvironmentAuthToken(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("WS_AUTH_TOKEN", "s3cret")
	defer clearGatewayEnv(t)

	cfg, err := LoadFromEnvironment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.AuthEnabled {
		t.Error("expected a configured token to imply auth enabled")
	}
	if cfg.AuthToken != "s3cret" {
		t.Errorf("expected token s3cret, got %q", cfg.AuthToken)
	}
}

func TestLoadFromEnvironmentTCPTokenFallback(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("TCP_AUTH_TOKEN", "tcp-secret")
	defer clearGatewayEnv(t)

	cfg, err := LoadFromEnvironment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuthToken != "tcp-secret" {
		t.Errorf("expected tcp-secret, got %q", cfg.AuthToken)
	}
}

func TestLoadFromEnvironmentPorts(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("MCP_BRIDGE_PORT", "4001")
	os.Setenv("MCP_TCP_PORT", "4002")
	os.Setenv("MCP_HEALTH_PORT", "4003")
	defer clearGatewayEnv(t)

	cfg, err := LoadFromEnvironment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WSListenAddr != "0.0.0.0:4001" {
		t.Errorf("unexpected ws addr %q", cfg.WSListenAddr)
	}
	if cfg.TCPListenAddr != "0.0.0.0:4002" {
		t.Errorf("unexpected tcp addr %q", cfg.TCPListenAddr)
	}
	if cfg.HealthAddr != "127.0.0.1:4003" {
		t.Errorf("unexpected health addr %q", cfg.HealthAddr)
	}
}

func TestLoadFromEnvironmentRateLimitAndTimeouts(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("RATE_LIMIT_WINDOW_MS", "30000")
	os.Setenv("RATE_LIMIT_MAX_REQUESTS", "5")
	os.Setenv("WS_CONNECTION_TIMEOUT", "60000")
	os.Setenv("MAX_REQUEST_SIZE", "2048")
	defer clearGatewayEnv(t)

	cfg, err := LoadFromEnvironment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("unexpected rate limit window %v", cfg.RateLimitWindow)
	}
	if cfg.RateLimitMax != 5 {
		t.Errorf("unexpected rate limit max %d", cfg.RateLimitMax)
	}
	if cfg.ConnectionTimeoutWS != 60*time.Second {
		t.Errorf("unexpected ws timeout %v", cfg.ConnectionTimeoutWS)
	}
	if cfg.MaxMessageBytes != 2048 {
		t.Errorf("unexpected max message bytes %d", cfg.MaxMessageBytes)
	}
}

func TestLoadFromEnvironmentCORSOrigins(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	defer clearGatewayEnv(t)

	cfg, err := LoadFromEnvironment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %d: %v", len(cfg.CORSAllowedOrigins), cfg.CORSAllowedOrigins)
	}
	if cfg.CORSAllowedOrigins[0] != "https://a.example.com" {
		t.Errorf("unexpected first origin %q", cfg.CORSAllowedOrigins[0])
	}
}

func TestValidateRejectsAuthEnabledWithoutToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthEnabled = true
	cfg.AuthToken = ""

	if err := cfg.Validate(); err != ErrAuthEnabledWithoutToken {
		t.Errorf("expected ErrAuthEnabledWithoutToken, got %v", err)
	}
}

func TestValidateRejectsInvalidTCPMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TCPMode = "bogus"

	if err := cfg.Validate(); err != ErrInvalidTCPMode {
		t.Errorf("expected ErrInvalidTCPMode, got %v", err)
	}
}

func TestValidateRejectsNoListeners(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WSEnabled = false
	cfg.TCPEnabled = false

	if err := cfg.Validate(); err != ErrNoListenersEnabled {
		t.Errorf("expected ErrNoListenersEnabled, got %v", err)
	}
}
