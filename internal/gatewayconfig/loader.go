package gatewayconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load builds a Config from an optional JSON override file followed by
// environment variable overrides. Validation is deferred to the caller so
// CLI flag overrides can be applied first, matching the pattern used by the
// gateway's entrypoint.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

// LoadFromEnvironment builds a Config using only environment variables,
// for deployments where a config file is unavailable (e.g. containers).
func LoadFromEnvironment() (*Config, error) {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

// fileOverrides mirrors the subset of Config that may be supplied via a
// JSON override file; durations are expressed as millisecond integers to
// avoid pulling in a custom JSON duration type.
type fileOverrides struct {
	AuthEnabled         *bool    `json:"authEnabled"`
	AuthToken           *string  `json:"authToken"`
	WSListenAddr        *string  `json:"wsListenAddr"`
	TCPListenAddr       *string  `json:"tcpListenAddr"`
	HealthAddr          *string  `json:"healthAddr"`
	MaxConnectionsWS    *int     `json:"maxConnectionsWs"`
	MaxConnectionsTCP   *int     `json:"maxConnectionsTcp"`
	ConnectionTimeoutMs *int     `json:"connectionTimeoutMs"`
	RateLimitWindowMs   *int     `json:"rateLimitWindowMs"`
	RateLimitMax        *int     `json:"rateLimitMaxRequests"`
	BlockDurationMs     *int     `json:"blockDurationMs"`
	MaxMessageBytes     *int     `json:"maxMessageBytes"`
	CORSAllowedOrigins  []string `json:"corsAllowedOrigins"`
	ChildCommand        []string `json:"childCommand"`
	ChildCwd            *string  `json:"childCwd"`
	ChildEnv            []string `json:"childEnv"`
	TCPMode             *string  `json:"tcpMode"`
	Debug               *bool    `json:"debug"`
	LogLevel            *string  `json:"logLevel"`
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var override fileOverrides
	if err := json.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}

	applyFileOverrides(cfg, &override)
	return nil
}

func applyFileOverrides(cfg *Config, o *fileOverrides) {
	if o.AuthEnabled != nil {
		cfg.AuthEnabled = *o.AuthEnabled
	}
	if o.AuthToken != nil {
		cfg.AuthToken = *o.AuthToken
	}
	if o.WSListenAddr != nil {
		cfg.WSListenAddr = *o.WSListenAddr
	}
	if o.TCPListenAddr != nil {
		cfg.TCPListenAddr = *o.TCPListenAddr
	}
	if o.HealthAddr != nil {
		cfg.HealthAddr = *o.HealthAddr
	}
	if o.MaxConnectionsWS != nil {
		cfg.MaxConnectionsWS = *o.MaxConnectionsWS
	}
	if o.MaxConnectionsTCP != nil {
		cfg.MaxConnectionsTCP = *o.MaxConnectionsTCP
	}
	if o.ConnectionTimeoutMs != nil {
		d := time.Duration(*o.ConnectionTimeoutMs) * time.Millisecond
		cfg.ConnectionTimeoutWS = d
		cfg.ConnectionTimeoutTCP = d
	}
	if o.RateLimitWindowMs != nil {
		cfg.RateLimitWindow = time.Duration(*o.RateLimitWindowMs) * time.Millisecond
	}
	if o.RateLimitMax != nil {
		cfg.RateLimitMax = *o.RateLimitMax
	}
	if o.BlockDurationMs != nil {
		cfg.BlockDuration = time.Duration(*o.BlockDurationMs) * time.Millisecond
	}
	if o.MaxMessageBytes != nil {
		cfg.MaxMessageBytes = *o.MaxMessageBytes
	}
	if o.CORSAllowedOrigins != nil {
		cfg.CORSAllowedOrigins = o.CORSAllowedOrigins
	}
	if o.ChildCommand != nil {
		cfg.ChildCommand = o.ChildCommand
	}
	if o.ChildCwd != nil {
		cfg.ChildCwd = *o.ChildCwd
	}
	if o.ChildEnv != nil {
		cfg.ChildEnv = o.ChildEnv
	}
	if o.TCPMode != nil {
		cfg.TCPMode = TCPMode(*o.TCPMode)
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
}

// applyEnvironmentOverrides applies the configuration surface documented in
// spec.md §6.
func applyEnvironmentOverrides(cfg *Config) {
	authExplicit := false
	if v, ok := boolEnv("WS_AUTH_ENABLED"); ok {
		cfg.AuthEnabled = v
		authExplicit = true
	}

	wsToken := strings.TrimSpace(os.Getenv("WS_AUTH_TOKEN"))
	tcpToken := strings.TrimSpace(os.Getenv("TCP_AUTH_TOKEN"))
	switch {
	case wsToken != "":
		cfg.AuthToken = wsToken
	case tcpToken != "":
		cfg.AuthToken = tcpToken
	}
	// JWT_SECRET is reserved by spec.md §6 for a future auth mode; it is
	// intentionally read and discarded so operators see no "unknown env var"
	// surprise, but it has no effect on this gateway.
	_ = os.Getenv("JWT_SECRET")

	if cfg.AuthToken != "" && !cfg.AuthEnabled && !authExplicit {
		// A configured token with no explicit WS_AUTH_ENABLED still gates
		// traffic: spec.md §3 states the converse ("absent token implies
		// auth disabled"), so a present token implies auth enabled.
		cfg.AuthEnabled = true
	}

	if v, ok := intEnv("WS_MAX_CONNECTIONS"); ok {
		cfg.MaxConnectionsWS = v
	}
	if v, ok := intEnv("TCP_MAX_CONNECTIONS"); ok {
		cfg.MaxConnectionsTCP = v
	}
	if v, ok := durationMsEnv("WS_CONNECTION_TIMEOUT"); ok {
		cfg.ConnectionTimeoutWS = v
	}
	if v, ok := durationMsEnv("TCP_CONNECTION_TIMEOUT"); ok {
		cfg.ConnectionTimeoutTCP = v
	}
	if v, ok := durationMsEnv("RATE_LIMIT_WINDOW_MS"); ok {
		cfg.RateLimitWindow = v
	}
	if v, ok := intEnv("RATE_LIMIT_MAX_REQUESTS"); ok {
		cfg.RateLimitMax = v
	}
	if v, ok := intEnv("MAX_REQUEST_SIZE"); ok {
		cfg.MaxMessageBytes = v
	}
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		parts := strings.Split(origins, ",")
		cfg.CORSAllowedOrigins = cfg.CORSAllowedOrigins[:0]
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, p)
			}
		}
	}

	if port := strings.TrimSpace(os.Getenv("MCP_BRIDGE_PORT")); port != "" {
		cfg.WSListenAddr = addrWithPort(cfg.WSListenAddr, port)
	}
	if port := strings.TrimSpace(os.Getenv("MCP_TCP_PORT")); port != "" {
		cfg.TCPListenAddr = addrWithPort(cfg.TCPListenAddr, port)
	}
	// MCP_HEALTH_PORT and MCP_WS_HEALTH_PORT are both present in the
	// configuration surface; both are honored, with MCP_HEALTH_PORT taking
	// precedence when both are set (see DESIGN.md open-question decision).
	if port := strings.TrimSpace(os.Getenv("MCP_WS_HEALTH_PORT")); port != "" {
		cfg.HealthAddr = addrWithPort(cfg.HealthAddr, port)
	}
	if port := strings.TrimSpace(os.Getenv("MCP_HEALTH_PORT")); port != "" {
		cfg.HealthAddr = addrWithPort(cfg.HealthAddr, port)
	}

	if level := strings.TrimSpace(os.Getenv("MCP_LOG_LEVEL")); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
}

func boolEnv(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	return v == "true" || v == "1", true
}

func intEnv(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func durationMsEnv(key string) (time.Duration, bool) {
	n, ok := intEnv(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// addrWithPort replaces the port component of a host:port address.
func addrWithPort(addr, port string) string {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr + ":" + port
	}
	return addr[:idx+1] + port
}
