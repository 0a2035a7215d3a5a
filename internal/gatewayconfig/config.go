// Package gatewayconfig holds the gateway's process-wide, read-only-after-start
// configuration surface, loaded from environment variables (and optionally a
// JSON file for local overrides) and validated once at startup.
package gatewayconfig

import "time"

// TCPMode selects how the TCP listener shares orchestrator children across
// sessions.
type TCPMode string

const (
	// TCPModeDedicated spawns a fresh child per accepted TCP connection.
	TCPModeDedicated TCPMode = "dedicated-per-connection"
	// TCPModeShared attaches every TCP session to one long-lived child.
	TCPModeShared TCPMode = "shared-persistent"
)

// Config is the full gateway configuration. Zero value is never valid;
// construct via DefaultConfig() + overrides, then call Validate().
type Config struct {
	// Auth
	AuthEnabled bool
	AuthToken   string

	// Listeners
	WSEnabled     bool
	WSListenAddr  string
	TCPEnabled    bool
	TCPListenAddr string
	HealthAddr    string

	MaxConnectionsWS  int
	MaxConnectionsTCP int

	ConnectionTimeoutWS  time.Duration
	ConnectionTimeoutTCP time.Duration

	// Rate limiting / blocklist
	RateLimitWindow time.Duration
	RateLimitMax    int
	BlockDuration   time.Duration

	// Framing
	MaxMessageBytes int

	// Health endpoint CORS
	CORSAllowedOrigins []string

	// Orchestrator child process
	ChildCommand []string
	ChildCwd     string
	ChildEnv     []string

	TCPMode TCPMode

	// Ambient
	Debug    bool
	LogLevel string
}

// DefaultConfig returns the baseline configuration matching spec.md §3/§6
// defaults, before any environment overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		AuthEnabled: false,
		AuthToken:   "",

		WSEnabled:     true,
		WSListenAddr:  "0.0.0.0:3002",
		TCPEnabled:    true,
		TCPListenAddr: "0.0.0.0:9500",
		HealthAddr:    "127.0.0.1:3003",

		MaxConnectionsWS:  100,
		MaxConnectionsTCP: 100,

		ConnectionTimeoutWS:  5 * time.Minute,
		ConnectionTimeoutTCP: 5 * time.Minute,

		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		BlockDuration:   15 * time.Minute,

		MaxMessageBytes: 1 << 20, // 1 MiB

		CORSAllowedOrigins: nil,

		ChildCommand: []string{"orchestrator"},
		ChildCwd:     "",
		ChildEnv:     nil,

		TCPMode: TCPModeDedicated,

		Debug:    false,
		LogLevel: "info",
	}
}

// Validate checks invariants that must hold before the gateway starts
// accepting connections.
func (c *Config) Validate() error {
	if c.AuthEnabled && c.AuthToken == "" {
		return ErrAuthEnabledWithoutToken
	}
	if !c.WSEnabled && !c.TCPEnabled {
		return ErrNoListenersEnabled
	}
	if c.MaxConnectionsWS <= 0 || c.MaxConnectionsTCP <= 0 {
		return ErrInvalidConnectionLimit
	}
	if c.RateLimitMax <= 0 {
		return ErrInvalidRateLimit
	}
	if c.MaxMessageBytes <= 0 {
		return ErrInvalidMaxMessageBytes
	}
	if len(c.ChildCommand) == 0 {
		return ErrMissingChildCommand
	}
	switch c.TCPMode {
	case TCPModeDedicated, TCPModeShared:
	default:
		return ErrInvalidTCPMode
	}
	return nil
}

// Summary is the subset of configuration safe to expose over the health
// endpoint: never includes AuthToken or ChildEnv.
type Summary struct {
	AuthEnabled       bool   `json:"authEnabled"`
	MaxConnectionsWS  int    `json:"maxConnectionsWs"`
	MaxConnectionsTCP int    `json:"maxConnectionsTcp"`
	TCPMode           string `json:"tcpMode"`
}

// Summarize builds the health-endpoint-safe view of the configuration.
func (c *Config) Summarize() Summary {
	return Summary{
		AuthEnabled:       c.AuthEnabled,
		MaxConnectionsWS:  c.MaxConnectionsWS,
		MaxConnectionsTCP: c.MaxConnectionsTCP,
		TCPMode:           string(c.TCPMode),
	}
}
