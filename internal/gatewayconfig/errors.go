package gatewayconfig

import "errors"

var (
	// ErrAuthEnabledWithoutToken indicates auth was requested with no token configured.
	ErrAuthEnabledWithoutToken = errors.New("auth_enabled is true but no auth token is configured")

	// ErrNoListenersEnabled indicates neither the WS nor the TCP listener is enabled.
	ErrNoListenersEnabled = errors.New("at least one of the WebSocket or TCP listener must be enabled")

	// ErrInvalidConnectionLimit indicates a non-positive connection cap.
	ErrInvalidConnectionLimit = errors.New("connection limits must be positive")

	// ErrInvalidRateLimit indicates a non-positive rate limit maximum.
	ErrInvalidRateLimit = errors.New("rate_limit_max must be positive")

	// ErrInvalidMaxMessageBytes indicates a non-positive frame size cap.
	ErrInvalidMaxMessageBytes = errors.New("max_message_bytes must be positive")

	// ErrMissingChildCommand indicates no orchestrator command was configured.
	ErrMissingChildCommand = errors.New("child_command must not be empty")

	// ErrInvalidTCPMode indicates an unrecognized tcp_mode value.
	ErrInvalidTCPMode = errors.New("tcp_mode must be dedicated-per-connection or shared-persistent")

	// ErrConfigFileNotFound indicates the config file override path does not exist.
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates the config file is not valid JSON.
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)
