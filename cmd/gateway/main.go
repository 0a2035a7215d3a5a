package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/mcp-gateway/internal/audit"
	"github.com/erauner12/mcp-gateway/internal/authcore"
	"github.com/erauner12/mcp-gateway/internal/bridge"
	"github.com/erauner12/mcp-gateway/internal/childproc"
	"github.com/erauner12/mcp-gateway/internal/gatewayconfig"
	"github.com/erauner12/mcp-gateway/internal/health"
	"github.com/erauner12/mcp-gateway/internal/listener"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "1.0.0"

var (
	configPath  = flag.String("config", "", "Path to configuration file (JSON)")
	showVersion = flag.Bool("version", false, "Show version information")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcp-gateway version %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Bool("wsEnabled", cfg.WSEnabled).
		Bool("tcpEnabled", cfg.TCPEnabled).
		Str("tcpMode", string(cfg.TCPMode)).
		Bool("authEnabled", cfg.AuthEnabled).
		Msg("starting mcp-gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("gateway exited with error")
		os.Exit(1)
	}

	log.Info().Msg("mcp-gateway stopped gracefully")
}

// loadConfig loads the configuration from file and environment, applying
// CLI flag overrides before validation.
func loadConfig() (*gatewayconfig.Config, error) {
	var cfg *gatewayconfig.Config
	var err error

	if *configPath != "" {
		cfg, err = gatewayconfig.Load(*configPath)
	} else {
		cfg, err = gatewayconfig.LoadFromEnvironment()
	}
	if err != nil {
		return nil, err
	}

	if *debug {
		cfg.Debug = true
		if *logLevel == "info" {
			cfg.LogLevel = "debug"
		}
	}
	if *logLevel != "info" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *gatewayconfig.Config) {
	level := parseLogLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).With().Caller().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// run wires together AuthCore, the orchestrator supervisor, the session
// bridges, the listeners, and the health endpoint, then blocks until ctx
// is cancelled.
func run(ctx context.Context, cfg *gatewayconfig.Config) error {
	auditSink := audit.Default

	auth := authcore.New(authcore.Config{
		AuthEnabled:     cfg.AuthEnabled,
		AuthToken:       cfg.AuthToken,
		RateLimitWindow: cfg.RateLimitWindow,
		RateLimitMax:    cfg.RateLimitMax,
		BlockDuration:   cfg.BlockDuration,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}, auditSink)
	defer auth.Close()

	childSpec := childproc.Spec{
		Command:      cfg.ChildCommand,
		Cwd:          cfg.ChildCwd,
		Env:          cfg.ChildEnv,
		MaxLineBytes: cfg.MaxMessageBytes,
	}
	sup := childproc.New(childSpec, auditSink)

	var (
		wsBridge  *bridge.Bridge
		tcpBridge *bridge.Bridge
		wsLn      *listener.WSListener
		tcpLn     *listener.TCPListener
		sharedRun *childproc.SharedRunner
	)

	runners := []func(context.Context) error{}

	if cfg.WSEnabled {
		wsBridge = bridge.New(auth, sup, auditSink)
		wsBridge.StartIdleSweeper(ctx, cfg.ConnectionTimeoutWS)
		wsLn = listener.NewWSListener(cfg.WSListenAddr, cfg.MaxConnectionsWS, cfg.ConnectionTimeoutWS, wsBridge, log.Logger)
		runners = append(runners, wsLn.ListenAndServe)
		log.Info().Str("addr", cfg.WSListenAddr).Msg("websocket listener configured")
	}

	if cfg.TCPEnabled {
		if cfg.TCPMode == gatewayconfig.TCPModeShared {
			sharedRun = childproc.NewSharedRunner(ctx, sup, auditSink)
			tcpBridge = bridge.NewShared(auth, sharedRun, auditSink)
		} else {
			tcpBridge = bridge.New(auth, sup, auditSink)
		}
		tcpBridge.StartIdleSweeper(ctx, cfg.ConnectionTimeoutTCP)
		tcpLn = listener.NewTCPListener(cfg.TCPListenAddr, cfg.MaxConnectionsTCP, cfg.ConnectionTimeoutTCP, cfg.MaxMessageBytes, tcpBridge, log.Logger)
		runners = append(runners, tcpLn.ListenAndServe)
		log.Info().Str("addr", cfg.TCPListenAddr).Str("mode", string(cfg.TCPMode)).Msg("tcp listener configured")
	}

	// health.New takes the health.SessionCounter interface; a typed-nil
	// *bridge.Bridge would satisfy it non-nil, so pass a literal nil when a
	// listener is disabled rather than the typed pointer.
	var wsCounter, tcpCounter health.SessionCounter
	if wsBridge != nil {
		wsCounter = wsBridge
	}
	if tcpBridge != nil {
		tcpCounter = tcpBridge
	}

	summary := cfg.Summarize()
	healthEP := health.New(health.Config{
		Addr:               cfg.HealthAddr,
		AuthEnabled:        summary.AuthEnabled,
		MaxConnectionsWS:   summary.MaxConnectionsWS,
		MaxConnectionsTCP:  summary.MaxConnectionsTCP,
		TCPMode:            summary.TCPMode,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, wsCounter, tcpCounter, log.Logger)
	runners = append(runners, healthEP.ListenAndServe)
	log.Info().Str("addr", cfg.HealthAddr).Msg("health endpoint configured")

	errCh := make(chan error, len(runners))
	for _, r := range runners {
		r := r
		go func() {
			if err := r(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("listener failed; beginning shutdown")
	}

	log.Info().Msg("shutting down sessions")
	if wsBridge != nil {
		wsBridge.Shutdown(5 * time.Second)
	}
	if tcpBridge != nil {
		tcpBridge.Shutdown(5 * time.Second)
	}
	if sharedRun != nil {
		sharedRun.Stop()
	}

	auth.Emit(audit.ServerShutdown, "", "", nil)
	return nil
}
