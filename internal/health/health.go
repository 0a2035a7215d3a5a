// Package health implements HealthEndpoint (component C6): a read-only
// HTTP endpoint exposing liveness and session counters, bound to the
// configured address (loopback by default; a non-loopback address is not
// rejected).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// SessionCounter reports the live session count for one listener.
type SessionCounter interface {
	SessionCount() int
}

// Config carries what the health body needs to report, independent of
// gatewayconfig to avoid an import cycle.
type Config struct {
	Addr               string
	AuthEnabled        bool
	MaxConnectionsWS   int
	MaxConnectionsTCP  int
	TCPMode            string
	CORSAllowedOrigins []string
}

// Endpoint serves GET /health.
type Endpoint struct {
	cfg       Config
	wsCount   SessionCounter
	tcpCount  SessionCounter
	startedAt time.Time
	log       zerolog.Logger

	server *http.Server
}

// New constructs an Endpoint. wsCount/tcpCount may be nil if the
// corresponding listener is disabled.
func New(cfg Config, wsCount, tcpCount SessionCounter, log zerolog.Logger) *Endpoint {
	return &Endpoint{
		cfg:       cfg,
		wsCount:   wsCount,
		tcpCount:  tcpCount,
		startedAt: time.Now(),
		log:       log.With().Str("component", "health").Logger(),
	}
}

type healthBody struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptimeSeconds"`
	SessionsWS        int    `json:"sessionsWs"`
	SessionsTCP       int    `json:"sessionsTcp"`
	MaxConnectionsWS  int    `json:"maxConnectionsWs"`
	MaxConnectionsTCP int    `json:"maxConnectionsTcp"`
	TCPMode           string `json:"tcpMode"`
	AuthEnabled       bool   `json:"authEnabled"`
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{
		Status:            "healthy",
		UptimeSeconds:     int64(time.Since(e.startedAt).Seconds()),
		MaxConnectionsWS:  e.cfg.MaxConnectionsWS,
		MaxConnectionsTCP: e.cfg.MaxConnectionsTCP,
		TCPMode:           e.cfg.TCPMode,
		AuthEnabled:       e.cfg.AuthEnabled,
	}
	if e.wsCount != nil {
		body.SessionsWS = e.wsCount.SessionCount()
	}
	if e.tcpCount != nil {
		body.SessionsTCP = e.tcpCount.SessionCount()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// Router builds the chi router serving /health, with CORS preflight
// handled by rs/cors and every other path returning 404.
func (e *Endpoint) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	c := cors.New(cors.Options{
		AllowedOrigins: e.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})
	r.Use(c.Handler)

	r.Get("/health", e.handleHealth)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return r
}

// ListenAndServe runs the health HTTP server until ctx is cancelled.
func (e *Endpoint) ListenAndServe(ctx context.Context) error {
	e.server = &http.Server{Addr: e.cfg.Addr, Handler: e.Router()}

	errCh := make(chan error, 1)
	go func() { errCh <- e.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
