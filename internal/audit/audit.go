// Package audit implements the gateway's structured security-event sink.
//
// Every accepted connection, authentication decision, rate-limit
// escalation, and protocol violation is recorded as a single structured
// log line so that the gateway's behavior is auditable after the fact.
package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Kind enumerates the security event kinds the gateway emits.
type Kind string

const (
	ConnectionEstablished Kind = "connection_established"
	ConnectionClosed      Kind = "connection_closed"
	ConnectionTimeout     Kind = "connection_timeout"
	ConnectionLimit       Kind = "connection_limit"
	BlockedConnection     Kind = "blocked_connection"
	InvalidAuth           Kind = "invalid_auth"
	AuthSuccess           Kind = "auth_success"
	AuthFailed            Kind = "auth_failed"
	RateLimitExceeded     Kind = "rate_limit_exceeded"
	InvalidInput          Kind = "invalid_input"
	WebsocketError        Kind = "websocket_error"
	ServerShutdown        Kind = "server_shutdown"
)

// Event is one append-only audit record.
type Event struct {
	Timestamp time.Time
	Kind      Kind
	PeerIP    string
	SessionID string
	Detail    map[string]any
}

// Sink receives audit events. The default Sink writes one structured log
// line per event through zerolog; tests may substitute a recording Sink.
type Sink interface {
	Emit(e Event)
}

// Logger is the default Sink, backed by a zerolog logger.
type Logger struct {
	log zerolog.Logger
}

// NewLogger builds a Logger that writes through the given zerolog logger.
// A zero-value zerolog.Logger has no writer, so a Logger built from it
// discards every event.
func NewLogger(l zerolog.Logger) *Logger {
	return &Logger{log: l}
}

// Default is the package-level Sink used by Emit when no Sink is supplied
// explicitly. It is safe for concurrent use (zerolog's Logger is).
var Default Sink = &Logger{log: log.Logger}

// Emit writes an event to the Default sink.
func Emit(kind Kind, peerIP, sessionID string, detail map[string]any) {
	Default.Emit(Event{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		PeerIP:    peerIP,
		SessionID: sessionID,
		Detail:    detail,
	})
}

// Emit implements Sink.
func (l *Logger) Emit(e Event) {
	evt := l.log.Info().
		Time("ts", e.Timestamp).
		Str("event", string(e.Kind)).
		Str("peerIp", e.PeerIP)

	if e.SessionID != "" {
		evt = evt.Str("sessionId", e.SessionID)
	}
	if len(e.Detail) > 0 {
		evt = evt.Interface("detail", e.Detail)
	}
	evt.Msg("security_event")
}

// Recorder is an in-memory Sink used by tests to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

// NewRecorder returns a ready-to-use Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
}

// All returns a snapshot of recorded events.
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.Events))
	copy(out, r.Events)
	return out
}
