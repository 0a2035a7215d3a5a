// Package bridge implements SessionBridge (component C4): the per-client
// state machine that wires a network peer to a ChildHandle, performs the
// auth handshake, and — in shared-child mode — correlates request/response
// traffic by JSON-RPC id.
package bridge

import (
	"sync"
	"time"

	"github.com/erauner12/mcp-gateway/internal/audit"
	"github.com/erauner12/mcp-gateway/internal/childproc"
)

// State is one node of the per-Session state machine from spec.md §4.4.
type State int

const (
	StateAccepted State = iota
	StatePreAuth
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StatePreAuth:
		return "PRE_AUTH"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transport distinguishes the two listener kinds, since several behaviors
// differ between them (invalid-input handling, TCP auth deferral).
type Transport int

const (
	TransportWS Transport = iota
	TransportTCP
)

// Sender delivers one outbound frame to the network peer. Implementations
// must be safe for concurrent use from both the inbound and outbound pumps.
type Sender interface {
	Send(frame []byte) error
}

// Session is one accepted peer connection (data model's Session). All
// exported methods are safe for concurrent use.
type Session struct {
	ID        string
	PeerIP    string
	Transport Transport
	CreatedAt time.Time

	sink audit.Sink

	mu             sync.Mutex
	state          State
	authenticated  bool
	lastActivity   time.Time
	consecutiveHit int // consecutive rate-limit throttles, for auto-block escalation

	pendingMu sync.Mutex
	pending   map[string]bool

	sender Sender
	dedicated *childproc.Handle // nil in shared mode

	closeOnce sync.Once
	closed    chan struct{}
	closeReason string

	onClose func(s *Session, reason string)
}

// newSession constructs a Session in state ACCEPTED. Not exported: built
// only through Bridge.Accept.
func newSession(id, peerIP string, transport Transport, sender Sender, sink audit.Sink, onClose func(*Session, string)) *Session {
	if sink == nil {
		sink = audit.Default
	}
	now := time.Now()
	return &Session{
		ID:           id,
		PeerIP:       peerIP,
		Transport:    transport,
		CreatedAt:    now,
		sink:         sink,
		state:        StateAccepted,
		lastActivity: now,
		pending:      make(map[string]bool),
		sender:       sender,
		closed:       make(chan struct{}),
		onClose:      onClose,
	}
}

// State returns the Session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// touch refreshes the idle deadline; called on any inbound byte in either
// direction (spec §5: "refreshed on any inbound byte in either direction").
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long the Session has been idle.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Authenticated reports whether the authenticate handshake has succeeded
// (or auth is disabled and the Session was promoted directly to READY).
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// markPending records a JSON-RPC id as awaiting a response, used only in
// shared-child mode (data model invariant I4).
func (s *Session) markPending(id string) {
	s.pendingMu.Lock()
	s.pending[id] = true
	s.pendingMu.Unlock()
}

// resolvePending reports whether id was pending on this Session and clears
// it if so.
func (s *Session) resolvePending(id string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending[id] {
		delete(s.pending, id)
		return true
	}
	return false
}

// Done returns a channel closed once the Session has transitioned to
// CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close transitions the Session to CLOSED, idempotently. For a dedicated
// child, the child is killed; in shared mode the Session simply detaches
// (the shared child outlives it).
func (s *Session) Close(reason string, grace time.Duration) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		s.mu.Unlock()

		if s.dedicated != nil {
			s.dedicated.Kill(grace)
		}

		s.sink.Emit(audit.Event{
			Timestamp: time.Now().UTC(),
			Kind:      audit.ConnectionClosed,
			PeerIP:    s.PeerIP,
			SessionID: s.ID,
			Detail:    map[string]any{"reason": reason},
		})

		close(s.closed)

		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

// CloseReason returns the reason passed to Close, or "" if still open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}
