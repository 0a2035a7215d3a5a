package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/erauner12/mcp-gateway/internal/audit"
	"github.com/erauner12/mcp-gateway/internal/authcore"
	"github.com/erauner12/mcp-gateway/internal/childproc"
	"github.com/google/uuid"
)

// Bridge owns the live Session registry and wires new Sessions to AuthCore
// and a ChildSupervisor. One Bridge exists per listener (the gateway
// constructs one for WS and one for TCP, sharing only the AuthCore and, in
// shared-persistent mode, a single SharedRunner).
type Bridge struct {
	auth *authcore.AuthCore
	sup  *childproc.Supervisor
	sink audit.Sink

	shared *childproc.SharedRunner // non-nil only for tcp_mode=shared-persistent

	mu       sync.Mutex
	sessions map[string]*Session

	broker *sharedBroker // non-nil only in shared mode
}

// New constructs a Bridge for dedicated-per-connection mode: every Session
// gets its own freshly spawned child.
func New(auth *authcore.AuthCore, sup *childproc.Supervisor, sink audit.Sink) *Bridge {
	if sink == nil {
		sink = audit.Default
	}
	return &Bridge{auth: auth, sup: sup, sink: sink, sessions: make(map[string]*Session)}
}

// NewShared constructs a Bridge backed by one shared, long-lived child
// (tcp_mode=shared-persistent). The caller constructs the SharedRunner;
// Shutdown stops it.
func NewShared(auth *authcore.AuthCore, shared *childproc.SharedRunner, sink audit.Sink) *Bridge {
	if sink == nil {
		sink = audit.Default
	}
	b := &Bridge{auth: auth, shared: shared, sink: sink, sessions: make(map[string]*Session)}
	b.broker = newSharedBroker(b)
	go b.broker.pumpChildOutput()
	return b
}

// NewSessionID builds a Session identifier combining the peer address with
// a random suffix, matching the data model's "remote address + remote port
// + monotonic counter" shape without requiring a shared counter.
func NewSessionID(peerAddr string) string {
	return fmt.Sprintf("%s-%s", peerAddr, uuid.NewString()[:8])
}

// Admit exposes AuthCore's admission decision directly, so a listener can
// pick the right pre-upgrade/pre-accept rejection status before calling
// Accept.
func (b *Bridge) Admit(peerIP, token string) authcore.Decision {
	return b.auth.Admit(peerIP, token)
}

// Accept admits a new peer connection. peerIP is used for AuthCore checks;
// token is the bearer token presented at connect time (WS) or "" (TCP,
// where auth is deferred to the first frame). Returns a *DenyError carrying
// the reason on rejection.
func (b *Bridge) Accept(ctx context.Context, id, peerIP, token string, transport Transport, sender Sender) (*Session, error) {
	decision := b.auth.Admit(peerIP, token)
	if !decision.Allowed {
		return nil, &DenyError{Reason: decision.Reason}
	}

	sess := newSession(id, peerIP, transport, sender, b.sink, b.detach)

	if b.shared == nil {
		h, err := b.sup.Spawn(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("child spawn failed: %w", err)
		}
		sess.dedicated = h
		go b.pumpDedicatedChildOutput(sess, h)
	}

	if !authRequired(b.auth) {
		sess.setState(StateReady)
		sess.mu.Lock()
		sess.authenticated = true
		sess.mu.Unlock()
	} else {
		sess.setState(StatePreAuth)
	}

	b.mu.Lock()
	b.sessions[id] = sess
	b.mu.Unlock()

	if b.broker != nil {
		b.broker.attach(sess)
	}

	b.sink.Emit(audit.Event{
		Timestamp: time.Now().UTC(),
		Kind:      audit.ConnectionEstablished,
		PeerIP:    peerIP,
		SessionID: id,
	})

	return sess, nil
}

// authRequired reports whether AuthCore currently requires a credential,
// used only to decide the initial PRE_AUTH/READY split; Admit itself
// already enforced the token for WS at connect time.
func authRequired(a *authcore.AuthCore) bool {
	return a.RequiresAuth()
}

// ReadyWaiter returns a function that blocks (polling) until the shared
// child is ready or the grace period elapses, reporting which. The second
// return value is false for dedicated-mode Bridges, which have no shared
// readiness gate.
func (b *Bridge) ReadyWaiter() (func(grace time.Duration) bool, bool) {
	if b.shared == nil {
		return nil, false
	}
	return func(grace time.Duration) bool {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if _, ready := b.shared.Current(); ready {
				return true
			}
			time.Sleep(20 * time.Millisecond)
		}
		_, ready := b.shared.Current()
		return ready
	}, true
}

func (b *Bridge) detach(sess *Session, reason string) {
	b.mu.Lock()
	delete(b.sessions, sess.ID)
	b.mu.Unlock()
	if b.broker != nil {
		b.broker.detach(sess)
	}
}

// DenyError is returned by Accept when admission is refused.
type DenyError struct {
	Reason string
}

func (e *DenyError) Error() string { return "denied: " + e.Reason }

// SessionCount returns the number of live Sessions.
func (b *Bridge) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// TimeoutSweepInterval is the fixed cadence of the idle-session sweeper
// (spec §5: "every 30 seconds").
const TimeoutSweepInterval = 30 * time.Second

// StartIdleSweeper launches a background goroutine that closes any Session
// idle past timeout, emitting connection_timeout. It stops when ctx is
// cancelled.
func (b *Bridge) StartIdleSweeper(ctx context.Context, timeout time.Duration) {
	go func() {
		ticker := time.NewTicker(TimeoutSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweepIdle(timeout)
			}
		}
	}()
}

func (b *Bridge) sweepIdle(timeout time.Duration) {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		if s.IdleFor() > timeout {
			b.auth.Emit(audit.ConnectionTimeout, s.PeerIP, s.ID, nil)
			s.Close("connection_timeout", 5*time.Second)
		}
	}
}

// Shutdown closes every live Session with reason server_shutdown (spec §5).
func (b *Bridge) Shutdown(grace time.Duration) {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close(string(audit.ServerShutdown), grace)
	}
	if b.shared != nil {
		b.shared.Stop()
	}
}

// pumpDedicatedChildOutput forwards every line from a dedicated child
// verbatim to its Session's peer (spec §4.4(a)).
func (b *Bridge) pumpDedicatedChildOutput(sess *Session, h *childproc.Handle) {
	for {
		line, err := h.ReadLine()
		if err != nil {
			sess.Close("child_exit", 5*time.Second)
			return
		}
		if sendErr := sess.sender.Send(line); sendErr != nil {
			sess.Close("send_error", 5*time.Second)
			return
		}
		sess.touch()
	}
}

// HandleInbound implements the peer→child duties of spec §4.4. It returns
// nil when the frame was fully handled (forwarded, answered locally, or
// rejected with a reply already sent); a non-nil error indicates the
// Session should be closed by the caller.
func (b *Bridge) HandleInbound(sess *Session, frame []byte) error {
	sess.touch()

	clientID := sess.PeerIP

	switch b.auth.Account(clientID) {
	case authcore.AccountThrottled:
		env, _ := parseEnvelope(frame)
		_ = sess.sender.Send(buildError(env.ID, CodeApplicationError, "Rate limit exceeded"))

		sess.mu.Lock()
		sess.consecutiveHit++
		escalate := sess.consecutiveHit >= 2
		sess.mu.Unlock()

		if escalate {
			b.auth.Block(sess.PeerIP, b.auth.BlockDuration())
			sess.Close("rate_limit_exceeded", 5*time.Second)
			return fmt.Errorf("rate_limit_exceeded: blocked after repeated throttling")
		}
		return nil
	default:
		sess.mu.Lock()
		sess.consecutiveHit = 0
		sess.mu.Unlock()
	}

	result := b.auth.Validate(frame)
	if result.Invalid {
		b.auth.Emit(audit.InvalidInput, sess.PeerIP, sess.ID, map[string]any{"reason": result.Reason})
		if sess.Transport == TransportTCP {
			env, _ := parseEnvelope(frame)
			_ = sess.sender.Send(buildError(env.ID, CodeInvalidRequest, "Invalid request: "+result.Reason))
		}
		return nil
	}
	sanitized := result.Sanitized

	env, isObject := parseEnvelope(sanitized)
	if !isObject {
		if sess.State() == StatePreAuth {
			_ = sess.sender.Send(buildError(nil, CodeApplicationError, "Authentication required"))
			return nil
		}
		return b.forward(sess, sanitized, json.RawMessage(nil))
	}

	if env.Method == "initialize" {
		_ = sess.sender.Send(buildInitializeResponse(env.ID))
		return nil
	}

	if sess.State() == StatePreAuth {
		switch env.Method {
		case "authenticate":
			return b.handleAuthenticate(sess, env)
		default:
			_ = sess.sender.Send(buildError(env.ID, CodeApplicationError, "Authentication required"))
			return nil
		}
	}

	return b.forward(sess, sanitized, env.ID)
}

type authenticateParams struct {
	Token string `json:"token"`
}

func (b *Bridge) handleAuthenticate(sess *Session, env envelope) error {
	var params authenticateParams
	_ = json.Unmarshal(env.Params, &params)

	if !b.auth.TokenMatches(params.Token) {
		b.auth.Emit(audit.AuthFailed, sess.PeerIP, sess.ID, nil)
		_ = sess.sender.Send(buildError(env.ID, CodeApplicationError, "Authentication failed"))
		sess.Close("auth_failed", 5*time.Second)
		return fmt.Errorf("authentication failed")
	}

	sess.mu.Lock()
	sess.authenticated = true
	sess.mu.Unlock()
	sess.setState(StateReady)
	b.auth.Emit(audit.AuthSuccess, sess.PeerIP, sess.ID, nil)

	_ = sess.sender.Send(buildResult(env.ID, map[string]bool{"authenticated": true}))
	return nil
}

// forward writes sanitized to the child, recording id in the pending set
// when operating in shared mode (spec §4.4(e)).
func (b *Bridge) forward(sess *Session, sanitized []byte, id json.RawMessage) error {
	if sess.dedicated == nil && len(id) > 0 && string(id) != "null" {
		sess.markPending(string(id))
	}

	framed := append(append([]byte{}, sanitized...), '\n')

	if sess.dedicated != nil {
		return sess.dedicated.Write(framed)
	}

	h, ready := b.shared.Current()
	if !ready || h == nil {
		// The child is mid-respawn. Drop the frame without replying: the id
		// is already recorded in sess.pending, so a reply from the
		// respawned child still resolves it once traffic resumes (spec §7:
		// no fabricated errors for in-flight ids during a respawn gap).
		return nil
	}
	return h.Write(framed)
}
