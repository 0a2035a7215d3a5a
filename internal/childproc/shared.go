package childproc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/erauner12/mcp-gateway/internal/audit"
)

// RespawnBackoff is the fixed delay the shared-persistent supervisor waits
// before respawning after its child exits (spec §4.3).
const RespawnBackoff = 2 * time.Second

// sharedInitializeID tags the supervisor-level initialize request sent to a
// freshly spawned shared child, so its reply can be recognized and consumed
// before any Session traffic is admitted.
const sharedInitializeID = "gateway-shared-init"

// SharedRunner owns the single ChildHandle used by tcp_mode=shared-persistent
// (data model invariant I5: at most one ChildHandle across all Sessions).
// It respawns the child with a fixed backoff on exit and performs the
// supervisor-level initialize handshake once per spawn before marking the
// child ready.
type SharedRunner struct {
	sup *Supervisor
	ctx context.Context
	sink audit.Sink

	mu      sync.RWMutex
	current *Handle
	ready   bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSharedRunner starts the supervised spawn/respawn loop in the
// background and returns immediately; callers observe readiness via
// Current.
func NewSharedRunner(ctx context.Context, sup *Supervisor, sink audit.Sink) *SharedRunner {
	if sink == nil {
		sink = audit.Default
	}
	r := &SharedRunner{sup: sup, ctx: ctx, sink: sink, stop: make(chan struct{})}
	go r.run()
	return r
}

func (r *SharedRunner) run() {
	for {
		select {
		case <-r.stop:
			return
		case <-r.ctx.Done():
			return
		default:
		}

		h, err := r.sup.Spawn(r.ctx, SharedSentinel)
		if err != nil {
			r.sink.Emit(audit.Event{
				Timestamp: time.Now().UTC(),
				Kind:      audit.Kind("child_spawn_failed"),
				Detail:    map[string]any{"error": err.Error()},
			})
			r.wait(RespawnBackoff)
			continue
		}

		r.mu.Lock()
		r.current = h
		r.ready = false
		r.mu.Unlock()

		if err := r.handshake(h); err != nil {
			r.sink.Emit(audit.Event{
				Timestamp: time.Now().UTC(),
				Kind:      audit.Kind("child_initialize_failed"),
				Detail:    map[string]any{"error": err.Error()},
			})
			h.Kill(5 * time.Second)
			r.wait(RespawnBackoff)
			continue
		}

		r.mu.Lock()
		r.ready = true
		r.mu.Unlock()

		select {
		case <-h.Done():
		case <-r.stop:
			h.Kill(5 * time.Second)
			return
		case <-r.ctx.Done():
			h.Kill(5 * time.Second)
			return
		}

		r.mu.Lock()
		r.ready = false
		r.mu.Unlock()

		r.wait(RespawnBackoff)
	}
}

// handshake sends the supervisor-level initialize request to a freshly
// spawned shared child and blocks until a matching reply arrives, so no
// Session's traffic is admitted to a child that hasn't initialized (spec
// §4.3). Any line read before the matching reply is discarded: a
// well-behaved child emits nothing before answering its first request.
func (r *SharedRunner) handshake(h *Handle) error {
	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      sharedInitializeID,
		"method":  "initialize",
		"params":  map[string]any{},
	})
	if err != nil {
		return err
	}
	req = append(req, '\n')
	if err := h.Write(req); err != nil {
		return err
	}

	for {
		line, err := h.ReadLine()
		if err != nil {
			return err
		}
		var reply struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &reply); err != nil {
			continue
		}
		var id string
		if err := json.Unmarshal(reply.ID, &id); err == nil && id == sharedInitializeID {
			return nil
		}
	}
}

func (r *SharedRunner) wait(d time.Duration) {
	select {
	case <-time.After(d):
	case <-r.stop:
	case <-r.ctx.Done():
	}
}

// Current returns the active Handle and whether it is ready to receive
// traffic. A non-ready Handle is mid-respawn; callers should treat it as
// unavailable (spec §4.3: "Sessions attached to the previous handle remain
// open but receive no new child output until the new child is
// initialized").
func (r *SharedRunner) Current() (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.ready
}

// Stop halts the respawn loop and kills the current child, if any.
func (r *SharedRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
