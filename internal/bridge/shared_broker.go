package bridge

import (
	"sync"
	"time"
)

// sharedBroker implements the child→peer routing duties of spec §4.4(b)
// for tcp_mode=shared-persistent: frames bearing an id are dispatched to
// whichever attached Session has that id pending; frames without an id
// (notifications) are broadcast to every attached Session (spec §9: "a
// conservative default").
type sharedBroker struct {
	b *Bridge

	mu       sync.Mutex
	attached map[string]*Session
}

func newSharedBroker(b *Bridge) *sharedBroker {
	return &sharedBroker{b: b, attached: make(map[string]*Session)}
}

func (sb *sharedBroker) attach(s *Session) {
	sb.mu.Lock()
	sb.attached[s.ID] = s
	sb.mu.Unlock()
}

func (sb *sharedBroker) detach(s *Session) {
	sb.mu.Lock()
	delete(sb.attached, s.ID)
	sb.mu.Unlock()
}

func (sb *sharedBroker) snapshot() []*Session {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]*Session, 0, len(sb.attached))
	for _, s := range sb.attached {
		out = append(out, s)
	}
	return out
}

// route delivers one child-emitted line to the right Session(s). Parse
// failures are logged and dropped, never forwarded (spec §4.4(c)).
func (sb *sharedBroker) route(line []byte) {
	env, isObject := parseEnvelope(line)
	if !isObject {
		return
	}

	if !env.hasID() {
		for _, s := range sb.snapshot() {
			_ = s.sender.Send(line)
			s.touch()
		}
		return
	}

	id := string(env.ID)
	for _, s := range sb.snapshot() {
		if s.resolvePending(id) {
			_ = s.sender.Send(line)
			s.touch()
			return
		}
	}
	// No Session currently claims this id; drop silently (it may have
	// closed mid-flight).
}

// pumpChildOutput blocks on the shared child's current Handle and routes
// every line it emits; when the child is respawned it transparently moves
// on to the new Handle.
func (sb *sharedBroker) pumpChildOutput() {
	for {
		h, ready := sb.b.shared.Current()
		if !ready || h == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		line, err := h.ReadLine()
		if err != nil {
			// Child exited or stdout closed; wait for SharedRunner to
			// respawn and pick up the new Handle on the next loop.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		sb.route(line)
	}
}
