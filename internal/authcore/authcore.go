// Package authcore implements the gateway's token validation, sliding
// window rate limiting, IP blocklist, input validation, sanitization, and
// audit emission (component C1 of the bridging relay).
package authcore

import (
	"crypto/subtle"
	"hash/fnv"
	"sync"
	"time"

	"github.com/erauner12/mcp-gateway/internal/audit"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string // populated when !Allowed
}

// AccountResult is the outcome of recording a request against a client's
// sliding window.
type AccountResult int

const (
	// AccountOK means the request fits within the window's budget.
	AccountOK AccountResult = iota
	// AccountThrottled means the request would exceed rate_limit_max.
	AccountThrottled
)

const shardCount = 16

type rateShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

type blockShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// Config carries the subset of gatewayconfig.Config that AuthCore needs,
// kept decoupled from that package so authcore has no import-cycle risk.
type Config struct {
	AuthEnabled     bool
	AuthToken       string
	RateLimitWindow time.Duration
	RateLimitMax    int
	BlockDuration   time.Duration
	MaxMessageBytes int
}

// AuthCore is safe for concurrent use by many goroutines.
type AuthCore struct {
	cfg  Config
	sink audit.Sink

	rateShards  [shardCount]*rateShard
	blockShards [shardCount]*blockShard

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs an AuthCore and starts its background sweeper.
func New(cfg Config, sink audit.Sink) *AuthCore {
	if sink == nil {
		sink = audit.Default
	}
	a := &AuthCore{
		cfg:       cfg,
		sink:      sink,
		stopSweep: make(chan struct{}),
	}
	for i := range a.rateShards {
		a.rateShards[i] = &rateShard{windows: make(map[string][]time.Time)}
	}
	for i := range a.blockShards {
		a.blockShards[i] = &blockShard{entries: make(map[string]time.Time)}
	}
	go a.sweepLoop(time.Minute)
	return a
}

// Close stops the background sweeper. Idempotent.
func (a *AuthCore) Close() {
	a.sweepOnce.Do(func() { close(a.stopSweep) })
}

func shardFor(shards int, key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % shards
}

func (a *AuthCore) rateShard(key string) *rateShard {
	return a.rateShards[shardFor(shardCount, key)]
}

func (a *AuthCore) blockShard(key string) *blockShard {
	return a.blockShards[shardFor(shardCount, key)]
}

// RequiresAuth reports whether a valid token must be presented before any
// non-handshake traffic is honored.
func (a *AuthCore) RequiresAuth() bool {
	return a.cfg.AuthEnabled
}

// TokenMatches exposes the constant-time token comparison for callers that
// perform their own admission decision (e.g. the TCP authenticate
// handshake, deferred from Admit's connect-time check).
func (a *AuthCore) TokenMatches(candidate string) bool {
	return a.tokenMatches(candidate)
}

// BlockDuration returns the configured block_duration.
func (a *AuthCore) BlockDuration() time.Duration {
	return a.cfg.BlockDuration
}

// Admit implements the AuthCore.admit contract from spec.md §4.1: denies if
// the IP is blocked, if auth is enabled and the token mismatches, or if the
// peer's rate window is already saturated.
func (a *AuthCore) Admit(peerIP, token string) Decision {
	if a.IsBlocked(peerIP) {
		a.Emit(audit.BlockedConnection, peerIP, "", nil)
		return Decision{Allowed: false, Reason: "blocked"}
	}

	if a.cfg.AuthEnabled && !a.tokenMatches(token) {
		a.Emit(audit.InvalidAuth, peerIP, "", map[string]any{"reason": "bad_token"})
		return Decision{Allowed: false, Reason: "unauthorized"}
	}

	if a.windowSaturated(peerIP) {
		return Decision{Allowed: false, Reason: "rate_limited"}
	}

	return Decision{Allowed: true}
}

// tokenMatches performs a constant-time comparison against the configured
// shared secret so the check's timing does not leak information about how
// many leading bytes of the candidate token are correct.
func (a *AuthCore) tokenMatches(candidate string) bool {
	want := []byte(a.cfg.AuthToken)
	got := []byte(candidate)
	if len(want) != len(got) {
		// Still run a constant-time compare against a same-length buffer so
		// the length mismatch itself doesn't short-circuit timing relative
		// to a correct-length-wrong-content guess.
		padded := make([]byte, len(want))
		copy(padded, got)
		subtle.ConstantTimeCompare(want, padded)
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

func (a *AuthCore) windowSaturated(clientID string) bool {
	shard := a.rateShard(clientID)
	now := time.Now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	times := pruneWindow(shard.windows[clientID], now, a.cfg.RateLimitWindow)
	shard.windows[clientID] = times
	return len(times) >= a.cfg.RateLimitMax
}

// Account records a request at the current time against clientID's sliding
// window and reports whether it fits within rate_limit_max.
func (a *AuthCore) Account(clientID string) AccountResult {
	shard := a.rateShard(clientID)
	now := time.Now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	times := pruneWindow(shard.windows[clientID], now, a.cfg.RateLimitWindow)
	if len(times) >= a.cfg.RateLimitMax {
		shard.windows[clientID] = times
		a.Emit(audit.RateLimitExceeded, clientID, "", map[string]any{"count": len(times)})
		return AccountThrottled
	}

	times = append(times, now)
	shard.windows[clientID] = times
	return AccountOK
}

// pruneWindow drops timestamps older than window relative to now,
// preserving arrival order.
func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0:0], times[i:]...)
}

// Block marks ip as blocked for duration, evicting its rate window so a
// fresh connection after the block expires starts clean.
func (a *AuthCore) Block(ip string, duration time.Duration) {
	bshard := a.blockShard(ip)
	bshard.mu.Lock()
	bshard.entries[ip] = time.Now().Add(duration)
	bshard.mu.Unlock()

	rshard := a.rateShard(ip)
	rshard.mu.Lock()
	delete(rshard.windows, ip)
	rshard.mu.Unlock()

	a.Emit(audit.BlockedConnection, ip, "", map[string]any{"durationSeconds": duration.Seconds()})
}

// IsBlocked reports whether ip is currently blocked, evicting the entry
// lazily if it has expired.
func (a *AuthCore) IsBlocked(ip string) bool {
	bshard := a.blockShard(ip)
	bshard.mu.Lock()
	defer bshard.mu.Unlock()

	expiry, ok := bshard.entries[ip]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(bshard.entries, ip)
		return false
	}
	return true
}

// Emit records a structured security event through the configured sink.
func (a *AuthCore) Emit(kind audit.Kind, peerIP, sessionID string, detail map[string]any) {
	a.sink.Emit(audit.Event{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		PeerIP:    peerIP,
		SessionID: sessionID,
		Detail:    detail,
	})
}

// sweepLoop purges empty rate windows and expired block entries on a fixed
// cadence. A sweep failure (recovered panic) never interrupts the main data
// path; it is logged and the loop continues.
func (a *AuthCore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweepOnceSafely()
		case <-a.stopSweep:
			return
		}
	}
}

func (a *AuthCore) sweepOnceSafely() {
	defer func() {
		if r := recover(); r != nil {
			a.Emit(audit.Kind("sweeper_panic"), "", "", map[string]any{"recovered": r})
		}
	}()

	now := time.Now()
	for _, shard := range a.rateShards {
		shard.mu.Lock()
		for k, times := range shard.windows {
			pruned := pruneWindow(times, now, a.cfg.RateLimitWindow)
			if len(pruned) == 0 {
				delete(shard.windows, k)
			} else {
				shard.windows[k] = pruned
			}
		}
		shard.mu.Unlock()
	}

	for _, shard := range a.blockShards {
		shard.mu.Lock()
		for k, expiry := range shard.entries {
			if now.After(expiry) {
				delete(shard.entries, k)
			}
		}
		shard.mu.Unlock()
	}
}
