package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/erauner12/mcp-gateway/internal/audit"
	"github.com/erauner12/mcp-gateway/internal/authcore"
	"github.com/erauner12/mcp-gateway/internal/childproc"
)

func newSharedTestBridge(t *testing.T) (*Bridge, *childproc.SharedRunner) {
	t.Helper()
	a := authcore.New(authcore.Config{
		RateLimitMax:    1000,
		RateLimitWindow: time.Minute,
		MaxMessageBytes: 1 << 16,
		BlockDuration:   time.Minute,
	}, audit.NewRecorder())
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sup := childproc.New(childproc.Spec{Command: []string{"cat"}, MaxLineBytes: 4096}, audit.NewRecorder())
	runner := childproc.NewSharedRunner(ctx, sup, audit.NewRecorder())
	t.Cleanup(runner.Stop)

	b := NewShared(a, runner, audit.NewRecorder())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ready := runner.Current(); ready {
			return b, runner
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("shared child never became ready")
	return nil, nil
}

func waitForCount(t *testing.T, s *fakeSender, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least %d delivered frames, got %d", n, s.count())
}

// TestSharedBrokerRoutesByIDNotBroadcast exercises the id-correlated
// delivery path (spec §4.4(b), data model invariant I4): a response keyed
// by a pending id reaches only the Session that sent the matching request.
func TestSharedBrokerRoutesByIDNotBroadcast(t *testing.T) {
	b, _ := newSharedTestBridge(t)

	senderA := &fakeSender{}
	senderB := &fakeSender{}
	sessA, err := b.Accept(context.Background(), "sess-A", "203.0.113.20", "", TransportTCP, senderA)
	if err != nil {
		t.Fatalf("accept A failed: %v", err)
	}
	sessB, err := b.Accept(context.Background(), "sess-B", "203.0.113.21", "", TransportTCP, senderB)
	if err != nil {
		t.Fatalf("accept B failed: %v", err)
	}

	if err := b.HandleInbound(sessA, []byte(`{"jsonrpc":"2.0","id":"req-a","method":"tools/list"}`)); err != nil {
		t.Fatalf("unexpected error forwarding from A: %v", err)
	}

	waitForCount(t, senderA, 1)

	var got map[string]any
	if err := json.Unmarshal([]byte(senderA.last()), &got); err != nil {
		t.Fatalf("failed to decode reply to A: %v", err)
	}
	if got["id"] != "req-a" {
		t.Fatalf("expected A to receive the reply for req-a, got %s", senderA.last())
	}
	if senderB.count() != 0 {
		t.Fatalf("expected B to receive nothing for A's id-bearing request, got %d frames", senderB.count())
	}
}

// TestSharedBrokerBroadcastsIDLessFrames exercises the broadcast-to-all
// path (spec §9) for notifications with no JSON-RPC id.
func TestSharedBrokerBroadcastsIDLessFrames(t *testing.T) {
	b, _ := newSharedTestBridge(t)

	senderA := &fakeSender{}
	senderB := &fakeSender{}
	sessA, err := b.Accept(context.Background(), "sess-C", "203.0.113.22", "", TransportTCP, senderA)
	if err != nil {
		t.Fatalf("accept A failed: %v", err)
	}
	_, err = b.Accept(context.Background(), "sess-D", "203.0.113.23", "", TransportTCP, senderB)
	if err != nil {
		t.Fatalf("accept B failed: %v", err)
	}

	if err := b.HandleInbound(sessA, []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`)); err != nil {
		t.Fatalf("unexpected error forwarding notification: %v", err)
	}

	waitForCount(t, senderA, 1)
	waitForCount(t, senderB, 1)

	var got map[string]any
	if err := json.Unmarshal([]byte(senderB.last()), &got); err != nil {
		t.Fatalf("failed to decode broadcast reply to B: %v", err)
	}
	if got["method"] != "notifications/progress" {
		t.Fatalf("unexpected broadcast payload on B: %s", senderB.last())
	}
}

// TestSharedForwardDropsSilentlyWhenNotReady exercises the respawn-gap
// behavior (spec §7): a mid-session forward to a not-yet-ready shared child
// is dropped without fabricating an error reply.
func TestSharedForwardDropsSilentlyWhenNotReady(t *testing.T) {
	a := authcore.New(authcore.Config{
		RateLimitMax:    1000,
		RateLimitWindow: time.Minute,
		MaxMessageBytes: 1 << 16,
		BlockDuration:   time.Minute,
	}, audit.NewRecorder())
	t.Cleanup(a.Close)

	// A SharedRunner whose command can never be spawned, so Current() keeps
	// reporting not-ready; a Bridge built against it sees the same state as
	// during a respawn gap.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := childproc.New(childproc.Spec{Command: []string{"false-command-that-does-not-exist"}}, audit.NewRecorder())
	runner := childproc.NewSharedRunner(ctx, sup, audit.NewRecorder())
	t.Cleanup(runner.Stop)

	b := NewShared(a, runner, audit.NewRecorder())
	sender := &fakeSender{}
	sess, err := b.Accept(context.Background(), "sess-E", "203.0.113.24", "", TransportTCP, sender)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	if err := b.HandleInbound(sess, []byte(`{"jsonrpc":"2.0","id":"req-e","method":"tools/list"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("expected no fabricated reply while the shared child is unavailable, got %q", sender.last())
	}
}
