package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/mcp-gateway/internal/audit"
	"github.com/erauner12/mcp-gateway/internal/authcore"
	"github.com/erauner12/mcp-gateway/internal/childproc"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return string(f.sent[len(f.sent)-1])
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newDedicatedBridge(t *testing.T, authEnabled bool, token string) *Bridge {
	t.Helper()
	a := authcore.New(authcore.Config{
		AuthEnabled:     authEnabled,
		AuthToken:       token,
		RateLimitMax:    1000,
		RateLimitWindow: time.Minute,
		MaxMessageBytes: 1 << 16,
		BlockDuration:   time.Minute,
	}, audit.NewRecorder())
	t.Cleanup(a.Close)

	sup := childproc.New(childproc.Spec{Command: []string{"cat"}, MaxLineBytes: 4096}, audit.NewRecorder())
	return New(a, sup, audit.NewRecorder())
}

func TestAcceptAndInitializeHandledLocally(t *testing.T) {
	b := newDedicatedBridge(t, false, "")
	sender := &fakeSender{}

	sess, err := b.Accept(context.Background(), "sess-1", "203.0.113.10", "", TransportWS, sender)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("expected READY with auth disabled, got %v", sess.State())
	}

	if err := b.HandleInbound(sess, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp map[string]any
	json.Unmarshal([]byte(sender.last()), &resp)
	result, ok := resp["result"].(map[string]any)
	if !ok || result["protocolVersion"] != ProtocolVersion {
		t.Fatalf("unexpected initialize response: %s", sender.last())
	}
}

func TestAcceptDeniedOnBadToken(t *testing.T) {
	b := newDedicatedBridge(t, true, "abc")
	_, err := b.Accept(context.Background(), "sess-2", "203.0.113.11", "wrong", TransportWS, &fakeSender{})
	if err == nil {
		t.Fatal("expected denial for bad token")
	}
}

func TestPreAuthRejectsOtherMethods(t *testing.T) {
	b := newDedicatedBridge(t, true, "abc")
	sender := &fakeSender{}
	sess, err := b.Accept(context.Background(), "sess-3", "203.0.113.12", "abc", TransportWS, sender)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if sess.State() != StatePreAuth {
		t.Fatalf("expected PRE_AUTH, got %v", sess.State())
	}

	if err := b.HandleInbound(sess, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp map[string]any
	json.Unmarshal([]byte(sender.last()), &resp)
	errObj := resp["error"].(map[string]any)
	if errObj["message"] != "Authentication required" {
		t.Fatalf("unexpected reply: %s", sender.last())
	}
}

func TestAuthenticateSucceedsAndTransitionsReady(t *testing.T) {
	b := newDedicatedBridge(t, true, "abc")
	sender := &fakeSender{}
	sess, _ := b.Accept(context.Background(), "sess-4", "203.0.113.13", "", TransportTCP, sender)

	in := []byte(`{"jsonrpc":"2.0","id":2,"method":"authenticate","params":{"token":"abc"}}`)
	if err := b.HandleInbound(sess, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("expected READY after successful auth, got %v", sess.State())
	}
	var resp map[string]any
	json.Unmarshal([]byte(sender.last()), &resp)
	result := resp["result"].(map[string]any)
	if result["authenticated"] != true {
		t.Fatalf("unexpected auth response: %s", sender.last())
	}
}

func TestAuthenticateFailureReturnsCloseError(t *testing.T) {
	b := newDedicatedBridge(t, true, "abc")
	sender := &fakeSender{}
	sess, _ := b.Accept(context.Background(), "sess-5", "203.0.113.14", "", TransportTCP, sender)

	in := []byte(`{"jsonrpc":"2.0","id":3,"method":"authenticate","params":{"token":"wrong"}}`)
	if err := b.HandleInbound(sess, in); err == nil {
		t.Fatal("expected error instructing caller to close the session")
	}
}

func TestForwardToChildAndEchoBack(t *testing.T) {
	b := newDedicatedBridge(t, false, "")
	sender := &fakeSender{}
	sess, err := b.Accept(context.Background(), "sess-6", "203.0.113.15", "", TransportWS, sender)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	in := []byte(`{"jsonrpc":"2.0","id":4,"method":"tools/list","params":{}}`)
	if err := b.HandleInbound(sess, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// cat echoes stdin straight back to stdout; the dedicated pump should
	// deliver it to the sender.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sender.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() == 0 {
		t.Fatal("expected forwarded frame to be echoed back through the dedicated child")
	}
	var got map[string]any
	json.Unmarshal([]byte(sender.last()), &got)
	if got["method"] != "tools/list" {
		t.Fatalf("unexpected echoed frame: %s", sender.last())
	}
}

func TestInvalidInputOnTCPSendsInvalidRequestError(t *testing.T) {
	a := authcore.New(authcore.Config{RateLimitMax: 1000, RateLimitWindow: time.Minute, MaxMessageBytes: 10}, audit.NewRecorder())
	t.Cleanup(a.Close)
	sup := childproc.New(childproc.Spec{Command: []string{"cat"}}, audit.NewRecorder())
	b := New(a, sup, audit.NewRecorder())

	sender := &fakeSender{}
	sess, err := b.Accept(context.Background(), "sess-7", "203.0.113.16", "", TransportTCP, sender)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	oversized := []byte(`{"a":"xxxxxxxxxx"}`)
	if err := b.HandleInbound(sess, oversized); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp map[string]any
	json.Unmarshal([]byte(sender.last()), &resp)
	errObj := resp["error"].(map[string]any)
	if errObj["code"] != float64(CodeInvalidRequest) {
		t.Fatalf("expected -32600, got %v", errObj["code"])
	}
}

func TestInvalidInputOnWSDropsSilently(t *testing.T) {
	a := authcore.New(authcore.Config{RateLimitMax: 1000, RateLimitWindow: time.Minute, MaxMessageBytes: 10}, audit.NewRecorder())
	t.Cleanup(a.Close)
	sup := childproc.New(childproc.Spec{Command: []string{"cat"}}, audit.NewRecorder())
	b := New(a, sup, audit.NewRecorder())

	sender := &fakeSender{}
	sess, _ := b.Accept(context.Background(), "sess-8", "203.0.113.17", "", TransportWS, sender)

	oversized := []byte(`{"a":"xxxxxxxxxx"}`)
	if err := b.HandleInbound(sess, oversized); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("expected WS invalid input to be dropped silently, got %q", sender.last())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := newDedicatedBridge(t, false, "")
	sess, err := b.Accept(context.Background(), "sess-9", "203.0.113.18", "", TransportWS, &fakeSender{})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	sess.Close("test", time.Second)
	sess.Close("test-again", time.Second)
	if sess.CloseReason() != "test" {
		t.Fatalf("expected first reason to stick, got %q", sess.CloseReason())
	}
	if b.SessionCount() != 0 {
		t.Fatalf("expected session to be detached from registry, got count %d", b.SessionCount())
	}
}

func TestSweepIdleClosesStaleSessions(t *testing.T) {
	b := newDedicatedBridge(t, false, "")
	sess, err := b.Accept(context.Background(), "sess-10", "203.0.113.19", "", TransportWS, &fakeSender{})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	b.sweepIdle(time.Minute)

	select {
	case <-sess.Done():
	default:
		t.Fatal("expected idle session to be closed by sweepIdle")
	}
}
