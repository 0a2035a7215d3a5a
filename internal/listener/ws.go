// Package listener implements Listeners (component C5): the WebSocket and
// TCP acceptors that perform admission control before handing connections
// off to a bridge.Bridge.
package listener

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erauner12/mcp-gateway/internal/bridge"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsSender adapts a *websocket.Conn to bridge.Sender, serializing writes
// since gorilla/websocket connections permit only one concurrent writer.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// WSListener is the WebSocket acceptor (spec §4.5).
type WSListener struct {
	Addr           string
	MaxConnections int
	ConnTimeout    time.Duration

	Bridge *bridge.Bridge
	Log    zerolog.Logger

	upgrader websocket.Upgrader
	active   int64

	server *http.Server
}

// NewWSListener constructs a WSListener bound to addr.
func NewWSListener(addr string, maxConnections int, connTimeout time.Duration, b *bridge.Bridge, log zerolog.Logger) *WSListener {
	return &WSListener{
		Addr:           addr,
		MaxConnections: maxConnections,
		ConnTimeout:    connTimeout,
		Bridge:         b,
		Log:            log.With().Str("component", "ws_listener").Logger(),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{"mcp"},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ListenAndServe runs the HTTP server hosting the WebSocket upgrade route
// until ctx is cancelled or a fatal listen error occurs.
func (l *WSListener) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)

	l.server = &http.Server{Addr: l.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (l *WSListener) handle(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&l.active) >= int64(l.MaxConnections) {
		http.Error(w, "listener at capacity", http.StatusServiceUnavailable)
		return
	}

	token := bearerToken(r.Header.Get("Authorization"))
	peerIP := peerIPOf(r.RemoteAddr)

	decision := l.Bridge.Admit(peerIP, token)
	if !decision.Allowed {
		status := http.StatusUnauthorized
		switch decision.Reason {
		case "blocked":
			status = http.StatusForbidden
		case "rate_limited":
			status = http.StatusServiceUnavailable
		}
		http.Error(w, decision.Reason, status)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	atomic.AddInt64(&l.active, 1)
	defer atomic.AddInt64(&l.active, -1)

	sender := &wsSender{conn: conn}
	sessID := bridge.NewSessionID(peerIP)

	sess, err := l.Bridge.Accept(r.Context(), sessID, peerIP, token, bridge.TransportWS, sender)
	if err != nil {
		l.Log.Warn().Err(err).Str("peer", peerIP).Msg("session admission failed after upgrade")
		return
	}
	defer func() {
		sess.Close("peer_close", 5*time.Second)
		writeCloseFrame(conn, sess.CloseReason())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if closeErr := l.Bridge.HandleInbound(sess, data); closeErr != nil {
			return
		}
		if sess.State() == bridge.StateClosed {
			return
		}
	}
}

// writeCloseFrame sends the server-initiated WebSocket close code matching
// reason (spec §6): 1008 for rate-limit-driven closes, 1001 for idle
// timeouts and shutdown, 1000 otherwise.
func writeCloseFrame(conn *websocket.Conn, reason string) {
	code := websocket.CloseNormalClosure
	switch reason {
	case "rate_limit_exceeded":
		code = websocket.ClosePolicyViolation
	case "connection_timeout", "server_shutdown":
		code = websocket.CloseGoingAway
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func peerIPOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
