package listener

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erauner12/mcp-gateway/internal/bridge"
	"github.com/erauner12/mcp-gateway/internal/framecodec"
	"github.com/rs/zerolog"
)

// tcpSender adapts a net.Conn to bridge.Sender, framing each outbound
// message with FrameCodec's newline terminator.
type tcpSender struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *tcpSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write(framecodec.Encode(frame))
	return err
}

// TCPListener is the line-delimited TCP acceptor (spec §4.5).
type TCPListener struct {
	Addr            string
	MaxConnections  int
	ConnTimeout     time.Duration
	MaxMessageBytes int
	ReadyGrace      time.Duration

	Bridge *bridge.Bridge
	Log    zerolog.Logger

	active int64
	ln     net.Listener
}

// NewTCPListener constructs a TCPListener bound to addr.
func NewTCPListener(addr string, maxConnections int, connTimeout time.Duration, maxMessageBytes int, b *bridge.Bridge, log zerolog.Logger) *TCPListener {
	return &TCPListener{
		Addr:            addr,
		MaxConnections:  maxConnections,
		ConnTimeout:     connTimeout,
		MaxMessageBytes: maxMessageBytes,
		ReadyGrace:      5 * time.Second,
		Bridge:          b,
		Log:             log.With().Str("component", "tcp_listener").Logger(),
	}
}

// ListenAndServe accepts connections until ctx is cancelled.
func (l *TCPListener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	l.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.Log.Warn().Err(err).Msg("tcp accept failed")
				continue
			}
		}
		go l.handle(ctx, conn)
	}
}

func rejectLine(conn net.Conn, reason string) {
	out, _ := json.Marshal(map[string]string{"error": reason})
	out = append(out, '\n')
	_, _ = conn.Write(out)
	_ = conn.Close()
}

func (l *TCPListener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if atomic.LoadInt64(&l.active) >= int64(l.MaxConnections) {
		rejectLine(conn, "Listener at capacity")
		return
	}

	peerIP := peerIPOf(conn.RemoteAddr().String())

	decision := l.Bridge.Admit(peerIP, "")
	if !decision.Allowed {
		reason := "Forbidden"
		if decision.Reason == "rate_limited" {
			reason = "Rate limit exceeded"
		}
		rejectLine(conn, reason)
		return
	}

	atomic.AddInt64(&l.active, 1)
	defer atomic.AddInt64(&l.active, -1)

	sender := &tcpSender{conn: conn}
	sessID := bridge.NewSessionID(peerIP)

	if waiter, ok := l.Bridge.ReadyWaiter(); ok {
		if !waiter(l.ReadyGrace) {
			rejectLine(conn, "MCP not ready")
			return
		}
	}

	sess, err := l.Bridge.Accept(ctx, sessID, peerIP, "", bridge.TransportTCP, sender)
	if err != nil {
		rejectLine(conn, "Forbidden")
		return
	}
	defer sess.Close("peer_close", 5*time.Second)

	dec := framecodec.NewDecoder(l.MaxMessageBytes)
	reader := bufio.NewReaderSize(conn, 4096)
	buf := make([]byte, 4096)

	for {
		if l.ConnTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.ConnTimeout))
		}
		n, err := reader.Read(buf)
		if n > 0 {
			frames, decErr := dec.Feed(buf[:n])
			for _, f := range frames {
				if closeErr := l.Bridge.HandleInbound(sess, f); closeErr != nil {
					return
				}
			}
			if decErr != nil {
				_ = sender.Send(invalidRequestLine(decErr.Error()))
				return
			}
		}
		if err != nil {
			return
		}
		if sess.State() == bridge.StateClosed {
			return
		}
	}
}

func invalidRequestLine(reason string) []byte {
	out, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    -32600,
			"message": "Invalid request: " + reason,
		},
	})
	return out
}
