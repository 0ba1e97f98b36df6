package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/util"
)

// NetDialer is the production Dialer. It connects over plain TCP, TLS, or
// WebSocket depending on the client address, authenticates with the
// client key, and multiplexes the link with a yamux session whose
// keepalive doubles as the health heartbeat.
type NetDialer struct {
	// Timeout bounds one full dial including handshakes. Zero means
	// util.DialTimeout.
	Timeout time.Duration
}

// NewDialer returns a NetDialer with default timeouts.
func NewDialer() *NetDialer {
	return &NetDialer{Timeout: util.DialTimeout}
}

// Dial implements Dialer.
func (d *NetDialer) Dial(ctx context.Context, spec model.ClientSpec) (Session, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = util.DialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.dialTransport(ctx, spec)
	if err != nil {
		return nil, err
	}

	// Present the auth key before handing the link to the multiplexer.
	// The server side of the handshake is the protocol layer's concern.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := io.WriteString(conn, spec.Key+"\n"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = util.HeartbeatInterval
	cfg.LogOutput = io.Discard

	mux, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("establish session: %w", err)
	}
	return &netSession{mux: mux, conn: conn}, nil
}

func (d *NetDialer) dialTransport(ctx context.Context, spec model.ClientSpec) (net.Conn, error) {
	if strings.HasPrefix(spec.Addr, "ws://") || strings.HasPrefix(spec.Addr, "wss://") {
		ws, _, err := websocket.Dial(ctx, spec.Addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", spec.Addr, err)
		}
		// The NetConn context governs the connection lifetime, not the
		// dial, so it must outlive ctx.
		return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", spec.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", spec.Addr, err)
	}
	if !spec.TLS {
		return conn, nil
	}

	host, _, err := net.SplitHostPort(spec.Addr)
	if err != nil {
		host = spec.Addr
	}
	tc := tls.Client(conn, &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", spec.Addr, err)
	}
	return tc, nil
}

type netSession struct {
	mux  *yamux.Session
	conn net.Conn
}

func (s *netSession) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.mux.Ping()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *netSession) Done() <-chan struct{} {
	return s.mux.CloseChan()
}

func (s *netSession) Close() error {
	err := s.mux.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
