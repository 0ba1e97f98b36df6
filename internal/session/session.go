// Package session is the seam between the connection manager and the
// tunnel wire protocol. The runner drives a Session through this narrow
// surface and never sees transport details; tests substitute fakes.
package session

import (
	"context"

	"github.com/mstiles/tunnelpanel/internal/model"
)

// Session is one established tunnel connection. The runner pings it to
// detect silent transport loss and watches Done for session death.
type Session interface {
	// Ping round-trips a keepalive and returns an error when the
	// transport is no longer usable.
	Ping(ctx context.Context) error

	// Done is closed when the session ends for any reason, including a
	// remote close or transport drop.
	Done() <-chan struct{}

	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error
}

// Dialer establishes sessions. Dial blocks until the transport and
// handshake complete or ctx is cancelled. It must not retry internally;
// retry policy belongs to the runner.
type Dialer interface {
	Dial(ctx context.Context, spec model.ClientSpec) (Session, error)
}
