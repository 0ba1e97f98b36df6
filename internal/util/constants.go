// Package util provides common utility functions and constants used across
// the tunnelpanel application. This package is intentionally kept
// dependency-free (no imports from other internal/* packages) to serve as a
// shared foundation without introducing circular dependencies.
package util

import "time"

const (
	// BackoffBase is the delay before the first reconnect attempt after a
	// failed or dropped connection. Each subsequent failure doubles the
	// delay until BackoffCap is reached.
	// Used by: internal/tunnel/runner.go (nextBackoff).
	BackoffBase = 500 * time.Millisecond

	// BackoffCap is the ceiling for the reconnect delay. With a 500ms base
	// this is reached after six consecutive failures, which keeps an
	// unreachable endpoint from being hammered while still retrying often
	// enough that recovery is noticed within half a minute.
	BackoffCap = 30 * time.Second

	// StopAckTimeout bounds how long StopClient waits for a runner
	// goroutine to acknowledge cancellation before the supervisor
	// force-releases the session and records the client as stopped anyway.
	// Stop latency must stay independent of the backoff ceiling.
	StopAckTimeout = 2 * time.Second

	// HeartbeatInterval is how often a connected runner pings its session
	// to detect silent transport loss.
	HeartbeatInterval = 10 * time.Second

	// DialTimeout bounds a single connection attempt, including the TLS
	// and session handshakes.
	DialTimeout = 10 * time.Second

	// LogRingCapacity is the maximum number of entries retained by the
	// in-memory connection log. Oldest entries are evicted first; the
	// persistent journal keeps the full history.
	LogRingCapacity = 1000

	// SubscriberBuffer is the per-subscriber channel depth for live log
	// delivery. A subscriber that falls further behind than this loses its
	// oldest undelivered entries; producers never block.
	SubscriberBuffer = 64

	// DefaultRefreshSeconds is the fallback interval for the dashboard's
	// periodic status refresh, used when settings carry an invalid value.
	DefaultRefreshSeconds = 2
)
