// Package security holds the command error taxonomy and credential
// redaction helpers shared by the store, supervisor, and UI layers.
package security

import "errors"

// Sentinel errors returned by mutating commands. Callers match them with
// errors.Is; everything else surfaced by a command is a wrapped transport
// or persistence detail.
var (
	// ErrNotFound reports a client name absent from the store or with no
	// runtime entry.
	ErrNotFound = errors.New("client not found")

	// ErrDuplicateName reports an add with a name that already exists.
	ErrDuplicateName = errors.New("client name already exists")

	// ErrAlreadyRunning reports a start on a client whose runner is active.
	ErrAlreadyRunning = errors.New("client already running")

	// ErrPersistence reports a failed durable write. The in-memory change
	// is rolled back before the error is returned, so state and disk never
	// diverge.
	ErrPersistence = errors.New("persistence failed")
)
