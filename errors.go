package browserpool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by Checkout once Shutdown has begun.
	ErrPoolClosed = errors.New("browser pool is closed")
	// ErrPoolTimeout is returned when no session became available before the
	// checkout deadline.
	ErrPoolTimeout = errors.New("timed out waiting for a browser session")
	// ErrUnknownLease is returned by Release and Discard for a lease that is
	// not currently held: already released, discarded, reaped, or never issued.
	ErrUnknownLease = errors.New("unknown browser lease")
)

// LaunchError reports that the factory could not start a browser session.
// The pool stays usable.
type LaunchError struct {
	Engine Engine
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s browser: %v", e.Engine, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// SessionBrokenError reports that a session's browser connection failed
// while leased. Sessions in this state are discarded, never released.
type SessionBrokenError struct {
	SessionID int
	Err       error
}

func (e *SessionBrokenError) Error() string {
	return fmt.Sprintf("browser session %d is broken: %v", e.SessionID, e.Err)
}

func (e *SessionBrokenError) Unwrap() error { return e.Err }
