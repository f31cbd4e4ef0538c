package browserpool

import (
	"sync/atomic"
	"time"

	pool "github.com/jolestar/go-commons-pool/v2"

	"github.com/eskriett/browserpool/driver"
)

// SessionState is where a session is in its lifecycle.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionLeased
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionLeased:
		return "leased"
	default:
		return "terminated"
	}
}

// Session is one live browser owned by the pool. Only the holder of its
// current lease may use the driver.
type Session struct {
	id     int
	driver driver.Driver
	object *pool.PooledObject
	uses   atomic.Int64
}

func newSession(id int, d driver.Driver) *Session {
	s := &Session{id: id, driver: d}
	s.object = pool.NewPooledObject(s)
	return s
}

// ID is assigned by the pool and never reused.
func (s *Session) ID() int {
	return s.id
}

// Driver returns the browser the session owns.
func (s *Session) Driver() driver.Driver {
	return s.driver
}

func (s *Session) CreatedAt() time.Time {
	return s.object.CreateTime
}

// Uses is the number of leases issued for the session so far.
func (s *Session) Uses() int {
	return int(s.uses.Load())
}

func (s *Session) State() SessionState {
	switch s.object.GetState() {
	case pool.StateIdle:
		return SessionIdle
	case pool.StateAllocated:
		return SessionLeased
	default:
		return SessionTerminated
	}
}

func (s *Session) allocate() bool {
	if !s.object.Allocate() {
		return false
	}
	s.uses.Add(1)
	return true
}

func (s *Session) deallocate() bool {
	return s.object.Deallocate()
}

func (s *Session) terminate() {
	s.object.Invalidate()
}
