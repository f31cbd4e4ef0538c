package browserpool

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Lease is the capability to use one session until it is released or
// discarded. Copies of a lease refer to the same checkout; only the first
// Release or Discard through any copy succeeds.
type Lease struct {
	token    ulid.ULID
	session  *Session
	issuedAt time.Time
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newLease(s *Session) Lease {
	now := time.Now()

	entropyMu.Lock()
	token := ulid.MustNew(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()

	return Lease{token: token, session: s, issuedAt: now}
}

// Token uniquely identifies the checkout.
func (l Lease) Token() string {
	return l.token.String()
}

func (l Lease) SessionID() int {
	if l.session == nil {
		return 0
	}
	return l.session.ID()
}

func (l Lease) IssuedAt() time.Time {
	return l.issuedAt
}

// Session returns the leased session, or nil for the zero Lease.
func (l Lease) Session() *Session {
	return l.session
}

// Valid reports whether the lease was issued by a pool. It says nothing
// about whether the lease is still held.
func (l Lease) Valid() bool {
	return l.session != nil && l.token != (ulid.ULID{})
}
