// Package browserpool shares a bounded set of browser sessions between
// concurrent fetches. A caller checks a session out, owns it exclusively
// through the returned Lease, and hands it back with Release, or with
// Discard when the browser is no longer usable.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/eskriett/browserpool/driver"
)

// Pool is a bounded set of browser sessions. It is safe for concurrent use.
type Pool struct {
	cfg     Config
	factory *sessionFactory
	logger  *zap.Logger

	mu         sync.Mutex
	idle       []*Session
	leases     map[ulid.ULID]Lease
	creating   int
	waiters    []chan grant
	destroying int
	created    int
	discarded  int
	closed     bool
	// changed is closed and replaced whenever a lease, creation or destroy
	// finishes.
	changed chan struct{}

	closing    chan struct{}
	reaperDone chan struct{}
	done       chan struct{}
}

// grant is what a queued checkout receives: a lease on an existing session,
// or, when the lease is the zero value, a reserved slot to create one in.
type grant struct {
	lease Lease
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int
	Idle     int
	Leased   int
	Creating int
	Waiting  int
	// Created and Discarded are lifetime totals.
	Created   int
	Discarded int
	Closed    bool
}

type options struct {
	logger   *zap.Logger
	launcher driver.Launcher
}

type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLauncher replaces the engine's launcher.
func WithLauncher(launch driver.Launcher) Option {
	return func(o *options) {
		o.launcher = launch
	}
}

// New validates cfg and returns a pool. Sessions are created lazily unless
// cfg.Pool.Prewarm asks for some up front.
func New(ctx context.Context, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid browser pool config: %w", err)
	}

	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("browserpool")

	factory, err := newSessionFactory(cfg, o.launcher, logger)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		leases:  make(map[ulid.ULID]Lease),
		changed: make(chan struct{}),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.Pool.MaxLeaseDuration > 0 {
		p.reaperDone = make(chan struct{})
		go p.reap(cfg.Pool.MaxLeaseDuration)
	}

	if cfg.Pool.Prewarm > 0 {
		if err := p.Warmup(ctx, cfg.Pool.Prewarm); err != nil {
			_ = p.Shutdown(context.Background())
			return nil, err
		}
	}

	p.logger.Debug("browser pool ready",
		zap.Int("capacity", cfg.Pool.Capacity),
		zap.String("engine", string(factory.engine)))

	return p, nil
}

// Checkout leases a session, creating one if the pool is below capacity.
// It blocks until a session is available, ctx ends or the pool shuts down.
// Blocked callers are served in arrival order.
func (p *Pool) Checkout(ctx context.Context) (Lease, error) {
	if _, ok := ctx.Deadline(); !ok && p.cfg.Pool.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Pool.CheckoutTimeout)
		defer cancel()
	}

	for {
		g, err := p.acquire(ctx)
		if err != nil {
			return Lease{}, err
		}

		if !g.lease.Valid() {
			return p.create(ctx)
		}

		lease, err := p.prepare(ctx, g.lease)
		if errors.Is(err, errLeaseLost) {
			continue
		}
		return lease, err
	}
}

var errLeaseLost = errors.New("lease revoked during checkout")

func (p *Pool) acquire(ctx context.Context) (grant, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return grant{}, ErrPoolClosed
	}

	if ctx.Err() != nil {
		p.mu.Unlock()
		return grant{}, checkoutError(ctx)
	}

	if len(p.waiters) == 0 {
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			lease := p.leaseLocked(s)
			p.mu.Unlock()
			return grant{lease: lease}, nil
		}

		if p.totalLocked() < p.cfg.Pool.Capacity {
			p.creating++
			p.mu.Unlock()
			return grant{}, nil
		}
	}

	ch := make(chan grant, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case g, ok := <-ch:
		if !ok {
			return grant{}, ErrPoolClosed
		}
		return g, nil
	case <-ctx.Done():
		p.mu.Lock()
		queued := p.removeWaiterLocked(ch)
		p.mu.Unlock()

		// Grants are sent under the lock after the waiter is dequeued, so
		// one is already buffered if we were no longer queued.
		if !queued {
			if g, ok := <-ch; ok {
				p.passOn(g)
			}
		}
		return grant{}, checkoutError(ctx)
	}
}

func checkoutError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrPoolTimeout, err)
	}
	return fmt.Errorf("checkout browser session: %w", err)
}

// create fills a reserved slot with a new session and leases it.
func (p *Pool) create(ctx context.Context) (Lease, error) {
	object, err := p.factory.MakeObject(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.creating--
	defer p.signalLocked()

	if err != nil {
		if !p.closed {
			p.grantSlotLocked()
		}
		p.logger.Warn("failed to create browser session", zap.Error(err))
		if ctx.Err() != nil {
			return Lease{}, fmt.Errorf("%w: %w", checkoutError(ctx), err)
		}
		return Lease{}, err
	}

	s := object.Object.(*Session)
	p.created++

	if p.closed {
		p.destroyLocked(s)
		return Lease{}, ErrPoolClosed
	}

	return p.leaseLocked(s), nil
}

// prepare readies a reused session for its new holder. A session that fails
// validation is destroyed and replaced in the same slot.
func (p *Pool) prepare(ctx context.Context, lease Lease) (Lease, error) {
	s := lease.session

	var err error
	if p.cfg.Pool.ValidateOnCheckout && !p.factory.ValidateObject(ctx, s.object) {
		err = driver.ErrClosed
	} else {
		err = p.factory.ActivateObject(ctx, s.object)
	}
	if err == nil {
		return lease, nil
	}

	if ctx.Err() != nil {
		p.giveBack(lease, false)
		return Lease{}, checkoutError(ctx)
	}

	p.mu.Lock()
	if _, ok := p.leases[lease.token]; !ok {
		p.mu.Unlock()
		return Lease{}, errLeaseLost
	}
	delete(p.leases, lease.token)
	p.discarded++
	p.destroyLocked(s)
	if p.closed {
		p.signalLocked()
		p.mu.Unlock()
		return Lease{}, ErrPoolClosed
	}
	p.creating++
	p.mu.Unlock()

	p.logger.Info("replacing unusable browser session", zap.Int("session", s.ID()), zap.Error(err))

	return p.create(ctx)
}

// Release ends a lease and makes its session available to the next
// checkout. It never blocks on the browser.
func (p *Pool) Release(lease Lease) error {
	if !p.giveBack(lease, true) {
		return ErrUnknownLease
	}
	return nil
}

func (p *Pool) giveBack(lease Lease, passivate bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.takeLeaseLocked(lease)
	if !ok {
		return false
	}
	defer p.signalLocked()

	if passivate {
		if err := p.factory.PassivateObject(context.Background(), s.object); err != nil {
			p.logger.Warn("failed to passivate browser session", zap.Int("session", s.ID()), zap.Error(err))
		}
	}
	s.deallocate()

	if p.closed {
		p.destroyLocked(s)
		return true
	}

	p.putLocked(s)
	return true
}

// Discard ends a lease and destroys its session. The freed slot is filled
// lazily by a later checkout.
func (p *Pool) Discard(lease Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.takeLeaseLocked(lease)
	if !ok {
		return ErrUnknownLease
	}

	p.discarded++
	p.destroyLocked(s)
	if !p.closed {
		p.grantSlotLocked()
	}
	p.signalLocked()

	p.logger.Debug("discarded browser session", zap.Int("session", s.ID()))

	return nil
}

// Warmup creates idle sessions until the pool holds n of them or reaches
// capacity.
func (p *Pool) Warmup(ctx context.Context, n int) error {
	if n > p.cfg.Pool.Capacity {
		n = p.cfg.Pool.Capacity
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if p.totalLocked() >= n {
			p.mu.Unlock()
			return nil
		}
		p.creating++
		p.mu.Unlock()

		object, err := p.factory.MakeObject(ctx)

		p.mu.Lock()
		p.creating--
		p.signalLocked()

		if err != nil {
			if !p.closed {
				p.grantSlotLocked()
			}
			p.mu.Unlock()
			return err
		}

		s := object.Object.(*Session)
		p.created++

		if p.closed {
			p.destroyLocked(s)
			p.mu.Unlock()
			return ErrPoolClosed
		}
		p.putLocked(s)
		p.mu.Unlock()
	}
}

// Shutdown stops new checkouts, destroys idle sessions, gives outstanding
// leases cfg.Pool.ShutdownGrace (or until ctx ends) to come back and then
// destroys them as well. It returns once every browser is closed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.closed = true
	close(p.closing)

	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil

	for _, s := range p.idle {
		p.destroyLocked(s)
	}
	p.idle = nil

	outstanding := len(p.leases)
	p.signalLocked()
	p.mu.Unlock()

	p.logger.Info("shutting down browser pool", zap.Int("outstanding_leases", outstanding))

	graceCtx, cancel := context.WithTimeout(ctx, p.cfg.Pool.ShutdownGrace)
	err := p.waitFor(graceCtx, func() bool { return len(p.leases) == 0 })
	cancel()

	if err != nil {
		p.mu.Lock()
		for token, lease := range p.leases {
			delete(p.leases, token)
			p.logger.Warn("destroying unreleased browser session", zap.Int("session", lease.SessionID()))
			p.destroyLocked(lease.session)
		}
		p.signalLocked()
		p.mu.Unlock()
	}

	if p.reaperDone != nil {
		<-p.reaperDone
	}

	// Every destroy is bounded by the destroy timeout, so the browsers get
	// that long to close even when ctx has already ended.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.factory.destroyTimeout)
	defer cancel()
	if err := p.waitFor(closeCtx, func() bool { return p.creating == 0 && p.destroying == 0 }); err != nil {
		return fmt.Errorf("shutdown browser pool: %w", err)
	}

	err = p.factory.close()
	close(p.done)

	p.logger.Info("browser pool shut down")

	return err
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Capacity:  p.cfg.Pool.Capacity,
		Idle:      len(p.idle),
		Leased:    len(p.leases),
		Creating:  p.creating,
		Waiting:   len(p.waiters),
		Created:   p.created,
		Discarded: p.discarded,
		Closed:    p.closed,
	}
}

// holds reports whether lease is still outstanding.
func (p *Pool) holds(lease Lease) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.leases[lease.token]
	return ok && held.session == lease.session
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.leases) + p.creating
}

func (p *Pool) leaseLocked(s *Session) Lease {
	s.allocate()
	lease := newLease(s)
	p.leases[lease.token] = lease
	return lease
}

func (p *Pool) takeLeaseLocked(lease Lease) (*Session, bool) {
	if !lease.Valid() {
		return nil, false
	}

	held, ok := p.leases[lease.token]
	if !ok || held.session != lease.session {
		return nil, false
	}
	delete(p.leases, lease.token)

	return held.session, true
}

// putLocked hands an idle session to the longest waiting checkout, or adds
// it to the idle set.
func (p *Pool) putLocked(s *Session) {
	if ch := p.popWaiterLocked(); ch != nil {
		ch <- grant{lease: p.leaseLocked(s)}
		return
	}
	p.idle = append(p.idle, s)
}

// grantSlotLocked gives a freed slot to the longest waiting checkout.
func (p *Pool) grantSlotLocked() {
	if ch := p.popWaiterLocked(); ch != nil {
		p.creating++
		ch <- grant{}
	}
}

func (p *Pool) popWaiterLocked() chan grant {
	if len(p.waiters) == 0 {
		return nil
	}
	ch := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return ch
}

func (p *Pool) removeWaiterLocked(ch chan grant) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// passOn returns a grant that arrived after its waiter gave up.
func (p *Pool) passOn(g grant) {
	if g.lease.Valid() {
		p.giveBack(g.lease, false)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.creating--
	if !p.closed {
		p.grantSlotLocked()
	}
	p.signalLocked()
}

func (p *Pool) destroyLocked(s *Session) {
	s.terminate()
	p.destroying++

	go func() {
		if err := p.factory.DestroyObject(context.Background(), s.object); err != nil {
			p.logger.Warn("failed to close browser session", zap.Int("session", s.ID()), zap.Error(err))
		}

		p.mu.Lock()
		p.destroying--
		p.signalLocked()
		p.mu.Unlock()
	}()
}

func (p *Pool) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) waitFor(ctx context.Context, cond func() bool) error {
	for {
		p.mu.Lock()
		if cond() {
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reap discards leases held longer than maxAge.
func (p *Pool) reap(maxAge time.Duration) {
	defer close(p.reaperDone)

	interval := maxAge / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closing:
			return
		case now := <-ticker.C:
			p.mu.Lock()
			reaped := false
			for token, lease := range p.leases {
				if now.Sub(lease.issuedAt) < maxAge {
					continue
				}
				delete(p.leases, token)
				reaped = true
				p.discarded++
				p.destroyLocked(lease.session)
				if !p.closed {
					p.grantSlotLocked()
				}
				p.logger.Warn("discarding expired browser lease",
					zap.Int("session", lease.SessionID()),
					zap.Duration("held", now.Sub(lease.issuedAt)))
			}
			if reaped {
				p.signalLocked()
			}
			p.mu.Unlock()
		}
	}
}
