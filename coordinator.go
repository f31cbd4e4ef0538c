package browserpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eskriett/browserpool/driver"
)

const (
	waitPollInterval = 100 * time.Millisecond
	pingTimeout      = 5 * time.Second
)

// Coordinator renders requests in pooled browsers and hands the lease to
// the caller along with the page.
type Coordinator struct {
	pool      *Pool
	limiter   *rate.Limiter
	userAgent string
	logger    *zap.Logger
}

type CoordinatorOption func(*Coordinator)

// WithRateLimit caps navigations per second across all sessions.
func WithRateLimit(perSecond float64, burst int) CoordinatorOption {
	return func(c *Coordinator) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithUserAgent sets the user agent for requests that carry none.
func WithUserAgent(ua string) CoordinatorOption {
	return func(c *Coordinator) {
		c.userAgent = ua
	}
}

func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func NewCoordinator(pool *Pool, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		pool:   pool,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("coordinator")

	return c
}

// Fetch checks out a session and renders req in it. On success the
// session stays leased to the caller through the response. On failure the
// session has already been released, or discarded if its browser broke.
func (c *Coordinator) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.URL == "" {
		return nil, errors.New("fetch: request has no url")
	}

	logger := c.logger.With(zap.String("request_id", uuid.NewString()), zap.String("url", req.URL))

	checkoutCtx := ctx
	if req.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		checkoutCtx, cancel = context.WithTimeout(ctx, req.CheckoutTimeout)
		defer cancel()
	}

	lease, err := c.pool.Checkout(checkoutCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	logger = logger.With(zap.Int("session", lease.SessionID()))
	logger.Debug("leased browser session")

	resp, err := c.render(ctx, lease, req, logger)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, c.abandon(lease, err, logger))
	}

	logger.Debug("rendered page", zap.String("final_url", resp.URL), zap.Int("bytes", len(resp.Body)))

	return resp, nil
}

func (c *Coordinator) render(ctx context.Context, lease Lease, req Request, logger *zap.Logger) (*Response, error) {
	d := lease.Session().Driver()

	ua := req.UserAgent
	if ua == "" {
		ua = c.userAgent
	}
	if ua != "" {
		if err := d.SetUserAgent(ctx, ua); err != nil {
			if errors.Is(err, driver.ErrClosed) {
				return nil, err
			}
			logger.Info("cannot set user agent", zap.Error(err))
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	if err := d.Navigate(ctx, req.URL); err != nil {
		return nil, err
	}

	if err := d.SetCookies(ctx, req.URL, req.Cookies); err != nil {
		return nil, err
	}

	if req.WaitUntil != "" {
		waitCtx, cancel := context.WithTimeout(ctx, req.waitTime())
		err := driver.Poll(waitCtx, waitPollInterval, func(ctx context.Context) (bool, error) {
			return d.Satisfied(ctx, req.WaitUntil)
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("wait until %q: %w", req.WaitUntil, err)
		}
	}

	if req.WaitSleep > 0 {
		t := time.NewTimer(req.WaitSleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	if req.Script != "" {
		if err := d.Evaluate(ctx, req.Script); err != nil {
			return nil, err
		}
	}

	var shot []byte
	if req.Screenshot {
		var err error
		if shot, err = d.Screenshot(ctx); err != nil {
			return nil, err
		}
	}

	current, err := d.URL(ctx)
	if err != nil {
		return nil, err
	}
	html, err := d.HTML(ctx)
	if err != nil {
		return nil, err
	}

	return &Response{
		URL:        current,
		Body:       []byte(html),
		Screenshot: shot,
		Request:    req,
		lease:      lease,
		pool:       c.pool,
	}, nil
}

// abandon gives the lease back after a failed render and returns the error
// to report. A session whose browser no longer answers is discarded.
func (c *Coordinator) abandon(lease Lease, cause error, logger *zap.Logger) error {
	broken := errors.Is(cause, driver.ErrClosed)
	if !broken {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		broken = lease.Session().Driver().Ping(ctx) != nil
		cancel()
	}

	if broken {
		if err := c.pool.Discard(lease); err != nil {
			logger.Warn("failed to discard browser session", zap.Error(err))
		}
		logger.Info("discarded broken browser session", zap.Error(cause))
		return &SessionBrokenError{SessionID: lease.SessionID(), Err: cause}
	}

	if err := c.pool.Release(lease); err != nil {
		logger.Warn("failed to release browser session", zap.Error(err))
	}
	logger.Debug("released browser session after failure", zap.Error(cause))

	return cause
}
