package browserpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/eskriett/browserpool/driver"
)

type fakeDriver struct {
	mu sync.Mutex

	url       string
	html      string
	ua        string
	cookies   map[string]string
	visited   []string
	scripts   []string
	polls     int
	readyPoll int
	closed    bool
	broken    bool

	crashOnNavigate bool
	crashOnScript   bool

	navigateErr error
	scriptErr   error
}

var _ driver.Driver = (*fakeDriver)(nil)

func (d *fakeDriver) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed || d.broken {
		return driver.ErrClosed
	}
	return nil
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(ctx); err != nil {
		return err
	}
	if url != driver.BlankPage {
		if d.crashOnNavigate {
			d.broken = true
			return errors.New("net::ERR_CONNECTION_RESET")
		}
		if d.navigateErr != nil {
			return d.navigateErr
		}
	}
	d.url = url
	d.html = "<html><head><title>" + url + "</title></head><body></body></html>"
	d.visited = append(d.visited, url)
	return nil
}

func (d *fakeDriver) HTML(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(ctx); err != nil {
		return "", err
	}
	return d.html, nil
}

func (d *fakeDriver) URL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(ctx); err != nil {
		return "", err
	}
	return d.url, nil
}

func (d *fakeDriver) Evaluate(ctx context.Context, script string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(ctx); err != nil {
		return err
	}
	if d.scriptErr != nil {
		if d.crashOnScript {
			d.broken = true
		}
		return d.scriptErr
	}
	d.scripts = append(d.scripts, script)
	return nil
}

func (d *fakeDriver) Satisfied(ctx context.Context, _ string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(ctx); err != nil {
		return false, err
	}
	d.polls++
	return d.readyPoll > 0 && d.polls >= d.readyPoll, nil
}

func (d *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(ctx); err != nil {
		return nil, err
	}
	return []byte("png:" + d.url), nil
}

func (d *fakeDriver) SetUserAgent(ctx context.Context, ua string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(ctx); err != nil {
		return err
	}
	d.ua = ua
	return nil
}

func (d *fakeDriver) SetCookies(ctx context.Context, _ string, cookies map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(ctx); err != nil {
		return err
	}
	d.cookies = cookies
	return nil
}

func (d *fakeDriver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.check(ctx)
}

func (d *fakeDriver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return driver.ErrClosed
	}
	d.closed = true
	return nil
}

func (d *fakeDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDriver) breakConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broken = true
}

func (d *fakeDriver) history() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.visited...)
}

// fakeBrowsers launches fake drivers and remembers them.
type fakeBrowsers struct {
	mu       sync.Mutex
	launched []*fakeDriver
	fail     []error
	gate     chan struct{}
	opts     []driver.Options
}

func (b *fakeBrowsers) launch(ctx context.Context, opts driver.Options) (driver.Driver, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.opts = append(b.opts, opts)

	if len(b.fail) > 0 {
		err := b.fail[0]
		b.fail = b.fail[1:]
		if err != nil {
			return nil, err
		}
	}

	d := &fakeDriver{}
	b.launched = append(b.launched, d)
	return d, nil
}

func (b *fakeBrowsers) failNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = append(b.fail, errs...)
}

func (b *fakeBrowsers) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.launched)
}

func (b *fakeBrowsers) all() []*fakeDriver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeDriver(nil), b.launched...)
}

func testConfig(capacity int) Config {
	cfg := DefaultConfig()
	cfg.Pool.Capacity = capacity
	cfg.Pool.ShutdownGrace = 50 * time.Millisecond
	return cfg
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeBrowsers) {
	t.Helper()

	browsers := &fakeBrowsers{}
	p, err := New(context.Background(), cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithLauncher(browsers.launch))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, p.Shutdown(context.Background()))
	})

	return p, browsers
}

func fakeOf(l Lease) *fakeDriver {
	return l.Session().Driver().(*fakeDriver)
}

func waitForStats(t *testing.T, p *Pool, cond func(Stats) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(p.Stats()) }, 2*time.Second, time.Millisecond)
}

var errLaunch = errors.New("chrome not found")
