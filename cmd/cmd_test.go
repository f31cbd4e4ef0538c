package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/eskriett/browserpool"
	"github.com/eskriett/browserpool/driver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// page is a driver serving a fixed document per URL.
type page struct {
	mu     sync.Mutex
	url    string
	closed bool
	ua     string
}

func (p *page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if strings.Contains(url, "unreachable") {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	p.url = url
	return nil
}

func (p *page) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return "<html><head><title> " + p.url + " </title></head></html>", nil
}

func (p *page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *page) Evaluate(context.Context, string) error { return nil }

func (p *page) Satisfied(context.Context, string) (bool, error) { return true, nil }

func (p *page) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (p *page) SetUserAgent(_ context.Context, ua string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ua = ua
	return nil
}

func (p *page) SetCookies(context.Context, string, map[string]string) error { return nil }

func (p *page) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return driver.ErrClosed
	}
	return nil
}

func (p *page) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type pages struct {
	mu       sync.Mutex
	launched []*page
}

func (ps *pages) launch(context.Context, driver.Options) (driver.Driver, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p := &page{}
	ps.launched = append(ps.launched, p)
	return p, nil
}

func run(t *testing.T, args ...string) (string, *pages, error) {
	t.Helper()

	// Run outside the package directory so no browserpool.yaml is picked up.
	wd, wdErr := os.Getwd()
	require.NoError(t, wdErr)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	ps := &pages{}
	a := &app{
		logger:      zaptest.NewLogger(t),
		poolOptions: []browserpool.Option{browserpool.WithLauncher(ps.launch)},
	}

	var out bytes.Buffer
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), ps, err
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "browserpool dev\n", out)
}

func TestFetch(t *testing.T) {
	dir := t.TempDir()

	out, ps, err := run(t, "fetch",
		"--concurrency", "2",
		"--screenshot",
		"--user-agent", "browserpool-test",
		"--output", dir,
		"https://example.com/a", "https://example.com/b", "https://example.com/c")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	for i, u := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		assert.True(t, strings.HasPrefix(lines[i], u+"\t"+u+"\t"), lines[i])
	}

	ps.mu.Lock()
	launched := ps.launched
	ps.mu.Unlock()
	assert.LessOrEqual(t, len(launched), 2)
	for _, p := range launched {
		p.mu.Lock()
		assert.True(t, p.closed)
		assert.Equal(t, "browserpool-test", p.ua)
		p.mu.Unlock()
	}

	html, err := os.ReadFile(filepath.Join(dir, "1.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "https://example.com/b")

	png, err := os.ReadFile(filepath.Join(dir, "2.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(png))
}

func TestFetchReportsFailures(t *testing.T) {
	out, _, err := run(t, "fetch", "https://example.com/", "https://unreachable.invalid/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 fetches failed")
	assert.Contains(t, out, "https://unreachable.invalid/\terror:")
	assert.Contains(t, out, "https://example.com/\thttps://example.com/\t")
}

func TestFetchRejectsInvalidConfig(t *testing.T) {
	_, ps, err := run(t, "fetch", "--browser", "lynx", "https://example.com/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lynx")
	assert.Empty(t, ps.launched)
}

func TestFetchRequiresURL(t *testing.T) {
	_, _, err := run(t, "fetch")
	assert.Error(t, err)
}
