// Package cdp drives Chrome and Chromium over the DevTools protocol using
// chromedp.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/eskriett/browserpool/driver"
)

// Driver is a single chromedp tab together with the allocator that owns
// the browser behind it.
type Driver struct {
	logger *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

var _ driver.Driver = (*Driver)(nil)

// Launch starts a local browser, or attaches to opts.RemoteURL when set.
func Launch(ctx context.Context, opts driver.Options) (driver.Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if opts.RemoteURL != "" {
		return Dial(ctx, opts.RemoteURL, logger)
	}

	// The allocator outlives ctx, which only bounds the launch itself.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), ExecOptions(opts)...)

	return start(ctx, allocCtx, allocCancel, logger)
}

// Dial attaches to an already running browser through its DevTools
// websocket URL.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Driver, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), url)

	return start(ctx, allocCtx, allocCancel, logger.With(zap.String("devtools_url", url)))
}

func start(ctx context.Context, allocCtx context.Context, allocCancel context.CancelFunc, logger *zap.Logger) (*Driver, error) {
	tabCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))

	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx)
	stop()

	if err == nil && tabCtx.Err() != nil {
		err = tabCtx.Err()
	}
	if err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Driver{
		logger:      logger,
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
	}, nil
}

// ExecOptions builds the allocator options for a local launch.
func ExecOptions(opts driver.Options) []chromedp.ExecAllocatorOption {
	allocOpts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	}
	if opts.ExecutablePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecutablePath))
	}

	for name, value := range flags(opts) {
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}

	return allocOpts
}

// flags merges the baseline switches with the user supplied arguments.
// User arguments win.
func flags(opts driver.Options) map[string]interface{} {
	f := map[string]interface{}{
		"disable-gpu":                   true,
		"no-sandbox":                    true,
		"disable-dev-shm-usage":         true,
		"enable-automation":             true,
		"disable-background-networking": true,
	}
	if opts.Headless {
		f["headless"] = true
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
	}

	for _, arg := range driver.ParseArgs(opts.Args) {
		if arg.HasValue {
			f[arg.Name] = arg.Value
		} else {
			f[arg.Name] = true
		}
	}

	return f
}

// run executes actions on the tab, bounded by both ctx and the tab's own
// lifetime.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	if d.ctx.Err() != nil {
		return driver.ErrClosed
	}

	opCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		var dlCancel context.CancelFunc
		opCtx, dlCancel = context.WithDeadline(opCtx, deadline)
		defer dlCancel()
	}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if d.ctx.Err() != nil {
			return fmt.Errorf("%w: %v", driver.ErrClosed, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.logger.Debug("navigating", zap.String("url", url))

	if err := d.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (d *Driver) HTML(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (d *Driver) URL(ctx context.Context) (string, error) {
	var location string
	if err := d.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

func (d *Driver) Evaluate(ctx context.Context, script string) error {
	if err := d.run(ctx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

func (d *Driver) Satisfied(ctx context.Context, predicate string) (bool, error) {
	var ok bool
	expr := "!!(" + strings.TrimRight(strings.TrimSpace(predicate), ";") + ")"
	if err := d.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return false, fmt.Errorf("evaluate predicate: %w", err)
	}
	return ok, nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (d *Driver) SetUserAgent(ctx context.Context, ua string) error {
	if err := d.run(ctx, emulation.SetUserAgentOverride(ua)); err != nil {
		return fmt.Errorf("override user agent: %w", err)
	}
	return nil
}

func (d *Driver) SetCookies(ctx context.Context, url string, cookies map[string]string) error {
	if len(cookies) == 0 {
		return nil
	}

	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]*network.CookieParam, 0, len(names))
	for _, name := range names {
		params = append(params, &network.CookieParam{Name: name, Value: cookies[name], URL: url})
	}

	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (d *Driver) Ping(ctx context.Context) error {
	var n int
	return d.run(ctx, chromedp.Evaluate("1", &n))
}

// Close shuts the browser down. For remote browsers only the tab is
// closed.
func (d *Driver) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(d.ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	d.cancel()
	d.allocCancel()

	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// The tab was already gone.
		return nil
	}
	return err
}
