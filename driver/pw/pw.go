// Package pw drives Chromium, Firefox and WebKit through playwright-go.
package pw

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/eskriett/browserpool/driver"
)

// Runtime owns the playwright driver process shared by every browser it
// launches. It is started on first use.
type Runtime struct {
	logger *zap.Logger

	once sync.Once
	pw   *playwright.Playwright
	err  error
}

// NewRuntime returns a runtime that installs and starts playwright lazily.
func NewRuntime(logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{logger: logger.Named("playwright")}
}

func (r *Runtime) start(browser driver.Browser) error {
	r.once.Do(func() {
		opts := &playwright.RunOptions{
			Browsers: []string{installName(browser)},
			Verbose:  false,
			Stdout:   io.Discard,
			Stderr:   io.Discard,
		}

		r.logger.Info("installing playwright browsers", zap.String("browser", string(browser)))
		if err := playwright.Install(opts); err != nil {
			r.err = fmt.Errorf("install playwright: %w", err)
			return
		}

		pw, err := playwright.Run(opts)
		if err != nil {
			r.err = fmt.Errorf("start playwright: %w", err)
			return
		}
		r.pw = pw
	})
	return r.err
}

// Stop shuts the playwright driver down. Browsers launched through it must
// be closed first.
func (r *Runtime) Stop() error {
	if r.pw == nil {
		return nil
	}
	if err := r.pw.Stop(); err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

func installName(b driver.Browser) string {
	if b == driver.Chrome {
		return string(driver.Chromium)
	}
	return string(b)
}

func (r *Runtime) browserType(b driver.Browser) (playwright.BrowserType, error) {
	switch b {
	case driver.Chrome, driver.Chromium:
		return r.pw.Chromium, nil
	case driver.Firefox:
		return r.pw.Firefox, nil
	case driver.WebKit:
		return r.pw.WebKit, nil
	default:
		return nil, fmt.Errorf("unsupported browser %q", b)
	}
}

// Launch is a driver.Launcher.
func (r *Runtime) Launch(ctx context.Context, opts driver.Options) (driver.Driver, error) {
	if err := r.start(opts.Browser); err != nil {
		return nil, err
	}

	bt, err := r.browserType(opts.Browser)
	if err != nil {
		return nil, err
	}

	var browser playwright.Browser
	if opts.RemoteURL != "" {
		browser, err = bt.Connect(opts.RemoteURL)
	} else {
		browser, err = bt.Launch(launchOptions(ctx, opts))
	}
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", opts.Browser, err)
	}

	bctx, err := browser.NewContext()
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	r.logger.Debug("browser launched", zap.String("browser", string(opts.Browser)), zap.String("version", browser.Version()))

	return &Driver{
		logger:  r.logger,
		browser: browser,
		context: bctx,
		page:    page,
	}, nil
}

func launchOptions(ctx context.Context, opts driver.Options) playwright.BrowserTypeLaunchOptions {
	args := make([]string, 0, len(opts.Args))
	for _, a := range opts.Args {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}

	lo := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     args,
		Timeout:  timeout(ctx),
	}
	if opts.ExecutablePath != "" {
		lo.ExecutablePath = playwright.String(opts.ExecutablePath)
	}
	return lo
}

// timeout converts the ctx deadline into playwright's millisecond timeout.
// Nil leaves playwright's default in place.
func timeout(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

// Driver is one playwright page in its own browser.
type Driver struct {
	logger  *zap.Logger
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

var _ driver.Driver = (*Driver)(nil)

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.page.Goto(url, playwright.PageGotoOptions{Timeout: timeout(ctx)}); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (d *Driver) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := d.page.Content()
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (d *Driver) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.page.URL(), nil
}

func (d *Driver) Evaluate(ctx context.Context, script string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.page.Evaluate("() => {\n" + script + "\n}"); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

func (d *Driver) Satisfied(ctx context.Context, predicate string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	v, err := d.page.Evaluate("() => !!(" + strings.TrimRight(strings.TrimSpace(predicate), ";") + ")")
	if err != nil {
		return false, fmt.Errorf("evaluate predicate: %w", err)
	}
	ok, _ := v.(bool)
	return ok, nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := d.page.Screenshot(playwright.PageScreenshotOptions{Timeout: timeout(ctx)})
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (d *Driver) SetUserAgent(ctx context.Context, ua string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.page.SetExtraHTTPHeaders(map[string]string{"User-Agent": ua}); err != nil {
		return fmt.Errorf("override user agent: %w", err)
	}
	return nil
}

func (d *Driver) SetCookies(ctx context.Context, url string, cookies map[string]string) error {
	if len(cookies) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]playwright.OptionalCookie, 0, len(names))
	for _, name := range names {
		params = append(params, playwright.OptionalCookie{
			Name:  name,
			Value: cookies[name],
			URL:   playwright.String(url),
		})
	}

	if err := d.context.AddCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (d *Driver) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.browser.IsConnected() || d.page.IsClosed() {
		return driver.ErrClosed
	}
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	_ = d.context.Close()
	if err := d.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
