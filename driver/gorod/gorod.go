// Package gorod drives Chrome and Chromium through go-rod.
package gorod

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/eskriett/browserpool/driver"
)

type Driver struct {
	logger  *zap.Logger
	browser *rod.Browser
	page    *rod.Page

	// launcher is nil for remote browsers.
	launcher *launcher.Launcher
}

var _ driver.Driver = (*Driver)(nil)

// Launch starts a local browser, or connects to opts.RemoteURL when set.
func Launch(ctx context.Context, opts driver.Options) (driver.Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Driver{logger: logger}

	controlURL := opts.RemoteURL
	if controlURL == "" {
		d.launcher = newLauncher(opts)

		u, err := d.launcher.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	d.browser = rod.New().ControlURL(controlURL)
	if err := d.browser.Connect(); err != nil {
		d.kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := d.openPage(opts.Stealth)
	if err != nil {
		_ = d.browser.Close()
		d.kill()
		return nil, fmt.Errorf("open page: %w", err)
	}
	d.page = page

	if err := ctx.Err(); err != nil {
		_ = d.Close(context.Background())
		return nil, err
	}

	logger.Debug("rod browser connected", zap.String("control_url", controlURL), zap.Bool("stealth", opts.Stealth))

	return d, nil
}

func newLauncher(opts driver.Options) *launcher.Launcher {
	l := launcher.New().Headless(opts.Headless)
	if opts.ExecutablePath != "" {
		l = l.Bin(opts.ExecutablePath)
	}

	l = l.
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox")

	for _, arg := range driver.ParseArgs(opts.Args) {
		if arg.HasValue {
			l = l.Set(flags.Flag(arg.Name), arg.Value)
		} else {
			l = l.Set(flags.Flag(arg.Name))
		}
	}

	return l
}

func (d *Driver) openPage(withStealth bool) (*rod.Page, error) {
	if withStealth {
		return stealth.Page(d.browser)
	}
	return d.browser.Page(proto.TargetCreateTarget{URL: driver.BlankPage})
}

func (d *Driver) kill() {
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
	}
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.logger.Debug("navigating", zap.String("url", url))

	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait for load of %s: %w", url, err)
	}
	return nil
}

func (d *Driver) HTML(ctx context.Context) (string, error) {
	html, err := d.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (d *Driver) URL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return info.URL, nil
}

func (d *Driver) Evaluate(ctx context.Context, script string) error {
	_, err := d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: "() => {\n" + script + "\n}",
	})
	if err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

func (d *Driver) Satisfied(ctx context.Context, predicate string) (bool, error) {
	res, err := d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      "() => !!(" + strings.TrimRight(strings.TrimSpace(predicate), ";") + ")",
		ByValue: true,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate predicate: %w", err)
	}
	return res.Value.Bool(), nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	buf, err := d.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (d *Driver) SetUserAgent(ctx context.Context, ua string) error {
	if err := d.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
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

	params := make([]*proto.NetworkCookieParam, 0, len(names))
	for _, name := range names {
		params = append(params, &proto.NetworkCookieParam{Name: name, Value: cookies[name], URL: url})
	}

	if err := d.page.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.browser.Context(ctx).Pages(); err != nil {
		return fmt.Errorf("%w: %v", driver.ErrClosed, err)
	}
	return nil
}

// Close closes the browser. Remote browsers only lose the page this
// driver opened.
func (d *Driver) Close(ctx context.Context) error {
	if d.launcher == nil {
		return d.page.Context(ctx).Close()
	}

	err := d.browser.Context(ctx).Close()
	d.kill()
	return err
}
