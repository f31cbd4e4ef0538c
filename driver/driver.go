// Package driver defines the browser-automation capability a pooled session
// exposes, independent of the engine that implements it.
package driver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BlankPage is loaded into a tab before it is handed to a new owner.
const BlankPage = "about:blank"

// ErrClosed is returned by drivers once Close has been called or the
// underlying browser connection is gone.
var ErrClosed = errors.New("driver: browser connection closed")

// Driver is one live browser tab owned exclusively by a single session.
// Implementations are not safe for concurrent use.
type Driver interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// HTML returns the current rendered document.
	HTML(ctx context.Context) (string, error)
	// URL returns the current document location.
	URL(ctx context.Context) (string, error)
	// Evaluate runs script in the page and discards its result.
	Evaluate(ctx context.Context, script string) error
	// Satisfied evaluates a JavaScript expression and reports its truthiness.
	Satisfied(ctx context.Context, predicate string) (bool, error)
	// Screenshot captures the visible viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	SetUserAgent(ctx context.Context, ua string) error
	SetCookies(ctx context.Context, url string, cookies map[string]string) error
	// Ping fails when the browser connection is no longer usable.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Launcher starts a new browser and returns a driver for its first tab.
type Launcher func(ctx context.Context, opts Options) (Driver, error)

// Browser names a browser product.
type Browser string

const (
	Chrome   Browser = "chrome"
	Chromium Browser = "chromium"
	Firefox  Browser = "firefox"
	WebKit   Browser = "webkit"
)

// Options describe how a single browser is launched or reached.
type Options struct {
	Browser Browser
	// ExecutablePath points at a local browser binary. Empty means the
	// engine looks one up on its own.
	ExecutablePath string
	// RemoteURL is a remote endpoint to connect to instead of launching.
	RemoteURL string
	Args      []string
	Headless  bool
	Stealth   bool
	Docker    DockerOptions
	Logger    *zap.Logger
}

// DockerOptions configure browsers that run inside a container.
type DockerOptions struct {
	Image          string
	SeccompProfile string
	PullTimeout    time.Duration
}

// Arg is a single parsed command-line switch.
type Arg struct {
	Name  string
	Value string
	// HasValue distinguishes "--flag" from "--flag=".
	HasValue bool
}

// ParseArgs turns "--name=value" and "--name" strings into Args. Blank
// entries are skipped.
func ParseArgs(args []string) []Arg {
	out := make([]Arg, 0, len(args))
	for _, raw := range args {
		raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
		if raw == "" {
			continue
		}
		name, value, found := strings.Cut(raw, "=")
		out = append(out, Arg{Name: name, Value: value, HasValue: found})
	}
	return out
}

// Poll calls cond every interval until it reports true, returns an error,
// or ctx ends.
func Poll(ctx context.Context, interval time.Duration, cond func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
