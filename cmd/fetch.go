package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eskriett/browserpool"
)

type fetchOptions struct {
	screenshot bool
	script     string
	waitUntil  string
	waitTime   time.Duration
	waitSleep  time.Duration
}

func newFetchCmd(a *app) *cobra.Command {
	var opts fetchOptions

	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Render pages and print their title and size",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fetch(cmd.Context(), cmd.OutOrStdout(), args, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.screenshot, "screenshot", false, "capture a screenshot of every page")
	flags.StringVar(&opts.script, "script", "", "JavaScript to run once the page is ready")
	flags.StringVar(&opts.waitUntil, "wait-until", "", "JavaScript expression to wait for")
	flags.DurationVar(&opts.waitTime, "wait-time", browserpool.DefaultWaitTime, "how long to wait for --wait-until")
	flags.DurationVar(&opts.waitSleep, "wait-sleep", 0, "fixed delay after waiting")

	flags.String("browser", "", "browser to use: chrome, chromium, firefox or webkit")
	flags.String("engine", "", "automation engine: cdp, rod, playwright or docker")
	flags.Bool("headless", true, "run browsers without a window")
	flags.Int("concurrency", 0, "number of pages rendered at once")
	flags.Float64("rate-limit", 0, "navigations per second, 0 for unlimited")
	flags.String("user-agent", "", "user agent to send")
	flags.StringP("output", "o", "", "directory to write <n>.html and <n>.png into")

	return cmd
}

type fetchResult struct {
	url   string
	title string
	size  int
	err   error
}

func (a *app) fetch(ctx context.Context, out io.Writer, urls []string, opts fetchOptions) error {
	cfg := a.cfg

	if cfg.Fetch.OutputDir != "" {
		if err := os.MkdirAll(cfg.Fetch.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	poolOptions := append([]browserpool.Option{browserpool.WithLogger(a.logger)}, a.poolOptions...)
	pool, err := browserpool.New(ctx, cfg.Browser(), poolOptions...)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Shutdown(context.Background()); err != nil {
			a.logger.Warn("failed to shut down browser pool", zap.Error(err))
		}
	}()

	coordinator := browserpool.NewCoordinator(pool,
		browserpool.WithRateLimit(cfg.Fetch.RateLimit, 1),
		browserpool.WithUserAgent(cfg.Fetch.UserAgent),
		browserpool.WithCoordinatorLogger(a.logger))

	results := make([]fetchResult, len(urls))

	var g errgroup.Group
	g.SetLimit(cfg.Fetch.ConcurrentRequests)

	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			results[i] = a.fetchOne(ctx, coordinator, i, browserpool.Request{
				URL:        u,
				WaitUntil:  opts.waitUntil,
				WaitTime:   opts.waitTime,
				WaitSleep:  opts.waitSleep,
				Script:     opts.script,
				Screenshot: opts.screenshot,
			})
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(out, "%s\terror: %v\n", r.url, r.err)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%d bytes\n", r.url, r.title, r.size)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d fetches failed", failed, len(urls))
	}
	return nil
}

func (a *app) fetchOne(ctx context.Context, c *browserpool.Coordinator, n int, req browserpool.Request) fetchResult {
	resp, err := c.Fetch(ctx, req)
	if err != nil {
		return fetchResult{url: req.URL, err: err}
	}
	defer func() {
		if err := resp.Release(); err != nil {
			a.logger.Warn("failed to release browser session", zap.Error(err))
		}
	}()

	result := fetchResult{url: resp.URL, size: len(resp.Body)}

	if doc, err := resp.Document(); err == nil {
		result.title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if dir := a.cfg.Fetch.OutputDir; dir != "" {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.html", n)), resp.Body, 0o644); err != nil {
			result.err = err
			return result
		}
		if resp.Screenshot != nil {
			if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.png", n)), resp.Screenshot, 0o644); err != nil {
				result.err = err
			}
		}
	}

	return result
}
