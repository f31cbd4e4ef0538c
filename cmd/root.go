// Package cmd implements the browserpool command line tool.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eskriett/browserpool"
	"github.com/eskriett/browserpool/internal/config"
	"github.com/eskriett/browserpool/internal/logging"
)

// flagKeys maps command line flags onto configuration keys so that flags
// override the file and the environment.
var flagKeys = map[string]string{
	"browser":     "driver.name",
	"engine":      "driver.engine",
	"headless":    "driver.headless",
	"concurrency": "fetch.concurrent_requests",
	"rate-limit":  "fetch.rate_limit",
	"user-agent":  "fetch.user_agent",
	"output":      "fetch.output_dir",
}

type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger

	// poolOptions are appended to the pool's options.
	poolOptions []browserpool.Option
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "browserpool",
		Short:         "Render pages in a pool of browsers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./browserpool.yaml)")
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.AddCommand(newFetchCmd(a), newVersionCmd())

	return root
}

func (a *app) init(cmd *cobra.Command) error {
	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return err
	}

	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.logger == nil {
		logger, err := logging.NewStderr(cfg.Logger)
		if err != nil {
			return err
		}
		a.logger = logger
	}

	a.logger.Debug("loaded configuration",
		zap.String("config_file", v.ConfigFileUsed()),
		zap.String("browser", string(cfg.Driver.Name)),
		zap.String("engine", string(cfg.Driver.ResolvedEngine())),
		zap.Int("capacity", cfg.Pool.Capacity))

	return nil
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := NewRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
