// Package cmd defines the CLI commands for the loginscout executable.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/config"
	"github.com/ssoscout/loginscout/internal/deliver"
	"github.com/ssoscout/loginscout/internal/logging"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loginscout",
		Short: "Login-page discovery worker",
		Long: `loginscout consumes domain analysis tasks from a durable queue,
discovers login pages through robots.txt, sitemaps, metasearch and an
external crawler, and reports confirmed candidates back to the
requesting service.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newResendCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loginscout: %v\n", err)
		os.Exit(1)
	}
}

// loadRuntime loads configuration and builds the process logger. The
// logger always writes to stderr, which keeps stdout free for the
// analyze subcommand's result document.
func loadRuntime() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func deliverConfig(cfg config.Config) deliver.Config {
	return deliver.Config{
		CollectorURL:        cfg.Collector.URL,
		CollectorRetryDelay: time.Duration(cfg.Collector.RetryDelayMs) * time.Millisecond,
		CollectorTimeout:    time.Duration(cfg.Collector.TimeoutSeconds) * time.Second,
		BrainURL:            cfg.Brain.URL,
		BrainUser:           cfg.Brain.User,
		BrainPassword:       cfg.Brain.Password,
		CallbackInterval:    time.Duration(cfg.Brain.RetrySeconds) * time.Second,
		CallbackTimeout:     time.Duration(cfg.Brain.TimeoutSecond) * time.Second,
	}
}
