package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/consumer"
	"github.com/ssoscout/loginscout/internal/deliver"
	"github.com/ssoscout/loginscout/internal/executor"
	"github.com/ssoscout/loginscout/internal/metrics"
	"github.com/ssoscout/loginscout/internal/ops"
	"github.com/ssoscout/loginscout/internal/results"
	"github.com/ssoscout/loginscout/internal/worker"
)

// newWorkerCmd creates the 'worker' subcommand, the long-running queue
// consumer.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Starts the task queue consumer",
		Long: `Connects to the broker, subscribes to the analysis task queue and
processes one task at a time. Each analysis runs in a killable child
process under the configured hard deadline.`,
		RunE: runWorkerCommand,
	}
}

func runWorkerCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	var store results.Store = results.NoopStore{}
	if cfg.DB.DSN != "" {
		pg, err := results.NewPGStore(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("init audit store: %w", err)
		}
		store = pg
	} else {
		logger.Info("task audit store disabled, db.dsn not set")
	}
	defer store.Close()

	runner, err := executor.NewProcessRunner(cfgFile, logger.Named("analysis"))
	if err != nil {
		return fmt.Errorf("init process runner: %w", err)
	}
	exec := executor.New(runner, cfg.Executor.TaskTimeout(), logger.Named("executor"))
	deliverer := deliver.New(deliverConfig(cfg), logger.Named("deliver"))
	w := worker.New(cfg.Broker.AnalysisName(), exec, deliverer, store, nil, logger.Named("worker"))

	opsServer := ops.New(cfg.Ops.Port, logger.Named("ops"))
	go func() {
		if err := opsServer.Run(ctx); err != nil {
			logger.Error("ops server failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("worker starting",
		zap.String("queue", cfg.Broker.Queue),
		zap.String("analysis", cfg.Broker.AnalysisName()),
		zap.Duration("task_timeout", cfg.Executor.TaskTimeout()),
	)

	if err := consumer.New(cfg.Broker, w.Handle, logger.Named("consumer")).Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown complete")
			return nil
		}
		return fmt.Errorf("consume tasks: %w", err)
	}
	return nil
}
