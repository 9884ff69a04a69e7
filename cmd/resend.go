package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/deliver"
	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/results"
)

// newResendCmd creates the 'resend' subcommand, which replays candidate
// lists that never reached the collector.
func newResendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend",
		Short: "Re-delivers failed collector deliveries from the audit store",
		Long: `Reads tasks whose candidates were never accepted by the collector
from the audit database and posts them again. Successfully delivered
tasks are marked so they are not replayed twice.`,
		RunE: runResendCommand,
	}
}

func runResendCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for resend")
	}
	store, err := results.NewPGStore(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("init audit store: %w", err)
	}
	defer store.Close()

	deliverer := deliver.New(deliverConfig(cfg), logger.Named("deliver"))

	records, err := store.FailedCollectorDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("list failed deliveries: %w", err)
	}
	logger.Info("replaying failed collector deliveries", zap.Int("tasks", len(records)))

	resent := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}

		var merged []detect.MergedCandidate
		if err := json.Unmarshal(rec.Candidates, &merged); err != nil {
			logger.Warn("skipping task with unreadable candidates",
				zap.String("task_id", rec.TaskID), zap.Error(err))
			continue
		}

		receipt := &detect.DeliveryReceipt{}
		deliverer.DeliverCandidates(ctx, rec.TaskID, merged, receipt)
		if !receipt.CollectorDelivered {
			logger.Warn("collector still rejecting task",
				zap.String("task_id", rec.TaskID),
				zap.String("error", receipt.CollectorError),
			)
			continue
		}

		if err := store.MarkCollectorDelivered(ctx, rec.TaskID); err != nil {
			logger.Warn("mark delivered failed", zap.String("task_id", rec.TaskID), zap.Error(err))
			continue
		}
		resent++
	}

	counts, err := store.CountByOutcome(ctx)
	if err != nil {
		logger.Warn("outcome summary unavailable", zap.Error(err))
	} else {
		logger.Info("task outcome summary",
			zap.Int("completed", counts["completed"]),
			zap.Int("timeout", counts["timeout"]),
			zap.Int("exception", counts["exception"]),
		)
	}

	logger.Info("resend finished", zap.Int("resent", resent), zap.Int("total", len(records)))
	return nil
}
