// Package worker implements the per-task pipeline: decode, execute under
// the deadline, deliver results, and record the audit trail.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/consumer"
	"github.com/ssoscout/loginscout/internal/deliver"
	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/executor"
	"github.com/ssoscout/loginscout/internal/metrics"
	"github.com/ssoscout/loginscout/internal/reconcile"
	"github.com/ssoscout/loginscout/internal/results"
)

// SystemClock is the production clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Worker processes one task end to end. Handle is the consumer handler:
// its nil return is what allows the queue message to be acknowledged.
type Worker struct {
	analysis  string
	executor  *executor.Executor
	deliverer *deliver.Deliverer
	store     results.Store
	clock     detect.Clock
	logger    *zap.Logger
}

// New builds a Worker.
func New(
	analysis string,
	exec *executor.Executor,
	deliverer *deliver.Deliverer,
	store results.Store,
	clock detect.Clock,
	logger *zap.Logger,
) *Worker {
	if store == nil {
		store = results.NoopStore{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Worker{
		analysis:  analysis,
		executor:  exec,
		deliverer: deliverer,
		store:     store,
		clock:     clock,
		logger:    logger,
	}
}

// Handle runs the pipeline for one queue message. Only an undecodable
// message or an interrupted callback comes back as an error; analysis
// failures and timeouts are reported as results and acknowledged.
func (w *Worker) Handle(ctx context.Context, msg consumer.Message) error {
	start := w.clock.Now()

	task, err := detect.DecodeTask(w.analysis, msg.Body)
	if err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	if task.TaskConfig.TaskID == "" {
		task.TaskConfig.TaskID = uuid.NewString()
	}
	if task.TaskConfig.ReplyTo == "" {
		task.TaskConfig.ReplyTo = msg.ReplyTo
	}
	task.TaskConfig.State = detect.TaskStateReceived
	task.TaskConfig.TimestampReceived = unixSeconds(start)

	logger := w.logger.With(
		zap.String("task_id", task.TaskConfig.TaskID),
		zap.String("domain", task.Domain),
	)
	logger.Info("task received")

	metrics.AnalysisStarted()
	result := w.executor.Execute(ctx, task)
	metrics.AnalysisFinished()
	task.Result = result

	for strategy, count := range countByStrategy(result.Candidates) {
		metrics.ObserveCandidates(strategy, count)
	}

	receipt := &detect.DeliveryReceipt{}
	merged := reconcile.Merge(result.Candidates, task.ScanDomain())
	if result.Exception != "" {
		logger.Warn("analysis ended with exception",
			zap.String("exception", result.Exception))
	}
	// The collector receives every finished task, hits or not.
	w.deliverer.DeliverCandidates(ctx, task.TaskConfig.TaskID, merged, receipt)
	result.Delivery = receipt

	task.TaskConfig.State = detect.TaskStateResponseSent
	task.TaskConfig.TimestampResponseSent = unixSeconds(w.clock.Now())

	if err := w.deliverer.DeliverCallback(ctx, task, receipt); err != nil {
		return fmt.Errorf("task %s: %w", task.TaskConfig.TaskID, err)
	}

	w.record(ctx, task, merged, receipt)

	outcome := results.Record{Exception: result.Exception}.Outcome()
	metrics.ObserveTask(outcome, w.clock.Now().Sub(start))
	logger.Info("task finished",
		zap.String("outcome", outcome),
		zap.Int("candidates", len(merged)),
		zap.Int("callback_attempts", receipt.CallbackAttempts),
	)
	return nil
}

func (w *Worker) record(ctx context.Context, task *detect.Task, merged []detect.MergedCandidate, receipt *detect.DeliveryReceipt) {
	candidates, err := json.Marshal(merged)
	if err != nil {
		w.logger.Warn("marshal merged candidates for audit", zap.Error(err))
		candidates = nil
	}
	rec := results.Record{
		TaskID:             task.TaskConfig.TaskID,
		Analysis:           task.Analysis,
		Domain:             task.Domain,
		State:              task.TaskConfig.State,
		Exception:          task.Result.Exception,
		CandidateCount:     len(merged),
		CollectorDelivered: receipt.CollectorDelivered,
		CallbackDelivered:  receipt.CallbackDelivered,
		CallbackAttempts:   receipt.CallbackAttempts,
		Candidates:         candidates,
		FinishedAt:         w.clock.Now(),
	}
	// The audit row is best effort; a database hiccup must not fail an
	// already delivered task.
	if err := w.store.SaveResult(ctx, rec); err != nil {
		w.logger.Warn("save task audit record", zap.String("task_id", rec.TaskID), zap.Error(err))
	}
}

func countByStrategy(candidates []detect.Candidate) map[string]int {
	counts := make(map[string]int)
	for _, c := range candidates {
		counts[string(c.Strategy)]++
	}
	return counts
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
