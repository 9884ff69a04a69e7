// Package deliver reports finished analyses: merged candidates go to the
// collector best effort, the full task document goes back to the
// requesting brain until it accepts it.
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/metrics"
)

// Config controls both delivery targets.
type Config struct {
	CollectorURL        string
	CollectorRetryDelay time.Duration
	CollectorTimeout    time.Duration

	BrainURL         string
	BrainUser        string
	BrainPassword    string
	CallbackInterval time.Duration
	CallbackTimeout  time.Duration
}

// Deliverer performs the two result deliveries. The collector POST is
// best effort with a single retry; the callback PUT retries until the
// brain answers 200 because an unacknowledged task would be redelivered
// and analyzed again.
type Deliverer struct {
	cfg             Config
	collectorClient *http.Client
	callbackClient  *http.Client
	logger          *zap.Logger
}

// New builds a Deliverer.
func New(cfg Config, logger *zap.Logger) *Deliverer {
	if cfg.CollectorRetryDelay == 0 {
		cfg.CollectorRetryDelay = 2 * time.Second
	}
	if cfg.CollectorTimeout == 0 {
		cfg.CollectorTimeout = 15 * time.Second
	}
	if cfg.CallbackInterval == 0 {
		cfg.CallbackInterval = 60 * time.Second
	}
	if cfg.CallbackTimeout == 0 {
		cfg.CallbackTimeout = 30 * time.Second
	}
	return &Deliverer{
		cfg:             cfg,
		collectorClient: &http.Client{Timeout: cfg.CollectorTimeout},
		callbackClient:  &http.Client{Timeout: cfg.CallbackTimeout},
		logger:          logger,
	}
}

// collectorPayload is the document posted to the collector.
type collectorPayload struct {
	TaskID     string                   `json:"task_id"`
	Candidates []detect.MergedCandidate `json:"candidates"`
}

// DeliverCandidates posts the merged candidate list to the collector and
// records the outcome on the receipt. The list is posted even when it is
// empty; the collector tracks finished scans, not just hits. One failure
// triggers one retry after a short delay; a second failure is annotated
// and accepted. The collector feeds downstream scanning, so losing one
// delivery must never block task completion.
func (d *Deliverer) DeliverCandidates(ctx context.Context, taskID string, merged []detect.MergedCandidate, receipt *detect.DeliveryReceipt) {
	if d.cfg.CollectorURL == "" {
		receipt.CollectorError = "collector url not configured"
		return
	}
	if merged == nil {
		merged = []detect.MergedCandidate{}
	}

	body, err := json.Marshal(collectorPayload{TaskID: taskID, Candidates: merged})
	if err != nil {
		receipt.CollectorError = fmt.Sprintf("marshal candidates: %v", err)
		return
	}

	op := func() error {
		status, err := d.send(ctx, d.collectorClient, http.MethodPost, d.cfg.CollectorURL, body, "", "")
		receipt.CollectorStatus = status
		if err != nil {
			metrics.ObserveDelivery("collector", "error")
			d.logger.Warn("collector delivery failed", zap.String("task_id", taskID), zap.Error(err))
			return err
		}
		if status != http.StatusOK && status != http.StatusCreated {
			metrics.ObserveDelivery("collector", "rejected")
			d.logger.Warn("collector rejected candidates",
				zap.String("task_id", taskID), zap.Int("status", status))
			return fmt.Errorf("collector status %d", status)
		}
		metrics.ObserveDelivery("collector", "ok")
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.CollectorRetryDelay), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		receipt.CollectorError = err.Error()
		return
	}
	receipt.CollectorDelivered = true
	d.logger.Info("candidates delivered",
		zap.String("task_id", taskID), zap.Int("count", len(merged)))
}

// DeliverCallback PUTs the full task document to the brain's reply
// endpoint and retries at a fixed interval until it answers 200 or the
// context ends. The document is re-encoded per attempt so the echoed
// receipt reflects the attempts made. A task without reply_to asked for
// no callback: the delivery is skipped and the task still completes.
func (d *Deliverer) DeliverCallback(ctx context.Context, task *detect.Task, receipt *detect.DeliveryReceipt) error {
	if task.TaskConfig.ReplyTo == "" {
		d.logger.Info("task has no reply_to, skipping callback",
			zap.String("task_id", task.TaskConfig.TaskID))
		return nil
	}
	endpoint := callbackURL(d.cfg.BrainURL, task.TaskConfig.ReplyTo)

	op := func() error {
		receipt.CallbackAttempts++
		body, err := detect.EncodeTask(task)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encode task: %w", err))
		}

		status, err := d.send(ctx, d.callbackClient, http.MethodPut, endpoint, body, d.cfg.BrainUser, d.cfg.BrainPassword)
		receipt.CallbackStatus = status
		if err != nil {
			metrics.ObserveDelivery("callback", "error")
			d.logger.Warn("callback delivery failed",
				zap.String("task_id", task.TaskConfig.TaskID),
				zap.Int("attempt", receipt.CallbackAttempts),
				zap.Error(err),
			)
			return err
		}
		if status != http.StatusOK {
			metrics.ObserveDelivery("callback", "rejected")
			d.logger.Warn("callback not accepted",
				zap.String("task_id", task.TaskConfig.TaskID),
				zap.Int("status", status),
				zap.Int("attempt", receipt.CallbackAttempts),
			)
			return fmt.Errorf("callback status %d", status)
		}
		metrics.ObserveDelivery("callback", "ok")
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(d.cfg.CallbackInterval), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	receipt.CallbackDelivered = true
	d.logger.Info("callback delivered",
		zap.String("task_id", task.TaskConfig.TaskID),
		zap.Int("attempts", receipt.CallbackAttempts),
	)
	return nil
}

func (d *Deliverer) send(ctx context.Context, client *http.Client, method, endpoint string, body []byte, user, password string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.SetBasicAuth(user, password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func callbackURL(base, replyTo string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(replyTo, "/") {
		replyTo = "/" + replyTo
	}
	return base + replyTo
}
