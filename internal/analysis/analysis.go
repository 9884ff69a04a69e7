// Package analysis runs the login-page discovery strategies for one task
// and assembles the result document.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
)

// Runner executes the configured strategies in a fixed order and
// concatenates their candidates. A failing strategy is logged and skipped
// so one broken discovery source never voids the whole analysis.
type Runner struct {
	strategies []detect.Strategy
	recorder   *Recorder
	logger     *zap.Logger
}

// NewRunner builds a Runner. The strategy slice fixes the execution and
// concatenation order.
func NewRunner(strategies []detect.Strategy, recorder *Recorder, logger *zap.Logger) *Runner {
	return &Runner{strategies: strategies, recorder: recorder, logger: logger}
}

// Run analyzes one task. The scheme-less task domain is resolved to its
// https URL; every strategy then works against that target.
func (r *Runner) Run(ctx context.Context, task *detect.Task) *detect.Result {
	result := &detect.Result{
		Resolved:   detect.Resolved{URL: "https://" + task.Domain, Domain: task.Domain},
		Candidates: []detect.Candidate{},
	}
	if r.recorder != nil {
		r.recorder.begin(result, task.Domain)
	}

	target := detect.Target{
		Domain:         task.Domain,
		ResolvedURL:    result.Resolved.URL,
		ResolvedDomain: task.Domain,
		Config:         task.Config,
	}

	enabled := enabledSet(task.Config.LoginPage.Strategies)
	for _, strategy := range r.strategies {
		name := strategy.Name()
		if _, ok := enabled[name]; len(enabled) > 0 && !ok {
			r.logger.Debug("strategy disabled for task",
				zap.String("strategy", string(name)), zap.String("domain", task.Domain))
			continue
		}

		r.logger.Info("running strategy",
			zap.String("strategy", string(name)), zap.String("domain", task.Domain))
		candidates, err := strategy.Discover(ctx, target)
		if err != nil {
			r.logger.Error("strategy failed",
				zap.String("strategy", string(name)),
				zap.String("domain", task.Domain),
				zap.Error(err),
			)
			continue
		}
		r.logger.Info("strategy finished",
			zap.String("strategy", string(name)),
			zap.String("domain", task.Domain),
			zap.Int("candidates", len(candidates)),
		)
		result.Candidates = append(result.Candidates, candidates...)
	}
	return result
}

func enabledSet(names []detect.StrategyName) map[detect.StrategyName]struct{} {
	set := make(map[detect.StrategyName]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Recorder attaches raw discovery artifacts to the result of the task
// currently under analysis and persists them through the artifact store.
// The worker analyzes one task at a time; the mutex only guards against
// concurrent strategy internals.
type Recorder struct {
	store  detect.ArtifactStore
	logger *zap.Logger

	mu     sync.Mutex
	result *detect.Result
	domain string
}

// NewRecorder builds a Recorder.
func NewRecorder(store detect.ArtifactStore, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) begin(result *detect.Result, domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
	r.domain = domain
}

// RecordRobots keeps the robots.txt body on the result and persists it.
func (r *Recorder) RecordRobots(ctx context.Context, robotsTxt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return
	}
	r.result.Robots = robotsTxt
	r.put(ctx, r.domain+"/robots.txt", "text/plain", []byte(robotsTxt))
}

// RecordSitemap keeps the full sitemap listing on the result and persists
// it as JSON.
func (r *Recorder) RecordSitemap(ctx context.Context, entries []detect.SitemapEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return
	}
	r.result.Sitemap = entries
	data, err := json.Marshal(entries)
	if err != nil {
		r.logger.Error("marshal sitemap artifact", zap.Error(err))
		return
	}
	r.put(ctx, r.domain+"/sitemap.json", "application/json", data)
}

func (r *Recorder) put(ctx context.Context, path, contentType string, data []byte) {
	if r.store == nil {
		return
	}
	uri, err := r.store.PutObject(ctx, path, contentType, bytes.NewReader(data))
	if err != nil {
		// Persistence is best effort; the artifact still rides on the result.
		r.logger.Warn("persist artifact failed", zap.String("path", path), zap.Error(err))
		return
	}
	r.logger.Info("artifact persisted", zap.String("uri", uri))
}
