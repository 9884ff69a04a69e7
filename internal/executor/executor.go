// Package executor runs one analysis under a hard deadline in a killable
// isolation boundary.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
)

// Runner executes one analysis and returns its result. Implementations
// must honor context cancellation: when the executor's deadline fires the
// work has to actually stop, not linger in the background.
type Runner interface {
	Execute(ctx context.Context, task *detect.Task) (*detect.Result, error)
}

// Executor enforces the per-task deadline around a Runner. On timeout the
// analysis output is discarded entirely and replaced with the timeout
// marker result; partial candidates from a half-finished run are never
// reported.
type Executor struct {
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
}

// New builds an Executor.
func New(runner Runner, timeout time.Duration, logger *zap.Logger) *Executor {
	return &Executor{runner: runner, timeout: timeout, logger: logger}
}

// Execute runs the task. It always produces a result: analysis failures
// and timeouts come back as exception results so the task can still be
// reported and acknowledged.
func (e *Executor) Execute(ctx context.Context, task *detect.Task) *detect.Result {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result *detect.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.runner.Execute(runCtx, task)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return e.timedOut(task)
			}
			e.logger.Error("analysis failed",
				zap.String("task_id", task.TaskConfig.TaskID),
				zap.String("domain", task.Domain),
				zap.Error(out.err),
			)
			return detect.ExceptionResult(out.err)
		}
		return out.result
	case <-runCtx.Done():
		// The runner did not come back in time. Wait for it to observe
		// the cancellation so a killed subprocess is reaped.
		<-done
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return e.timedOut(task)
		}
		return detect.ExceptionResult(runCtx.Err())
	}
}

func (e *Executor) timedOut(task *detect.Task) *detect.Result {
	e.logger.Error("analysis hit hard deadline",
		zap.String("task_id", task.TaskConfig.TaskID),
		zap.String("domain", task.Domain),
		zap.Duration("timeout", e.timeout),
	)
	return detect.TimeoutResult()
}

// ProcessRunner executes the analysis in a child process running this
// same binary's analyze subcommand. The task document goes in on stdin,
// the result document comes back on stdout, and stderr is streamed into
// the worker log. Killing the child on deadline is what makes the
// timeout a real bound instead of a suggestion.
type ProcessRunner struct {
	binary     string
	configPath string
	logger     *zap.Logger
}

// NewProcessRunner builds a ProcessRunner for the current executable.
func NewProcessRunner(configPath string, logger *zap.Logger) (*ProcessRunner, error) {
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ProcessRunner{binary: binary, configPath: configPath, logger: logger}, nil
}

// Execute runs one analysis subprocess and decodes its result.
func (p *ProcessRunner) Execute(ctx context.Context, task *detect.Task) (*detect.Result, error) {
	payload, err := detect.EncodeTask(task)
	if err != nil {
		return nil, fmt.Errorf("encode task for subprocess: %w", err)
	}

	args := []string{"analyze", "--analysis", task.Analysis}
	if p.configPath != "" {
		args = append(args, "--config", p.configPath)
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess stderr pipe: %w", err)
	}

	p.logger.Info("starting analysis subprocess",
		zap.String("task_id", task.TaskConfig.TaskID),
		zap.String("domain", task.Domain),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start analysis subprocess: %w", err)
	}

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info("analysis subprocess",
			zap.String("task_id", task.TaskConfig.TaskID),
			zap.String("line", scanner.Text()),
		)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("analysis subprocess: %w", err)
	}

	var result detect.Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decode subprocess result: %w", err)
	}
	return &result, nil
}
