// Package screenshot captures page screenshots with headless Chrome.
package screenshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Config controls the chromedp capturer.
type Config struct {
	SpoolDir       string
	UserAgent      string
	NavTimeout     time.Duration
	MaxParallel    int
	FullPage       bool
	ViewportWidth  int
	ViewportHeight int
}

// Capturer renders pages in headless Chrome and writes PNG screenshots
// into a per-strategy spool directory.
type Capturer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	cfg             Config
	sem             chan struct{}
	logger          *zap.Logger
}

// New starts a shared browser process and returns a Capturer.
func New(cfg Config, logger *zap.Logger) (*Capturer, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavTimeout == 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = 800
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Capturer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		cfg:             cfg,
		sem:             make(chan struct{}, cfg.MaxParallel),
		logger:          logger,
	}, nil
}

// Close tears down the chromedp allocator and browser contexts.
func (c *Capturer) Close() {
	if c == nil {
		return
	}
	c.browserCancel()
	c.allocatorCancel()
}

// Capture navigates to the page, waits for it to settle, and writes a
// screenshot under SpoolDir/subdir. The returned path is absolute so it
// can be handed to the classification oracle as-is.
func (c *Capturer) Capture(ctx context.Context, pageURL string, subdir string) (string, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", fmt.Errorf("screenshot slot: %w", ctx.Err())
	}

	dir := filepath.Join(c.cfg.SpoolDir, subdir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.png", sanitizeURL(pageURL), uuid.NewString())
	path, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("resolve screenshot path: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(c.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, c.cfg.NavTimeout)
	defer cancelTask()

	stop := forwardCancel(ctx, cancelTask)
	defer stop()

	var shot []byte
	tasks := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(int64(c.cfg.ViewportWidth), int64(c.cfg.ViewportHeight), 1, false),
		chromedp.Navigate(pageURL),
		// Give late resources and redirects a moment to settle.
		chromedp.Sleep(2 * time.Second),
	}
	if c.cfg.FullPage {
		tasks = append(tasks, chromedp.FullScreenshot(&shot, 90))
	} else {
		tasks = append(tasks, chromedp.CaptureScreenshot(&shot))
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", fmt.Errorf("capture %s: %w", pageURL, err)
	}

	if err := os.WriteFile(path, shot, 0o600); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	c.logger.Debug("screenshot captured", zap.String("url", pageURL), zap.String("path", path))
	return path, nil
}

func sanitizeURL(raw string) string {
	return invalidFilenameChars.ReplaceAllString(raw, "_")
}

// forwardCancel propagates cancellation of the caller context into the
// chromedp task context without tying their lifetimes together.
func forwardCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
