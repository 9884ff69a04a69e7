// Package crawlflows turns the output of the external headless-browser
// crawler into login-page candidates.
package crawlflows

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// CrawlerConfig describes how to launch the external crawler process.
type CrawlerConfig struct {
	Command   string
	Args      []string
	OutputDir string
	RawDir    string
}

// ProcessCrawler launches the external crawler as a subprocess. The
// crawler writes filtered screenshots under OutputDir and raw flow logs
// under RawDir; this wrapper only supervises the process.
type ProcessCrawler struct {
	cfg    CrawlerConfig
	logger *zap.Logger
}

// NewProcessCrawler builds a ProcessCrawler.
func NewProcessCrawler(cfg CrawlerConfig, logger *zap.Logger) *ProcessCrawler {
	return &ProcessCrawler{cfg: cfg, logger: logger}
}

// Run executes the crawler for one domain and blocks until it exits. The
// subprocess inherits the context, so cancellation kills it. Occurrences
// of {domain}, {output_dir} and {raw_dir} in the configured args are
// substituted before launch.
func (p *ProcessCrawler) Run(ctx context.Context, domain string) (string, string, error) {
	if p.cfg.Command == "" {
		return "", "", fmt.Errorf("crawler command not configured")
	}

	args := make([]string, 0, len(p.cfg.Args))
	for _, arg := range p.cfg.Args {
		arg = strings.ReplaceAll(arg, "{domain}", domain)
		arg = strings.ReplaceAll(arg, "{output_dir}", p.cfg.OutputDir)
		arg = strings.ReplaceAll(arg, "{raw_dir}", p.cfg.RawDir)
		args = append(args, arg)
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", fmt.Errorf("crawler stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", "", fmt.Errorf("crawler stderr pipe: %w", err)
	}

	p.logger.Info("starting external crawler",
		zap.String("command", p.cfg.Command),
		zap.Strings("args", args),
		zap.String("domain", domain),
	)
	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("start crawler: %w", err)
	}

	done := make(chan struct{}, 2)
	stream := func(name string, r io.Reader) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.logger.Info("crawler output",
				zap.String("stream", name),
				zap.String("line", scanner.Text()),
			)
		}
		done <- struct{}{}
	}
	go stream("stdout", stdout)
	go stream("stderr", stderr)
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		return "", "", fmt.Errorf("crawler for %s: %w", domain, err)
	}
	return p.cfg.OutputDir, p.cfg.RawDir, nil
}
