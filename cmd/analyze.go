package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/analysis"
	"github.com/ssoscout/loginscout/internal/classifier"
	"github.com/ssoscout/loginscout/internal/config"
	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/fetch"
	"github.com/ssoscout/loginscout/internal/screenshot"
	"github.com/ssoscout/loginscout/internal/storage"
	"github.com/ssoscout/loginscout/internal/strategy/crawlflows"
	"github.com/ssoscout/loginscout/internal/strategy/metasearch"
	"github.com/ssoscout/loginscout/internal/strategy/robots"
	"github.com/ssoscout/loginscout/internal/strategy/sitemap"
)

var (
	analyzeAnalysis string
	analyzeDomain   string
)

// newAnalyzeCmd creates the 'analyze' subcommand. The worker spawns it
// as a child process per task: the task document arrives on stdin, the
// result document leaves on stdout, and logs go to stderr. Killing the
// child is how the worker enforces the task deadline. With --domain it
// runs standalone against a default strategy configuration instead of
// reading a task document.
func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "analyze",
		Short:  "Runs one analysis for a task document read from stdin",
		Hidden: true,
		RunE:   runAnalyzeCommand,
	}
	cmd.Flags().StringVar(&analyzeAnalysis, "analysis", "", "analysis name of the task document")
	cmd.Flags().StringVar(&analyzeDomain, "domain", "", "analyze a single domain with default settings instead of reading stdin")
	return cmd
}

func runAnalyzeCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name := analyzeAnalysis
	if name == "" {
		name = cfg.Broker.AnalysisName()
	}

	var task *detect.Task
	if analyzeDomain != "" {
		task = &detect.Task{
			Analysis: name,
			Domain:   analyzeDomain,
			Config:   defaultAnalysisConfig(),
		}
	} else {
		body, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read task from stdin: %w", err)
		}
		task, err = detect.DecodeTask(name, body)
		if err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
	}

	runner, closeRunner, err := buildAnalysisRunner(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRunner()

	result := runner.Run(ctx, task)
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// defaultAnalysisConfig backs standalone --domain runs, which arrive
// without a task document to configure the strategies.
func defaultAnalysisConfig() detect.AnalysisConfig {
	return detect.AnalysisConfig{
		LoginPage: detect.LoginPageConfig{
			URLRules: []detect.PriorityRule{
				{Regex: `(?i)log[_-]?in`, Score: 10},
				{Regex: `(?i)sign[_-]?in`, Score: 10},
				{Regex: `(?i)sso`, Score: 8},
				{Regex: `(?i)auth`, Score: 5},
				{Regex: `(?i)account`, Score: 3},
			},
			Robots: detect.RobotsStrategyConfig{
				MaxCandidates:      5,
				TimeoutFetchRobots: 15,
			},
			Sitemap: detect.SitemapStrategyConfig{
				MaxCandidates:       5,
				MaxRecursionLevel:   2,
				MaxSitemapSize:      16 << 20,
				TimeoutFetchSitemap: 15,
			},
			Metasearch: detect.MetasearchStrategyConfig{
				SearchEngines:       []string{"google", "bing", "duckduckgo"},
				SearchTerm:          "%s login",
				SearchResultsNumber: 10,
			},
		},
	}
}

// buildAnalysisRunner wires the discovery pipeline for one in-process
// analysis: fetcher, browser, oracle, artifact store and the four
// strategies in their fixed execution order.
func buildAnalysisRunner(ctx context.Context, cfg config.Config, logger *zap.Logger) (*analysis.Runner, func(), error) {
	fetcher := fetch.New(fetch.Config{UserAgent: cfg.Screenshot.UserAgent})

	capturer, err := screenshot.New(screenshot.Config{
		SpoolDir:       cfg.Screenshot.SpoolDir,
		UserAgent:      cfg.Screenshot.UserAgent,
		NavTimeout:     time.Duration(cfg.Screenshot.NavTimeoutSec) * time.Second,
		MaxParallel:    cfg.Screenshot.MaxParallel,
		FullPage:       cfg.Screenshot.FullPage,
		ViewportWidth:  cfg.Screenshot.ViewportWidth,
		ViewportHeight: cfg.Screenshot.ViewportHeight,
	}, logger.Named("screenshot"))
	if err != nil {
		return nil, nil, fmt.Errorf("init screenshot capturer: %w", err)
	}

	oracle, err := buildClassifier(cfg.Oracle, logger)
	if err != nil {
		capturer.Close()
		return nil, nil, err
	}

	store, closeStore, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		capturer.Close()
		return nil, nil, fmt.Errorf("init artifact store: %w", err)
	}
	recorder := analysis.NewRecorder(store, logger.Named("artifacts"))

	crawler := crawlflows.NewProcessCrawler(crawlflows.CrawlerConfig{
		Command:   cfg.Crawler.Command,
		Args:      cfg.Crawler.Args,
		OutputDir: cfg.Crawler.OutputDir,
		RawDir:    cfg.Crawler.RawDir,
	}, logger.Named("crawler"))

	strategies := []detect.Strategy{
		robots.New(fetcher, capturer, oracle, recorder, logger.Named("robots")),
		sitemap.New(fetcher, capturer, oracle, recorder, logger.Named("sitemap")),
		metasearch.New(metasearch.Config{
			BaseURL: cfg.Metasearch.BaseURL,
			Timeout: time.Duration(cfg.Metasearch.TimeoutSeconds) * time.Second,
		}, fetcher, capturer, oracle, logger.Named("metasearch")),
		crawlflows.New(crawler, logger.Named("crawling")),
	}

	runner := analysis.NewRunner(strategies, recorder, logger.Named("analysis"))
	closeFn := func() {
		capturer.Close()
		if err := closeStore(); err != nil {
			logger.Warn("close artifact store", zap.Error(err))
		}
	}
	return runner, closeFn, nil
}

func buildClassifier(cfg config.OracleConfig, logger *zap.Logger) (detect.Classifier, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Transport {
	case "socket":
		return classifier.NewSocketClient(classifier.SocketConfig{
			Addr:    cfg.SocketAddr,
			NoSave:  cfg.SocketNoSave,
			Timeout: timeout,
		}, logger.Named("oracle")), nil
	case "chat":
		return classifier.NewChatClient(classifier.ChatConfig{
			BaseURL:   cfg.ChatBaseURL,
			APIKey:    cfg.ChatAPIKey,
			Model:     cfg.ChatModel,
			MaxTokens: cfg.ChatMaxTokens,
			Timeout:   timeout,
		}, logger.Named("oracle")), nil
	default:
		return nil, fmt.Errorf("unknown oracle transport: %s", cfg.Transport)
	}
}
