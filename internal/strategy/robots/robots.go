// Package robots discovers login-page candidates from robots.txt
// Allow/Disallow directives.
package robots

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/fetch"
)

// Directive values recorded as candidate provenance.
const (
	DirectiveAllow    = "allow"
	DirectiveDisallow = "disallow"
)

// spoolSubdir is the screenshot spool subdirectory for this strategy.
const spoolSubdir = "robots"

// Strategy implements robots.txt based discovery.
type Strategy struct {
	fetcher   *fetch.Fetcher
	shots     detect.Screenshotter
	oracle    detect.Classifier
	artifacts detect.ArtifactRecorder
	logger    *zap.Logger
}

// New builds the robots strategy. The artifact recorder may be nil when
// robots.txt persistence is disabled.
func New(
	fetcher *fetch.Fetcher,
	shots detect.Screenshotter,
	oracle detect.Classifier,
	artifacts detect.ArtifactRecorder,
	logger *zap.Logger,
) *Strategy {
	return &Strategy{
		fetcher:   fetcher,
		shots:     shots,
		oracle:    oracle,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Name identifies the strategy on produced candidates.
func (s *Strategy) Name() detect.StrategyName { return detect.StrategyRobots }

// Discover fetches and parses robots.txt, scores each directive path
// against the configured rules, confirms surviving URLs through the
// oracle, and returns candidates sorted by descending priority capped at
// the configured maximum. A missing or non-conforming robots.txt yields
// an empty list, not an error.
func (s *Strategy) Discover(ctx context.Context, target detect.Target) ([]detect.Candidate, error) {
	parsed, err := url.Parse(target.ResolvedURL)
	if err != nil {
		return nil, fmt.Errorf("parse resolved url: %w", err)
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", parsed.Scheme, parsed.Host)
	cfg := target.Config.LoginPage

	s.logger.Info("requesting robots.txt", zap.String("url", robotsURL))
	timeout := time.Duration(cfg.Robots.TimeoutFetchRobots * float64(time.Second))
	resp, err := s.fetcher.Get(ctx, robotsURL, timeout)
	if err != nil {
		// Transient fetch trouble means this strategy simply
		// contributes nothing for the task.
		s.logger.Info("robots.txt fetch failed", zap.String("url", robotsURL), zap.Error(err))
		return nil, nil
	}

	// RFC 9309: the file MUST be served at /robots.txt as text/plain.
	if resp.StatusCode != 200 || !strings.Contains(resp.ContentType, "text/plain") {
		s.logger.Info("no usable robots.txt",
			zap.String("url", robotsURL),
			zap.Int("status", resp.StatusCode),
			zap.String("content_type", resp.ContentType),
		)
		return nil, nil
	}

	robotsTxt := string(resp.Body)
	if target.Config.Artifacts.StoreRobots && s.artifacts != nil {
		s.artifacts.RecordRobots(ctx, robotsTxt)
	}

	checked := make(map[string]struct{})
	var accepted []detect.Candidate
	for _, entry := range PathsFromRobotsTxt(robotsTxt) {
		priority := detect.PriorityOf(entry.Path, cfg.URLRules)
		if priority.Score <= 0 {
			continue
		}

		candidateURL := fmt.Sprintf("%s://%s%s", parsed.Scheme, parsed.Host, entry.Path)
		if _, dup := checked[candidateURL]; dup {
			continue
		}
		checked[candidateURL] = struct{}{}

		shot, err := s.shots.Capture(ctx, candidateURL, spoolSubdir)
		if err != nil {
			s.logger.Warn("screenshot failed, skipping candidate",
				zap.String("url", candidateURL), zap.Error(err))
			continue
		}
		verdict, err := s.oracle.Classify(ctx, shot)
		if err != nil {
			s.logger.Warn("classification failed, skipping candidate",
				zap.String("url", candidateURL), zap.Error(err))
			continue
		}
		if !verdict.LoginPresent {
			continue
		}

		normalized, err := detect.NormalizeURL(candidateURL)
		if err != nil {
			s.logger.Warn("normalize failed, skipping candidate",
				zap.String("url", candidateURL), zap.Error(err))
			continue
		}
		prio := priority
		accepted = append(accepted, detect.Candidate{
			URL:      normalized,
			Strategy: detect.StrategyRobots,
			Priority: &prio,
			Info:     &detect.RobotsInfo{Path: entry.Path, Directive: entry.Directive},
		})
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Priority.Score > accepted[j].Priority.Score
	})
	if max := cfg.Robots.MaxCandidates; max > 0 && len(accepted) > max {
		accepted = accepted[:max]
	}
	return accepted, nil
}

// PathEntry is one Allow/Disallow directive extracted from robots.txt.
type PathEntry struct {
	Directive string
	Path      string
}

// PathsFromRobotsTxt extracts Allow/Disallow paths from a robots.txt
// body. User-agent, Crawl-delay, Request-rate and Sitemap lines are
// ignored, as are comments and paths not starting with "/".
func PathsFromRobotsTxt(robotsTxt string) []PathEntry {
	var entries []PathEntry
	for _, line := range strings.Split(robotsTxt, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		directive := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		if unescaped, err := url.PathUnescape(value); err == nil {
			value = unescaped
		}
		switch directive {
		case DirectiveAllow, DirectiveDisallow:
			if strings.HasPrefix(value, "/") {
				entries = append(entries, PathEntry{Directive: directive, Path: value})
			}
		}
	}
	return entries
}

// SitemapsFromRobotsTxt extracts Sitemap directive URLs; the sitemap
// strategy seeds its tree walk with them.
func SitemapsFromRobotsTxt(robotsTxt string) []string {
	var sitemaps []string
	for _, line := range strings.Split(robotsTxt, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), "sitemap") {
			if v := strings.TrimSpace(parts[1]); v != "" {
				sitemaps = append(sitemaps, v)
			}
		}
	}
	return sitemaps
}
