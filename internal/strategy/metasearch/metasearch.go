// Package metasearch discovers login-page candidates through a SearXNG
// metasearch instance.
package metasearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/fetch"
)

const spoolSubdir = "metasearch"

// maxPages bounds pagination even when the engine keeps returning new
// results that never survive the domain filter.
const maxPages = 10

// Config points the strategy at a SearXNG instance.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Strategy implements metasearch based discovery.
type Strategy struct {
	cfg     Config
	fetcher *fetch.Fetcher
	shots   detect.Screenshotter
	oracle  detect.Classifier
	logger  *zap.Logger
}

// New builds the metasearch strategy.
func New(cfg Config, fetcher *fetch.Fetcher, shots detect.Screenshotter, oracle detect.Classifier, logger *zap.Logger) *Strategy {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Strategy{cfg: cfg, fetcher: fetcher, shots: shots, oracle: oracle, logger: logger}
}

// Name identifies the strategy on produced candidates.
func (s *Strategy) Name() detect.StrategyName { return detect.StrategyMetasearch }

// searchResult is one SearXNG hit.
type searchResult struct {
	URL     string   `json:"url"`
	Engines []string `json:"engines"`
}

type searchPage struct {
	Results []searchResult `json:"results"`
}

// Discover queries the metasearch instance page by page, classifying
// on-domain hits as they arrive. Pagination continues until enough
// candidates were accepted by the oracle, a page comes back empty, or a
// page contributes no new on-domain URL. Unlike the other strategies the
// priority rules annotate rather than gate: search ranking already did
// the filtering, so the candidate order is the ranking order.
func (s *Strategy) Discover(ctx context.Context, target detect.Target) ([]detect.Candidate, error) {
	cfg := target.Config.LoginPage.Metasearch
	if s.cfg.BaseURL == "" {
		return nil, fmt.Errorf("metasearch base url not configured")
	}

	site, err := detect.RegistrableDomain(target.Domain)
	if err != nil {
		// IP targets and test hosts have no TLD+1; query the host as-is.
		site = target.Domain
	}
	query := strings.Replace(cfg.SearchTerm, "%s", site, 1)
	if query == "" {
		return nil, fmt.Errorf("empty metasearch term")
	}

	seen := make(map[string]struct{})
	var accepted []detect.Candidate
	pos := 0

	for page := 1; page <= maxPages; page++ {
		if cfg.SearchResultsNumber > 0 && len(accepted) >= cfg.SearchResultsNumber {
			break
		}

		results, err := s.fetchPage(ctx, query, cfg, page)
		if err != nil {
			s.logger.Warn("metasearch query failed",
				zap.String("query", query), zap.Int("page", page), zap.Error(err))
			break
		}
		if len(results) == 0 {
			break
		}

		fresh := 0
		for _, r := range results {
			raw := strings.TrimSpace(r.URL)
			if raw == "" {
				continue
			}
			if _, dup := seen[raw]; dup {
				continue
			}
			seen[raw] = struct{}{}
			pos++

			if !detect.SameRegistrableDomain(raw, target.ResolvedURL) {
				continue
			}
			fresh++
			if cfg.SearchResultsNumber > 0 && len(accepted) >= cfg.SearchResultsNumber {
				continue
			}
			if candidate, ok := s.confirm(ctx, raw, pos, r.Engines, target); ok {
				accepted = append(accepted, candidate)
			}
		}
		if fresh == 0 {
			// No new URL on the target's domain; more pages will not help.
			break
		}
	}
	return accepted, nil
}

// confirm runs one on-domain hit through the screenshot and the oracle.
// Per-URL failures skip the hit rather than abort the search.
func (s *Strategy) confirm(ctx context.Context, rawURL string, pos int, engines []string, target detect.Target) (detect.Candidate, bool) {
	shot, err := s.shots.Capture(ctx, rawURL, spoolSubdir)
	if err != nil {
		s.logger.Warn("screenshot failed, skipping candidate",
			zap.String("url", rawURL), zap.Error(err))
		return detect.Candidate{}, false
	}
	verdict, err := s.oracle.Classify(ctx, shot)
	if err != nil {
		s.logger.Warn("classification failed, skipping candidate",
			zap.String("url", rawURL), zap.Error(err))
		return detect.Candidate{}, false
	}
	if !verdict.LoginPresent {
		return detect.Candidate{}, false
	}

	normalized, err := detect.NormalizeURL(rawURL)
	if err != nil {
		s.logger.Warn("normalize failed, skipping candidate",
			zap.String("url", rawURL), zap.Error(err))
		return detect.Candidate{}, false
	}
	prio := detect.PriorityOf(rawURL, target.Config.LoginPage.URLRules)
	return detect.Candidate{
		URL:      normalized,
		Strategy: detect.StrategyMetasearch,
		Priority: &prio,
		Info:     &detect.MetasearchInfo{ResultHit: pos, ResultEngines: engines},
	}, true
}

func (s *Strategy) fetchPage(ctx context.Context, query string, cfg detect.MetasearchStrategyConfig, page int) ([]searchResult, error) {
	endpoint, err := url.Parse(strings.TrimSuffix(s.cfg.BaseURL, "/") + "/search")
	if err != nil {
		return nil, fmt.Errorf("parse metasearch url: %w", err)
	}

	values := url.Values{}
	values.Set("q", query)
	if engines := engineList(cfg.SearchEngines); engines != "" {
		values.Set("engines", engines)
	}
	values.Set("safesearch", "0")
	values.Set("format", "json")
	values.Set("pageno", fmt.Sprintf("%d", page))
	endpoint.RawQuery = values.Encode()

	resp, err := s.fetcher.Get(ctx, endpoint.String(), s.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("metasearch status %d", resp.StatusCode)
	}

	var parsed searchPage
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("decode metasearch response: %w", err)
	}
	return parsed.Results, nil
}

// engineList renders the engines parameter. The configured list is
// reversed and lowercased, matching the precedence convention of the
// upstream search configuration.
func engineList(engines []string) string {
	if len(engines) == 0 {
		return ""
	}
	out := make([]string, 0, len(engines))
	for i := len(engines) - 1; i >= 0; i-- {
		out = append(out, strings.ToLower(strings.TrimSpace(engines[i])))
	}
	return strings.Join(out, ",")
}
