// Package sitemap discovers login-page candidates by walking the site's
// sitemap tree.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/fetch"
	"github.com/ssoscout/loginscout/internal/strategy/robots"
)

const spoolSubdir = "sitemap"

var gzipMagic = []byte{0x1f, 0x8b}

// lastmod values in the wild use the full set of W3C datetime profiles.
var lastModLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
	"2006-01",
	"2006",
}

// Strategy implements sitemap based discovery.
type Strategy struct {
	fetcher   *fetch.Fetcher
	shots     detect.Screenshotter
	oracle    detect.Classifier
	artifacts detect.ArtifactRecorder
	logger    *zap.Logger
}

// New builds the sitemap strategy. The artifact recorder may be nil when
// sitemap persistence is disabled.
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
func (s *Strategy) Name() detect.StrategyName { return detect.StrategySitemap }

// Discover seeds the walk with the Sitemap directives of robots.txt plus
// the /sitemap.xml well-known location, collects every page entry on the
// target's registrable domain, and confirms rule-matching URLs through
// the oracle. The full unfiltered listing is recorded as an artifact when
// the task asks for it.
func (s *Strategy) Discover(ctx context.Context, target detect.Target) ([]detect.Candidate, error) {
	parsed, err := url.Parse(target.ResolvedURL)
	if err != nil {
		return nil, fmt.Errorf("parse resolved url: %w", err)
	}
	cfg := target.Config.LoginPage

	seeds := s.seedURLs(ctx, parsed.Scheme, parsed.Host, cfg)
	entries := s.walk(ctx, seeds, target, cfg.Sitemap)

	if target.Config.Artifacts.StoreSitemap && s.artifacts != nil && len(entries) > 0 {
		s.artifacts.RecordSitemap(ctx, entries)
	}

	checked := make(map[string]struct{})
	var accepted []detect.Candidate
	for _, entry := range entries {
		priority := detect.PriorityOf(entry.URL, cfg.URLRules)
		if priority.Score <= 0 {
			continue
		}
		if _, dup := checked[entry.URL]; dup {
			continue
		}
		checked[entry.URL] = struct{}{}

		shot, err := s.shots.Capture(ctx, entry.URL, spoolSubdir)
		if err != nil {
			s.logger.Warn("screenshot failed, skipping candidate",
				zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		verdict, err := s.oracle.Classify(ctx, shot)
		if err != nil {
			s.logger.Warn("classification failed, skipping candidate",
				zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		if !verdict.LoginPresent {
			continue
		}

		normalized, err := detect.NormalizeURL(entry.URL)
		if err != nil {
			s.logger.Warn("normalize failed, skipping candidate",
				zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		prio := priority
		accepted = append(accepted, detect.Candidate{
			URL:      normalized,
			Strategy: detect.StrategySitemap,
			Priority: &prio,
			Info: &detect.SitemapInfo{
				Priority:        entry.Priority,
				LastModified:    entry.LastModified,
				ChangeFrequency: entry.ChangeFrequency,
				NewsStory:       entry.NewsStory,
			},
		})
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Priority.Score > accepted[j].Priority.Score
	})
	if max := cfg.Sitemap.MaxCandidates; max > 0 && len(accepted) > max {
		accepted = accepted[:max]
	}
	return accepted, nil
}

// seedURLs collects sitemap locations advertised in robots.txt and always
// falls back to the well-known /sitemap.xml location.
func (s *Strategy) seedURLs(ctx context.Context, scheme, host string, cfg detect.LoginPageConfig) []string {
	var seeds []string
	seen := make(map[string]struct{})
	add := func(u string) {
		if _, dup := seen[u]; !dup {
			seen[u] = struct{}{}
			seeds = append(seeds, u)
		}
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	timeout := time.Duration(cfg.Sitemap.TimeoutFetchSitemap * float64(time.Second))
	resp, err := s.fetcher.Get(ctx, robotsURL, timeout)
	if err == nil && resp.StatusCode == 200 && strings.Contains(resp.ContentType, "text/plain") {
		for _, loc := range robots.SitemapsFromRobotsTxt(string(resp.Body)) {
			add(loc)
		}
	}

	add(fmt.Sprintf("%s://%s/sitemap.xml", scheme, host))
	return seeds
}

// walk traverses the sitemap tree breadth first, following sitemapindex
// references up to the configured recursion depth.
func (s *Strategy) walk(ctx context.Context, seeds []string, target detect.Target, cfg detect.SitemapStrategyConfig) []detect.SitemapEntry {
	type queued struct {
		loc   string
		level int
	}

	visited := make(map[string]struct{})
	queue := make([]queued, 0, len(seeds))
	for _, seed := range seeds {
		queue = append(queue, queued{loc: seed})
	}

	var entries []detect.SitemapEntry
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if _, dup := visited[item.loc]; dup {
			continue
		}
		visited[item.loc] = struct{}{}

		doc, err := s.fetchSitemap(ctx, item.loc, cfg)
		if err != nil {
			s.logger.Info("sitemap fetch failed", zap.String("url", item.loc), zap.Error(err))
			continue
		}

		children, pages, err := parseSitemap(doc)
		if err != nil {
			s.logger.Info("sitemap parse failed", zap.String("url", item.loc), zap.Error(err))
			continue
		}

		if item.level < cfg.MaxRecursionLevel {
			for _, child := range children {
				queue = append(queue, queued{loc: child, level: item.level + 1})
			}
		} else if len(children) > 0 {
			s.logger.Info("sitemap recursion limit reached",
				zap.String("url", item.loc), zap.Int("level", item.level))
		}

		for _, page := range pages {
			if !detect.SameRegistrableDomain(page.URL, target.ResolvedURL) {
				continue
			}
			entries = append(entries, page)
		}
	}
	return entries
}

// fetchSitemap retrieves one sitemap document, enforcing the size cap and
// transparently decompressing gzipped payloads.
func (s *Strategy) fetchSitemap(ctx context.Context, loc string, cfg detect.SitemapStrategyConfig) ([]byte, error) {
	timeout := time.Duration(cfg.TimeoutFetchSitemap * float64(time.Second))
	resp, err := s.fetcher.Get(ctx, loc, timeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if cfg.MaxSitemapSize > 0 && int64(len(resp.Body)) > cfg.MaxSitemapSize {
		return nil, fmt.Errorf("sitemap exceeds %d bytes", cfg.MaxSitemapSize)
	}

	body := resp.Body
	if bytes.HasPrefix(body, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close() //nolint:errcheck

		limit := cfg.MaxSitemapSize
		if limit <= 0 {
			limit = 64 << 20
		}
		decompressed, err := io.ReadAll(io.LimitReader(zr, limit+1))
		if err != nil {
			return nil, fmt.Errorf("gunzip sitemap: %w", err)
		}
		if int64(len(decompressed)) > limit {
			return nil, fmt.Errorf("decompressed sitemap exceeds %d bytes", limit)
		}
		body = decompressed
	}
	return body, nil
}

type sitemapIndexDoc struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type urlSetDoc struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc        string `xml:"loc"`
		LastMod    string `xml:"lastmod"`
		ChangeFreq string `xml:"changefreq"`
		Priority   string `xml:"priority"`
		NewsTitle  string `xml:"news>title"`
	} `xml:"url"`
}

// parseSitemap decodes either a sitemapindex or a urlset document and
// returns child sitemap locations and page entries respectively.
func parseSitemap(doc []byte) (children []string, pages []detect.SitemapEntry, err error) {
	var index sitemapIndexDoc
	if err := xml.Unmarshal(doc, &index); err == nil && index.XMLName.Local == "sitemapindex" {
		for _, sm := range index.Sitemaps {
			if loc := strings.TrimSpace(sm.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return children, nil, nil
	}

	var set urlSetDoc
	if err := xml.Unmarshal(doc, &set); err != nil {
		return nil, nil, fmt.Errorf("decode sitemap: %w", err)
	}
	for _, u := range set.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		pages = append(pages, detect.SitemapEntry{
			URL:             loc,
			Priority:        parsePriority(u.Priority),
			LastModified:    parseLastMod(u.LastMod),
			ChangeFrequency: strings.TrimSpace(u.ChangeFreq),
			NewsStory:       strings.TrimSpace(u.NewsTitle),
		})
	}
	return nil, pages, nil
}

func parsePriority(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseLastMod(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range lastModLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			v := float64(ts.Unix())
			return &v
		}
	}
	return nil
}
