package crawlflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
)

const (
	flowDirPrefix  = "flow_"
	pageFilePrefix = "page_"
	pageFileSuffix = ".png"
	actionsFile    = "actions.json"
)

// Strategy turns crawl flows into CRAWLING candidates. The external
// crawler already filtered its screenshots down to login pages, so no
// oracle round trip happens here.
type Strategy struct {
	crawler detect.ExternalCrawler
	logger  *zap.Logger
}

// New builds the crawl-flow strategy.
func New(crawler detect.ExternalCrawler, logger *zap.Logger) *Strategy {
	return &Strategy{crawler: crawler, logger: logger}
}

// Name identifies the strategy on produced candidates.
func (s *Strategy) Name() detect.StrategyName { return detect.StrategyCrawling }

// flowPage is one screenshot of a flow together with the click path that
// reached it. Page 0 is the landing page; page m was reached by replaying
// the first m recorded actions.
type flowPage struct {
	flow    string
	page    int
	url     string
	actions []detect.Action
}

// Discover runs the external crawler and walks its output directory.
// When several flows reach the same URL the shortest click path wins.
// Malformed flow or page names abort the strategy: silently skipping
// them would hide crawler output format drift.
func (s *Strategy) Discover(ctx context.Context, target detect.Target) ([]detect.Candidate, error) {
	outputDir, rawDir, err := s.crawler.Run(ctx, target.Domain)
	if err != nil {
		return nil, fmt.Errorf("external crawler: %w", err)
	}

	domainDir := detect.DomainDirName(target.Domain)
	flowsRoot := filepath.Join(outputDir, domainDir)
	flowDirs, err := os.ReadDir(flowsRoot)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("crawler produced no flows", zap.String("domain", target.Domain))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read crawler output: %w", err)
	}

	type indexedFlow struct {
		name  string
		index int
	}
	flows := make([]indexedFlow, 0, len(flowDirs))
	for _, entry := range flowDirs {
		if !entry.IsDir() {
			return nil, fmt.Errorf("unexpected file in crawler output: %s", entry.Name())
		}
		idx, err := parseIndexed(entry.Name(), flowDirPrefix, "")
		if err != nil {
			return nil, fmt.Errorf("flow directory %q: %w", entry.Name(), err)
		}
		flows = append(flows, indexedFlow{name: entry.Name(), index: idx})
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].index < flows[j].index })

	byURL := make(map[string]int)
	var candidates []detect.Candidate
	for _, flow := range flows {
		pages, err := s.flowPages(target, flowsRoot, rawDir, domainDir, flow.name)
		if err != nil {
			return nil, err
		}
		for _, page := range pages {
			normalized, err := detect.NormalizeURL(page.url)
			if err != nil {
				s.logger.Warn("normalize failed, skipping flow page",
					zap.String("flow", page.flow), zap.Int("page", page.page), zap.Error(err))
				continue
			}

			prio := detect.PriorityOf(normalized, target.Config.LoginPage.URLRules)
			candidate := detect.Candidate{
				URL:      normalized,
				Strategy: detect.StrategyCrawling,
				Priority: &prio,
				Info:     &detect.CrawlInfo{Flow: page.flow, Steps: page.page},
				Actions:  page.actions,
			}

			if at, dup := byURL[normalized]; dup {
				if len(page.actions) < len(candidates[at].Actions) {
					candidates[at] = candidate
				}
				continue
			}
			byURL[normalized] = len(candidates)
			candidates = append(candidates, candidate)
		}
	}
	return candidates, nil
}

// flowPages loads one flow: the action log from the raw directory plus
// every screenshot the crawler kept for it.
func (s *Strategy) flowPages(target detect.Target, flowsRoot, rawDir, domainDir, flowName string) ([]flowPage, error) {
	actionsPath := filepath.Join(rawDir, domainDir, flowName, actionsFile)
	raw, err := os.ReadFile(actionsPath)
	if err != nil {
		return nil, fmt.Errorf("read action log for %s: %w", flowName, err)
	}
	var actions []detect.Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("decode action log for %s: %w", flowName, err)
	}

	files, err := os.ReadDir(filepath.Join(flowsRoot, flowName))
	if err != nil {
		return nil, fmt.Errorf("read flow %s: %w", flowName, err)
	}

	var pages []flowPage
	for _, file := range files {
		if file.IsDir() {
			return nil, fmt.Errorf("unexpected directory in flow %s: %s", flowName, file.Name())
		}
		idx, err := parseIndexed(file.Name(), pageFilePrefix, pageFileSuffix)
		if err != nil {
			return nil, fmt.Errorf("flow %s page %q: %w", flowName, file.Name(), err)
		}

		page := flowPage{flow: flowName, page: idx}
		if idx == 0 {
			page.url = target.ResolvedURL
		} else {
			if idx > len(actions) {
				return nil, fmt.Errorf("flow %s page %d has no matching action (log has %d)", flowName, idx, len(actions))
			}
			page.url = actions[idx-1].URL
			page.actions = append([]detect.Action(nil), actions[:idx]...)
		}
		if page.url == "" {
			s.logger.Warn("flow page carries no url, skipping",
				zap.String("flow", flowName), zap.Int("page", idx))
			continue
		}
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].page < pages[j].page })
	return pages, nil
}

// parseIndexed extracts the numeric index of a "<prefix><n><suffix>" name
// and rejects everything else.
func parseIndexed(name, prefix, suffix string) (int, error) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, fmt.Errorf("name does not match %s<n>%s", prefix, suffix)
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid index %q", digits)
	}
	return idx, nil
}
