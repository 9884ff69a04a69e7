// Package detect defines core types shared across the login-page
// discovery subsystems.
package detect

import (
	"encoding/json"
	"fmt"
)

// StrategyName identifies one discovery strategy.
type StrategyName string

// Strategy names recorded on every candidate.
const (
	StrategyRobots     StrategyName = "ROBOTS"
	StrategySitemap    StrategyName = "SITEMAP"
	StrategyMetasearch StrategyName = "METASEARCH"
	StrategyCrawling   StrategyName = "CRAWLING"
)

// TaskState represents the lifecycle state recorded on the task audit trail.
type TaskState string

// Task states written to task_config as the task moves through the worker.
const (
	TaskStateReceived     TaskState = "REQUEST_RECEIVED"
	TaskStateResponseSent TaskState = "RESPONSE_SENT"
)

// Priority is the score assigned to a URL by the configured regex rules,
// together with the rule that produced it. A score of 0 means no rule matched.
type Priority struct {
	Score int    `json:"priority"`
	Rule  string `json:"regex,omitempty"`
}

// PriorityRule maps a URL regex to the score awarded on match.
type PriorityRule struct {
	Regex string `json:"regex"`
	Score int    `json:"priority"`
}

// Action is one recorded click in a crawl flow. The URL is the page the
// click navigated to.
type Action struct {
	Type string `json:"type"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
	URL  string `json:"url"`
}

// RobotsInfo is the provenance payload for ROBOTS candidates.
type RobotsInfo struct {
	Path      string `json:"path"`
	Directive string `json:"stm"`
}

// SitemapInfo is the provenance payload for SITEMAP candidates.
type SitemapInfo struct {
	Priority        *float64 `json:"priority"`
	LastModified    *float64 `json:"last_modified"`
	ChangeFrequency string   `json:"change_frequency,omitempty"`
	NewsStory       string   `json:"news_story,omitempty"`
}

// MetasearchInfo is the provenance payload for METASEARCH candidates.
type MetasearchInfo struct {
	ResultHit     int      `json:"result_hit"`
	ResultEngines []string `json:"result_engines"`
}

// CrawlInfo is the provenance payload for CRAWLING candidates.
type CrawlInfo struct {
	Flow  string `json:"flow"`
	Steps int    `json:"steps"`
}

// Candidate is a discovered login-page URL with provenance.
type Candidate struct {
	URL      string       `json:"login_page_candidate"`
	Strategy StrategyName `json:"login_page_strategy"`
	Priority *Priority    `json:"login_page_priority,omitempty"`
	Info     any          `json:"login_page_info,omitempty"`
	Actions  []Action     `json:"login_page_actions,omitempty"`
}

// UnmarshalJSON decodes the strategy-specific info payload into the
// concrete type selected by the strategy field.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	type alias Candidate
	raw := struct {
		*alias
		Info json.RawMessage `json:"login_page_info"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal candidate: %w", err)
	}
	if len(raw.Info) == 0 || string(raw.Info) == "null" {
		c.Info = nil
		return nil
	}
	var info any
	switch c.Strategy {
	case StrategyRobots:
		info = &RobotsInfo{}
	case StrategySitemap:
		info = &SitemapInfo{}
	case StrategyMetasearch:
		info = &MetasearchInfo{}
	case StrategyCrawling:
		info = &CrawlInfo{}
	default:
		var generic map[string]any
		if err := json.Unmarshal(raw.Info, &generic); err != nil {
			return fmt.Errorf("unmarshal candidate info: %w", err)
		}
		c.Info = generic
		return nil
	}
	if err := json.Unmarshal(raw.Info, info); err != nil {
		return fmt.Errorf("unmarshal %s candidate info: %w", c.Strategy, err)
	}
	c.Info = info
	return nil
}

// MergedCandidate is one entry of the reconciled list posted to the
// collector. Actions stays null for candidates that carry none.
type MergedCandidate struct {
	ID         int      `json:"id"`
	URL        string   `json:"url"`
	Actions    []Action `json:"actions"`
	ScanDomain string   `json:"scan_domain"`
}

// Verdict is the binary outcome of one screenshot classification.
type Verdict struct {
	LoginPresent bool
	Raw          string
}

// SitemapEntry is one page of the full, unfiltered sitemap listing
// persisted as an artifact.
type SitemapEntry struct {
	URL             string   `json:"url"`
	Priority        *float64 `json:"priority"`
	LastModified    *float64 `json:"last_modified"`
	ChangeFrequency string   `json:"change_frequency,omitempty"`
	NewsStory       string   `json:"news_story,omitempty"`
}

// Resolved names the URL and domain an analysis actually ran against.
type Resolved struct {
	URL    string `json:"url"`
	Domain string `json:"domain,omitempty"`
}

// DeliveryReceipt records the outcome of both result deliveries. It is
// attached to the task result before the queue message is acknowledged.
type DeliveryReceipt struct {
	CollectorDelivered bool   `json:"collector_delivered"`
	CollectorStatus    int    `json:"collector_status_code,omitempty"`
	CollectorError     string `json:"collector_error,omitempty"`
	CallbackDelivered  bool   `json:"callback_delivered"`
	CallbackStatus     int    `json:"callback_status_code,omitempty"`
	CallbackAttempts   int    `json:"callback_attempts,omitempty"`
}

// Result is the outcome of one analysis run. Exception is set instead of
// candidates when the analysis failed or timed out.
type Result struct {
	Resolved   Resolved         `json:"resolved"`
	Candidates []Candidate      `json:"login_page_candidates"`
	Robots     string           `json:"robots,omitempty"`
	Sitemap    []SitemapEntry   `json:"sitemap,omitempty"`
	Exception  string           `json:"exception,omitempty"`
	Delivery   *DeliveryReceipt `json:"delivery,omitempty"`
}

// TimeoutException marks a result whose isolated execution hit the deadline.
const TimeoutException = "analysis timeout"

// TimeoutResult builds the result substituted for a timed-out analysis.
// It never carries partial candidates.
func TimeoutResult() *Result {
	return &Result{Exception: TimeoutException}
}

// ExceptionResult wraps an analysis-level failure into a result payload.
func ExceptionResult(err error) *Result {
	return &Result{Exception: err.Error()}
}

// TaskConfig is the mutable audit trail carried on every task.
type TaskConfig struct {
	TaskID                string    `json:"task_id"`
	ReplyTo               string    `json:"reply_to,omitempty"`
	State                 TaskState `json:"task_state,omitempty"`
	TimestampReceived     float64   `json:"task_timestamp_request_received,omitempty"`
	TimestampResponseSent float64   `json:"task_timestamp_response_sent,omitempty"`
}

// RobotsStrategyConfig bounds the robots.txt strategy.
type RobotsStrategyConfig struct {
	MaxCandidates      int     `json:"max_candidates"`
	TimeoutFetchRobots float64 `json:"timeout_fetch_robots"`
}

// SitemapStrategyConfig bounds the sitemap tree walk.
type SitemapStrategyConfig struct {
	MaxCandidates       int     `json:"max_candidates"`
	MaxRecursionLevel   int     `json:"max_recursion_level"`
	MaxSitemapSize      int64   `json:"max_sitemap_size"`
	TimeoutFetchSitemap float64 `json:"timeout_fetch_sitemap"`
}

// MetasearchStrategyConfig controls the metasearch queries. SearchTerm
// contains a %s placeholder substituted with the registrable domain.
type MetasearchStrategyConfig struct {
	SearchEngines       []string `json:"search_engines"`
	SearchTerm          string   `json:"search_term"`
	SearchResultsNumber int      `json:"search_results_number"`
}

// LoginPageConfig is the per-task strategy configuration.
type LoginPageConfig struct {
	URLRules   []PriorityRule           `json:"login_page_url_regexes"`
	Strategies []StrategyName           `json:"login_page_strategies,omitempty"`
	Robots     RobotsStrategyConfig     `json:"robots_strategy_config"`
	Sitemap    SitemapStrategyConfig    `json:"sitemap_strategy_config"`
	Metasearch MetasearchStrategyConfig `json:"metasearch_strategy_config"`
}

// ArtifactsConfig toggles persistence of raw discovery artifacts.
type ArtifactsConfig struct {
	StoreRobots  bool `json:"store_robots"`
	StoreSitemap bool `json:"store_sitemap"`
}

// AnalysisConfig is the opaque-per-analysis configuration carried on the task.
type AnalysisConfig struct {
	LoginPage LoginPageConfig `json:"login_page_config"`
	Artifacts ArtifactsConfig `json:"artifacts_config"`
}

// ScanConfig carries an explicit scan-domain override used when reporting
// merged candidates.
type ScanConfig struct {
	Domain string `json:"domain,omitempty"`
}

// Task is one unit of queued work scoped to a domain and an analysis type.
type Task struct {
	Analysis   string
	Domain     string
	Config     AnalysisConfig
	TaskConfig TaskConfig
	Scan       ScanConfig
	Result     *Result

	// extra preserves wire fields this worker does not interpret so the
	// callback echoes the complete task document.
	extra map[string]json.RawMessage
}

// ScanDomain returns the domain merged candidates are attributed to,
// preferring the explicit scan_config override.
func (t *Task) ScanDomain() string {
	if t.Scan.Domain != "" {
		return t.Scan.Domain
	}
	return t.Domain
}

// Target is the slice of a task a strategy needs to run.
type Target struct {
	Domain         string
	ResolvedURL    string
	ResolvedDomain string
	Config         AnalysisConfig
}
