// Package reconcile merges raw candidates from all strategies into the
// single deduplicated list reported to the collector.
package reconcile

import (
	"strings"

	"github.com/ssoscout/loginscout/internal/detect"
)

// Merge deduplicates candidates by URL. Within one URL group the CRAWLING
// candidate wins if present, otherwise the first candidate encountered.
// Output ids are contiguous starting at 1 in first-seen URL order, and
// every record carries the scan domain. The merge is idempotent.
func Merge(candidates []detect.Candidate, scanDomain string) []detect.MergedCandidate {
	groups := make(map[string][]detect.Candidate)
	var order []string
	for _, c := range candidates {
		url := strings.TrimSpace(c.URL)
		if url == "" {
			continue
		}
		if _, seen := groups[url]; !seen {
			order = append(order, url)
		}
		groups[url] = append(groups[url], c)
	}

	out := make([]detect.MergedCandidate, 0, len(order))
	for i, url := range order {
		chosen := groups[url][0]
		for _, c := range groups[url] {
			if strings.EqualFold(string(c.Strategy), string(detect.StrategyCrawling)) {
				chosen = c
				break
			}
		}
		out = append(out, detect.MergedCandidate{
			ID:         i + 1,
			URL:        url,
			Actions:    chosen.Actions,
			ScanDomain: scanDomain,
		})
	}
	return out
}
