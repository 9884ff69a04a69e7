package detect

import (
	"context"
	"io"
	"time"
)

// Classifier asks the visual oracle whether a screenshot shows a login form.
// Implementations return an error on any transport or protocol failure;
// an error is never a negative verdict.
type Classifier interface {
	Classify(ctx context.Context, imageRef string) (Verdict, error)
}

// Screenshotter captures a full-page screenshot of a URL and returns a
// local path usable as a classifier image reference.
type Screenshotter interface {
	Capture(ctx context.Context, pageURL string, subdir string) (string, error)
}

// Strategy is one independent discovery method. Discover returns the
// candidates it accepted for the target; an empty list is a valid outcome.
type Strategy interface {
	Name() StrategyName
	Discover(ctx context.Context, target Target) ([]Candidate, error)
}

// ExternalCrawler runs the opaque headless-browser crawler for a domain
// and reports where its filtered screenshots and raw flow logs landed.
type ExternalCrawler interface {
	Run(ctx context.Context, domain string) (outputDir string, rawDir string, err error)
}

// ArtifactStore persists raw discovery artifacts (robots.txt bodies,
// sitemap listings) and returns a URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ArtifactRecorder receives raw discovery artifacts a strategy chose to
// keep (robots.txt bodies, full sitemap listings) so the analysis can
// attach them to the task result and persist them.
type ArtifactRecorder interface {
	RecordRobots(ctx context.Context, robotsTxt string)
	RecordSitemap(ctx context.Context, entries []SitemapEntry)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
