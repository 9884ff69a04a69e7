package analysis

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/storage/memory"
)

type fakeStrategy struct {
	name       detect.StrategyName
	candidates []detect.Candidate
	err        error
	calls      int
}

func (f *fakeStrategy) Name() detect.StrategyName { return f.name }

func (f *fakeStrategy) Discover(_ context.Context, _ detect.Target) ([]detect.Candidate, error) {
	f.calls++
	return f.candidates, f.err
}

func candidate(url string, strategy detect.StrategyName) detect.Candidate {
	return detect.Candidate{URL: url, Strategy: strategy}
}

func TestRunConcatenatesInOrder(t *testing.T) {
	robots := &fakeStrategy{
		name:       detect.StrategyRobots,
		candidates: []detect.Candidate{candidate("https://example.com/login", detect.StrategyRobots)},
	}
	crawling := &fakeStrategy{
		name:       detect.StrategyCrawling,
		candidates: []detect.Candidate{candidate("https://example.com/sso", detect.StrategyCrawling)},
	}

	runner := NewRunner([]detect.Strategy{robots, crawling}, nil, zap.NewNop())
	result := runner.Run(context.Background(), &detect.Task{Domain: "example.com"})

	assert.Equal(t, "https://example.com", result.Resolved.URL)
	assert.Equal(t, "example.com", result.Resolved.Domain)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, detect.StrategyRobots, result.Candidates[0].Strategy)
	assert.Equal(t, detect.StrategyCrawling, result.Candidates[1].Strategy)
}

func TestRunSkipsFailingStrategy(t *testing.T) {
	broken := &fakeStrategy{name: detect.StrategyRobots, err: fmt.Errorf("boom")}
	working := &fakeStrategy{
		name:       detect.StrategySitemap,
		candidates: []detect.Candidate{candidate("https://example.com/login", detect.StrategySitemap)},
	}

	runner := NewRunner([]detect.Strategy{broken, working}, nil, zap.NewNop())
	result := runner.Run(context.Background(), &detect.Task{Domain: "example.com"})

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, detect.StrategySitemap, result.Candidates[0].Strategy)
	assert.Empty(t, result.Exception)
}

func TestRunHonorsStrategySelection(t *testing.T) {
	robots := &fakeStrategy{name: detect.StrategyRobots}
	sitemap := &fakeStrategy{name: detect.StrategySitemap}

	task := &detect.Task{Domain: "example.com"}
	task.Config.LoginPage.Strategies = []detect.StrategyName{detect.StrategySitemap}

	runner := NewRunner([]detect.Strategy{robots, sitemap}, nil, zap.NewNop())
	runner.Run(context.Background(), task)

	assert.Zero(t, robots.calls)
	assert.Equal(t, 1, sitemap.calls)
}

func TestRunEmptyResultHasCandidateList(t *testing.T) {
	runner := NewRunner(nil, nil, zap.NewNop())
	result := runner.Run(context.Background(), &detect.Task{Domain: "example.com"})
	assert.NotNil(t, result.Candidates)
	assert.Empty(t, result.Candidates)
}

func TestRecorderAttachesAndPersists(t *testing.T) {
	store := memory.New()
	recorder := NewRecorder(store, zap.NewNop())

	result := &detect.Result{}
	recorder.begin(result, "example.com")

	recorder.RecordRobots(context.Background(), "Disallow: /login")
	assert.Equal(t, "Disallow: /login", result.Robots)
	data, ok := store.Get("example.com/robots.txt")
	require.True(t, ok)
	assert.Equal(t, "Disallow: /login", string(data))

	entries := []detect.SitemapEntry{{URL: "https://example.com/login"}}
	recorder.RecordSitemap(context.Background(), entries)
	assert.Equal(t, entries, result.Sitemap)
	_, ok = store.Get("example.com/sitemap.json")
	assert.True(t, ok)
}
