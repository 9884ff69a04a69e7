package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/fetch"
)

type fakeShots struct {
	captured []string
	failFor  string
}

func (f *fakeShots) Capture(_ context.Context, pageURL string, _ string) (string, error) {
	if f.failFor != "" && strings.Contains(pageURL, f.failFor) {
		return "", fmt.Errorf("render failed")
	}
	f.captured = append(f.captured, pageURL)
	return pageURL, nil
}

type fakeOracle struct {
	positiveIf string
}

func (f *fakeOracle) Classify(_ context.Context, imageRef string) (detect.Verdict, error) {
	return detect.Verdict{LoginPresent: strings.Contains(imageRef, f.positiveIf)}, nil
}

type fakeRecorder struct {
	robots  string
	sitemap []detect.SitemapEntry
}

func (f *fakeRecorder) RecordRobots(_ context.Context, robotsTxt string) { f.robots = robotsTxt }

func (f *fakeRecorder) RecordSitemap(_ context.Context, entries []detect.SitemapEntry) {
	f.sitemap = entries
}

func robotsServer(t *testing.T, status int, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func targetFor(srv *httptest.Server) detect.Target {
	return detect.Target{
		Domain:      "example.com",
		ResolvedURL: srv.URL,
		Config: detect.AnalysisConfig{
			LoginPage: detect.LoginPageConfig{
				URLRules: []detect.PriorityRule{
					{Regex: "login", Score: 10},
					{Regex: "signin", Score: 5},
				},
				Robots: detect.RobotsStrategyConfig{
					MaxCandidates:      10,
					TimeoutFetchRobots: 5,
				},
			},
		},
	}
}

func TestDiscoverScoresAndSorts(t *testing.T) {
	srv := robotsServer(t, http.StatusOK, "text/plain", strings.Join([]string{
		"User-agent: *",
		"Disallow: /signin",
		"Disallow: /private",
		"Disallow: /account/login",
		"Allow: /account/login", // duplicate URL, must not double-classify
		"Crawl-delay: 10",
	}, "\n"))

	shots := &fakeShots{}
	strategy := New(
		fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		shots,
		&fakeOracle{positiveIf: "/"},
		nil,
		zap.NewNop(),
	)

	candidates, err := strategy.Discover(context.Background(), targetFor(srv))
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// /private matched no rule, the duplicate allow line was skipped, and
	// the higher-scoring login path sorts first.
	assert.Equal(t, srv.URL+"/account/login", candidates[0].URL)
	assert.Equal(t, 10, candidates[0].Priority.Score)
	assert.Equal(t, srv.URL+"/signin", candidates[1].URL)
	assert.Equal(t, 5, candidates[1].Priority.Score)
	assert.Len(t, shots.captured, 2)

	info, ok := candidates[0].Info.(*detect.RobotsInfo)
	require.True(t, ok)
	assert.Equal(t, "/account/login", info.Path)
	assert.Equal(t, DirectiveDisallow, info.Directive)
	assert.Equal(t, detect.StrategyRobots, candidates[0].Strategy)
}

func TestDiscoverSkipsFailedScreenshot(t *testing.T) {
	srv := robotsServer(t, http.StatusOK, "text/plain",
		"Disallow: /login\nDisallow: /signin\n")

	strategy := New(
		fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		&fakeShots{failFor: "/login"},
		&fakeOracle{positiveIf: "/"},
		nil,
		zap.NewNop(),
	)

	candidates, err := strategy.Discover(context.Background(), targetFor(srv))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, srv.URL+"/signin", candidates[0].URL)
}

func TestDiscoverRespectsMaxCandidates(t *testing.T) {
	srv := robotsServer(t, http.StatusOK, "text/plain",
		"Disallow: /login1\nDisallow: /login2\nDisallow: /login3\n")

	target := targetFor(srv)
	target.Config.LoginPage.Robots.MaxCandidates = 2

	strategy := New(
		fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		&fakeShots{},
		&fakeOracle{positiveIf: "/"},
		nil,
		zap.NewNop(),
	)

	candidates, err := strategy.Discover(context.Background(), target)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestDiscoverIgnoresMissingRobots(t *testing.T) {
	srv := robotsServer(t, http.StatusNotFound, "text/plain", "not here")

	strategy := New(
		fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		&fakeShots{},
		&fakeOracle{positiveIf: "/"},
		nil,
		zap.NewNop(),
	)

	candidates, err := strategy.Discover(context.Background(), targetFor(srv))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDiscoverRequiresPlainText(t *testing.T) {
	srv := robotsServer(t, http.StatusOK, "text/html",
		"<html>Disallow: /login</html>")

	strategy := New(
		fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		&fakeShots{},
		&fakeOracle{positiveIf: "/"},
		nil,
		zap.NewNop(),
	)

	candidates, err := strategy.Discover(context.Background(), targetFor(srv))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDiscoverRecordsRobotsArtifact(t *testing.T) {
	body := "User-agent: *\nDisallow: /login\n"
	srv := robotsServer(t, http.StatusOK, "text/plain", body)

	recorder := &fakeRecorder{}
	target := targetFor(srv)
	target.Config.Artifacts.StoreRobots = true

	strategy := New(
		fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		&fakeShots{},
		&fakeOracle{positiveIf: "/"},
		recorder,
		zap.NewNop(),
	)

	_, err := strategy.Discover(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, body, recorder.robots)
}

func TestPathsFromRobotsTxt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []PathEntry
	}{
		{
			name: "allow and disallow",
			in:   "Allow: /a\nDisallow: /b\n",
			want: []PathEntry{
				{Directive: DirectiveAllow, Path: "/a"},
				{Directive: DirectiveDisallow, Path: "/b"},
			},
		},
		{
			name: "comments stripped",
			in:   "Disallow: /a # staging only\n# Disallow: /b\n",
			want: []PathEntry{{Directive: DirectiveDisallow, Path: "/a"}},
		},
		{
			name: "irrelevant directives skipped",
			in:   "User-agent: *\nCrawl-delay: 5\nSitemap: https://example.com/sitemap.xml\n",
			want: nil,
		},
		{
			name: "wildcard values without leading slash skipped",
			in:   "Disallow: *\nDisallow:\n",
			want: nil,
		},
		{
			name: "percent escapes decoded",
			in:   "Disallow: /log%20in\n",
			want: []PathEntry{{Directive: DirectiveDisallow, Path: "/log in"}},
		},
		{
			name: "case insensitive directive",
			in:   "DISALLOW: /admin\n",
			want: []PathEntry{{Directive: DirectiveDisallow, Path: "/admin"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PathsFromRobotsTxt(tt.in))
		})
	}
}

func TestSitemapsFromRobotsTxt(t *testing.T) {
	in := strings.Join([]string{
		"User-agent: *",
		"Disallow: /login",
		"Sitemap: https://example.com/sitemap.xml",
		"sitemap: https://example.com/news.xml # news",
	}, "\n")
	assert.Equal(t,
		[]string{"https://example.com/sitemap.xml", "https://example.com/news.xml"},
		SitemapsFromRobotsTxt(in),
	)
}
