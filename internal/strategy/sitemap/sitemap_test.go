package sitemap

import (
	"bytes"
	"compress/gzip"
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
}

func (f *fakeShots) Capture(_ context.Context, pageURL string, _ string) (string, error) {
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
				Sitemap: detect.SitemapStrategyConfig{
					MaxCandidates:       10,
					MaxRecursionLevel:   1,
					MaxSitemapSize:      1 << 20,
					TimeoutFetchSitemap: 5,
				},
			},
		},
	}
}

func newStrategy(recorder detect.ArtifactRecorder, shots *fakeShots) *Strategy {
	return New(
		fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		shots,
		&fakeOracle{positiveIf: "login"},
		recorder,
		zap.NewNop(),
	)
}

func xmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(body))
	}
}

func TestDiscoverWalksTree(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "User-agent: *\nSitemap: %s/sitemap_index.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap_index.xml", xmlHandler(fmt.Sprintf(`<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/pages.xml</loc></sitemap>
  <sitemap><loc>%s/deep_index.xml</loc></sitemap>
</sitemapindex>`, srv.URL, srv.URL)))
	mux.HandleFunc("/pages.xml", xmlHandler(fmt.Sprintf(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url>
    <loc>%s/account/login</loc>
    <priority>0.8</priority>
    <lastmod>2024-01-02</lastmod>
    <changefreq>monthly</changefreq>
  </url>
  <url><loc>%s/about</loc></url>
  <url><loc>https://elsewhere.example.org/login</loc></url>
</urlset>`, srv.URL, srv.URL)))
	// One level below the recursion limit, must not be followed.
	mux.HandleFunc("/deep_index.xml", xmlHandler(fmt.Sprintf(`<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/deep_pages.xml</loc></sitemap>
</sitemapindex>`, srv.URL)))
	mux.HandleFunc("/deep_pages.xml", xmlHandler(fmt.Sprintf(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/deep/login</loc></url>
</urlset>`, srv.URL)))

	recorder := &fakeRecorder{}
	shots := &fakeShots{}
	target := targetFor(srv)
	target.Config.Artifacts.StoreSitemap = true

	candidates, err := newStrategy(recorder, shots).Discover(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	assert.Equal(t, srv.URL+"/account/login", candidates[0].URL)
	assert.Equal(t, detect.StrategySitemap, candidates[0].Strategy)
	assert.Equal(t, 10, candidates[0].Priority.Score)

	info, ok := candidates[0].Info.(*detect.SitemapInfo)
	require.True(t, ok)
	require.NotNil(t, info.Priority)
	assert.InDelta(t, 0.8, *info.Priority, 0.001)
	require.NotNil(t, info.LastModified)
	assert.Equal(t, "monthly", info.ChangeFrequency)

	// The artifact keeps the full listing, including pages that matched
	// no rule, but never the off-site entry.
	require.Len(t, recorder.sitemap, 2)
	assert.Equal(t, srv.URL+"/account/login", recorder.sitemap[0].URL)
	assert.Equal(t, srv.URL+"/about", recorder.sitemap[1].URL)

	// Only the rule-matching on-site page was classified.
	assert.Equal(t, []string{srv.URL + "/account/login"}, shots.captured)
}

func TestDiscoverWellKnownFallback(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sitemap.xml", xmlHandler(fmt.Sprintf(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/signin</loc></url>
</urlset>`, srv.URL)))

	candidates, err := newStrategy(nil, &fakeShots{}).Discover(context.Background(), targetFor(srv))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, srv.URL+"/signin", candidates[0].URL)
}

func TestDiscoverGzippedSitemap(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(fmt.Sprintf(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/login</loc></url>
</urlset>`, srv.URL)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(buf.Bytes())
	})

	candidates, err := newStrategy(nil, &fakeShots{}).Discover(context.Background(), targetFor(srv))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, srv.URL+"/login", candidates[0].URL)
}

func TestDiscoverEnforcesSizeCap(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sitemap.xml", xmlHandler(fmt.Sprintf(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/login</loc></url>
</urlset>`, srv.URL)))

	target := targetFor(srv)
	target.Config.LoginPage.Sitemap.MaxSitemapSize = 16

	candidates, err := newStrategy(nil, &fakeShots{}).Discover(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestParseSitemap(t *testing.T) {
	t.Run("index", func(t *testing.T) {
		children, pages, err := parseSitemap([]byte(`<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc> https://example.com/a.xml </loc></sitemap>
  <sitemap><loc>https://example.com/b.xml</loc></sitemap>
</sitemapindex>`))
		require.NoError(t, err)
		assert.Equal(t, []string{"https://example.com/a.xml", "https://example.com/b.xml"}, children)
		assert.Empty(t, pages)
	})

	t.Run("urlset", func(t *testing.T) {
		children, pages, err := parseSitemap([]byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url>
    <loc>https://example.com/login</loc>
    <priority>0.5</priority>
    <lastmod>2023-06-15T10:00:00Z</lastmod>
  </url>
  <url><loc></loc></url>
</urlset>`))
		require.NoError(t, err)
		assert.Empty(t, children)
		require.Len(t, pages, 1)
		assert.Equal(t, "https://example.com/login", pages[0].URL)
		require.NotNil(t, pages[0].Priority)
		assert.InDelta(t, 0.5, *pages[0].Priority, 0.001)
		require.NotNil(t, pages[0].LastModified)
	})

	t.Run("not xml", func(t *testing.T) {
		_, _, err := parseSitemap([]byte("<html>not a sitemap"))
		assert.Error(t, err)
	})
}

func TestParseLastMod(t *testing.T) {
	assert.Nil(t, parseLastMod(""))
	assert.Nil(t, parseLastMod("soon"))
	require.NotNil(t, parseLastMod("2024-01-02"))
	require.NotNil(t, parseLastMod("2023-06-15T10:00:00+02:00"))
}
