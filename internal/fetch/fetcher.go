// Package fetch provides the bounded HTTP fetcher used by the discovery
// strategies, built on the Colly collector.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Response is a fetched document plus the metadata strategies filter on.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher executes single bounded GETs. Discovery sources (robots.txt,
// sitemaps) are fetched directly, so robots rules are not applied to the
// fetch itself.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Get fetches one URL with the configured (or overridden) timeout.
func (f *Fetcher) Get(ctx context.Context, url string, timeout time.Duration) (Response, error) {
	var (
		result   Response
		fetchErr error
	)

	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if timeout == 0 {
		timeout = f.cfg.Timeout
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		result = Response{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// Non-2xx responses surface through OnError; keep the
			// status so callers can distinguish 404 from transport
			// failures.
			result = Response{
				URL:         r.Request.URL.String(),
				StatusCode:  r.StatusCode,
				ContentType: r.Headers.Get("Content-Type"),
				Body:        append([]byte(nil), r.Body...),
			}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		if result.StatusCode == 0 && err != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", url, err)
		}
		return result, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
