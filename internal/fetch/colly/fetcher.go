// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
}

// Fetcher implements crawl.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher with a pooled HTTP transport.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// fetchOutcome carries everything the collector goroutine produced. The
// response hooks write only into this goroutine-local state; handing it
// over the done channel is the sole synchronization with the caller, so
// an abandoned fetch cannot race a caller that already returned.
type fetchOutcome struct {
	result   crawl.FetchResponse
	fetchErr error
	visitErr error
}

// Fetch executes a single HTTP GET using Colly under the issued identity.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	start := time.Now()
	done := make(chan fetchOutcome, 1)
	go func() {
		var out fetchOutcome
		collector, err := f.buildCollector(request, start, &out.result, &out.fetchErr)
		if err != nil {
			out.visitErr = err
			done <- out
			return
		}
		out.visitErr = collector.Visit(request.Target)
		done <- out
	}()

	select {
	case <-ctx.Done():
		return crawl.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case out := <-done:
		if out.fetchErr != nil {
			return crawl.FetchResponse{}, fmt.Errorf("colly response failed: %w", out.fetchErr)
		}
		if out.visitErr != nil {
			return crawl.FetchResponse{}, fmt.Errorf("colly visit failed: %w", out.visitErr)
		}
		return out.result, nil
	}
}

func (f *Fetcher) buildCollector(
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.FetchResponse,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := f.baseCollector.Clone()
	if request.Identity.UserAgent != "" {
		collector.UserAgent = request.Identity.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	collector.WithTransport(transport)
	if request.Identity.ProxyURL != "" {
		if err := collector.SetProxy(request.Identity.ProxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawl.FetchResponse{
			Target:     r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Latency:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*fetchErr = &crawl.RequestError{
				Status:     r.StatusCode,
				RetryAfter: parseRetryAfter(r.Headers, time.Now()),
			}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) copyHeaders(request crawl.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// parseRetryAfter reads the Retry-After header as either seconds or an
// HTTP date and returns the suggested wait, or zero when absent.
func parseRetryAfter(headers *http.Header, now time.Time) time.Duration {
	if headers == nil {
		return 0
	}
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
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
