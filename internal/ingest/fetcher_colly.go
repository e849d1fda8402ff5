package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// CollyFetcher implements Fetcher on top of a shared Colly collector.
// Pacing uses the same delay gate as RateLimitedFetcher, waited on before
// every visit including the first.
type CollyFetcher struct {
	IgnoreRobotsTxt bool
	MaxBodySize     int // bytes, 0 = unlimited

	config FetchConfig
	base   *colly.Collector
	gate   *delayGate
	logger *zap.Logger
}

// NewCollyFetcher creates a CollyFetcher from a FetchConfig.
func NewCollyFetcher(cfg FetchConfig, logger *zap.Logger) *CollyFetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &CollyFetcher{
		IgnoreRobotsTxt: true,
		MaxBodySize:     10 * 1024 * 1024,
		config:          cfg,
		gate:            newDelayGate(cfg.DelayMin, cfg.DelayMax, cfg.MaxRPS),
		logger:          logger,
	}
	f.base = f.buildCollector()
	return f
}

// SetIgnoreRobots toggles robots.txt handling and rebuilds the collector.
func (f *CollyFetcher) SetIgnoreRobots(ignore bool) {
	f.IgnoreRobotsTxt = ignore
	f.base = f.buildCollector()
}

// buildCollector creates the configured Colly collector every fetch clones.
func (f *CollyFetcher) buildCollector() *colly.Collector {
	opts := []colly.CollectorOption{
		colly.UserAgent(f.config.UserAgent),
		colly.MaxBodySize(f.MaxBodySize),
		colly.AllowURLRevisit(),
		colly.DetectCharset(),
	}
	if f.IgnoreRobotsTxt {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}

	c := colly.NewCollector(opts...)
	_ = c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
	})
	c.SetRequestTimeout(f.config.Timeout)
	if f.config.ProxyURL != "" {
		if err := c.SetProxy(f.config.ProxyURL); err != nil {
			f.logger.Warn("ignoring invalid proxy", zap.String("proxy", f.config.ProxyURL), zap.Error(err))
		}
	}
	return c
}

// Fetch implements the Fetcher interface, retrying like RateLimitedFetcher.
func (f *CollyFetcher) Fetch(ctx context.Context, targetURL string) (*FetchedDocument, error) {
	if _, err := url.ParseRequestURI(targetURL); err != nil {
		return nil, &FetchError{Kind: FetchConnectionFailure, URL: targetURL, Cause: fmt.Errorf("invalid URL: %w", err)}
	}

	var lastErr *FetchError
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, f.config.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := f.gate.Wait(ctx); err != nil {
			return nil, err
		}

		doc, ferr := f.visit(ctx, targetURL)
		if ferr == nil {
			doc.Retries = attempt
			return doc, nil
		}
		ferr.Retries = attempt
		lastErr = ferr
		f.logger.Debug("colly fetch failed",
			zap.String("url", targetURL),
			zap.Int("attempt", attempt),
			zap.String("error_kind", ferr.Label()),
		)
		if !ferr.IsRetryable() {
			return nil, ferr
		}
	}
	return nil, lastErr
}

func (f *CollyFetcher) visit(ctx context.Context, targetURL string) (*FetchedDocument, *FetchError) {
	c := f.base.Clone()
	c.Context = ctx

	var result *FetchedDocument
	var status int

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", f.config.AcceptLanguage)
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		result = &FetchedDocument{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        io.NopCloser(bytes.NewReader(r.Body)),
			FetchedAt:   time.Now(),
			Headers:     map[string][]string(r.Headers.Clone()),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	err := c.Visit(targetURL)
	if status != 0 && status != 200 {
		return nil, &FetchError{Kind: FetchHTTPStatus, URL: targetURL, StatusCode: status}
	}
	if err != nil {
		return nil, &FetchError{Kind: classifyTransportError(err), URL: targetURL, Cause: err}
	}
	if result == nil {
		return nil, &FetchError{Kind: FetchConnectionFailure, URL: targetURL, Cause: fmt.Errorf("no response received")}
	}
	return result, nil
}
