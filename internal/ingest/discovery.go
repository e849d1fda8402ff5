package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const (
	DefaultSearchURL      = "https://apply-for-innovation-funding.service.gov.uk/competition/search"
	defaultMaxSearchPages = 50
)

var overviewLinkRe = regexp.MustCompile(`/competition/\d+/overview`)

// Discoverer walks the paginated competition search and collects
// competition overview URLs.
type Discoverer struct {
	Fetcher   Fetcher
	SearchURL string
	MaxPages  int

	logger *zap.Logger
}

func NewDiscoverer(f Fetcher, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		Fetcher:   f,
		SearchURL: DefaultSearchURL,
		MaxPages:  defaultMaxSearchPages,
		logger:    logger,
	}
}

// Discover returns every overview URL found, sorted. Pagination stops at
// the first page after page 0 that adds no new link.
func (d *Discoverer) Discover(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for page := 0; page < d.MaxPages; page++ {
		pageURL := fmt.Sprintf("%s?page=%d", d.SearchURL, page)
		links, err := d.fetchPage(ctx, pageURL)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			d.logger.Warn("search page failed, stopping", zap.String("url", pageURL), zap.Error(err))
			break
		}

		added := 0
		for _, l := range links {
			if !seen[l] {
				seen[l] = true
				added++
			}
		}
		d.logger.Debug("search page scanned",
			zap.Int("page", page),
			zap.Int("links", len(links)),
			zap.Int("new", added),
		)
		if added == 0 && page > 0 {
			break
		}
	}

	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, nil
}

func (d *Discoverer) fetchPage(ctx context.Context, pageURL string) ([]string, error) {
	doc, err := d.Fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(doc.Body, maxPageBytes))
	doc.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}

	gq, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	var links []string
	gq.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !overviewLinkRe.MatchString(href) {
			return
		}
		links = append(links, CanonicalizeURL(resolveURL(pageURL, href)))
	})
	return links, nil
}

// NewURLs returns the discovered URLs not already in existing.
func NewURLs(existing, discovered []string) []string {
	known := make(map[string]bool, len(existing))
	for _, u := range existing {
		known[CanonicalizeURL(u)] = true
	}
	var fresh []string
	for _, u := range discovered {
		if !known[CanonicalizeURL(u)] {
			fresh = append(fresh, u)
		}
	}
	return fresh
}

// AppendURLs appends urls to the URL file under a dated comment header.
func AppendURLs(path string, urls []string, now time.Time) error {
	if len(urls) == 0 {
		return nil
	}
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read url file: %w", err)
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n# Auto-discovered on %s\n", now.Format("2006-01-02 15:04"))
	for _, u := range urls {
		b.WriteString(u)
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
