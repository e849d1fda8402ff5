package ingest

import (
	"context"
	"io"
	"time"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
)

// FetchedDocument represents the raw result of a fetch operation.
type FetchedDocument struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
	FetchedAt   time.Time
	Headers     map[string][]string
	Retries     int
}

// Fetcher retrieves raw content from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedDocument, error)
}

// FetchConfig holds the HTTP pacing and retry settings shared by all fetchers.
type FetchConfig struct {
	Timeout        time.Duration
	DelayMin       time.Duration
	DelayMax       time.Duration
	MaxRetries     int
	BackoffFactor  float64
	BackoffUnit    time.Duration // Default: 1s
	MaxRPS         float64       // 0 = no aggregate ceiling
	UserAgent      string
	AcceptLanguage string
	ProxyURL       string
}

// RawSection is a page section exactly as it appears on the page.
type RawSection struct {
	Name     string
	Heading  string
	Fragment string
	HTML     string
	Text     string
	Markdown string
}

// RawResource is an outbound link found in the supporting information.
type RawResource struct {
	Label string
	URL   string
}

// RawCompetitionFields is the untrusted, unnormalized output of the page parser.
// Every value is kept verbatim.
type RawCompetitionFields struct {
	PageURL      string
	Title        string
	StatusText   string
	OpensText    string
	ClosesText   string
	TotalFund    string
	ProjectSize  string
	Description  string
	FundingRules map[string]float64
	Sections     []RawSection
	Resources    []RawResource
}

// ScrapeResult is the output of a successful competition scrape.
type ScrapeResult struct {
	Competition   *models.Competition
	Sections      []models.Section
	Resources     []models.Resource
	Documents     []models.IndexableDocument
	EmbeddingText string
	Retries       int
}
