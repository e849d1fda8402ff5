package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

const maxPageBytes = 10 * 1024 * 1024

// ScrapeState is the per-URL progress of a competition scrape.
type ScrapeState string

const (
	StatePending     ScrapeState = "pending"
	StateFetching    ScrapeState = "fetching"
	StateParsing     ScrapeState = "parsing"
	StateNormalizing ScrapeState = "normalizing"
	StateDone        ScrapeState = "done"
	StateFailed      ScrapeState = "failed"
)

// CompetitionScraper composes fetch, parse and normalize for one URL.
// Retries belong to the Fetcher; parse and validation failures are final.
type CompetitionScraper struct {
	Fetcher    Fetcher
	Parser     *PageParser
	Normalizer *Normalizer
	// Resources, when set, adds PDF resource documents to each result.
	Resources *ResourceDocumentBuilder

	logger *zap.Logger
}

func NewCompetitionScraper(f Fetcher, p *PageParser, n *Normalizer, logger *zap.Logger) *CompetitionScraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompetitionScraper{Fetcher: f, Parser: p, Normalizer: n, logger: logger}
}

// ScrapeCompetition returns the normalized competition for url, or a
// *ScrapeError naming the stage that failed. No partial result is returned.
func (s *CompetitionScraper) ScrapeCompetition(ctx context.Context, url string) (*ScrapeResult, error) {
	start := time.Now()
	state := StatePending
	log := s.logger.With(zap.String("url", url))

	fail := func(stage Stage, err error) (*ScrapeResult, error) {
		log.Warn("scrape failed",
			zap.String("state", string(state)),
			zap.String("stage", string(stage)),
			zap.String("error_kind", ErrorKindOf(err)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		state = StateFailed
		return nil, &ScrapeError{Stage: stage, URL: url, Cause: err}
	}

	state = StateFetching
	doc, err := s.Fetcher.Fetch(ctx, url)
	if err != nil {
		return fail(StageFetch, err)
	}
	page, err := io.ReadAll(io.LimitReader(doc.Body, maxPageBytes))
	doc.Body.Close()
	if err != nil {
		return fail(StageFetch, &FetchError{Kind: FetchConnectionFailure, URL: url, Retries: doc.Retries, Cause: fmt.Errorf("read body: %w", err)})
	}

	state = StateParsing
	raw, err := s.Parser.Parse(url, page)
	if err != nil {
		return fail(StageParse, err)
	}

	state = StateNormalizing
	comp, err := s.Normalizer.Normalize(raw)
	if err != nil {
		return fail(StageValidate, err)
	}

	result := &ScrapeResult{
		Competition:   comp,
		Sections:      comp.Sections,
		Resources:     comp.Resources,
		Documents:     BuildSectionDocuments(comp),
		EmbeddingText: EmbeddingText(comp),
		Retries:       doc.Retries,
	}
	if s.Resources != nil {
		result.Documents = append(result.Documents, s.Resources.Build(ctx, comp)...)
	}

	state = StateDone
	log.Info("scraped competition",
		zap.String("grant_id", comp.GrantID),
		zap.String("competition_type", string(comp.CompetitionType)),
		zap.Int("sections", len(comp.Sections)),
		zap.Int("resources", len(comp.Resources)),
		zap.Int("retries", doc.Retries),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}
