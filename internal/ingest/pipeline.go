package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/ai"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/cache"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
)

// StorageFailure is the error kind reported when a scraped record could not be persisted.
const StorageFailure = "StorageFailure"

// Scraper produces a normalized competition for a URL.
type Scraper interface {
	ScrapeCompetition(ctx context.Context, url string) (*ScrapeResult, error)
}

// CompetitionSink persists scrape results and the dead-letter record.
type CompetitionSink interface {
	UpsertCompetition(ctx context.Context, c *models.Competition) error
	ReplaceDocuments(ctx context.Context, grantID string, docs []models.IndexableDocument) error
	RecordFailure(ctx context.Context, grantID, url, errorKind, message string) (int, error)
	ClearFailure(ctx context.Context, grantID string) error
}

// EmbeddingSink stores competition vectors.
type EmbeddingSink interface {
	SaveEmbedding(ctx context.Context, grantID, model string, vec []float32) error
}

// Pipeline drives a scrape run over a URL list. Sink, Embedder and Cache
// are optional; without a Sink the run only scrapes and reports.
type Pipeline struct {
	Scraper  Scraper
	Sink     CompetitionSink
	Embedder ai.Embedder
	Vectors  EmbeddingSink
	Cache    cache.FingerprintCache
	Monitor  *monitor.Monitor
	Workers  int

	logger *zap.Logger
}

func NewPipeline(scraper Scraper, sink CompetitionSink, mon *monitor.Monitor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mon == nil {
		mon = monitor.New(nil, logger)
	}
	return &Pipeline{
		Scraper: scraper,
		Sink:    sink,
		Monitor: mon,
		Workers: 1,
		Cache:   cache.NewMemoryCache(),
		logger:  logger,
	}
}

// Run scrapes every URL with at most Workers in flight and returns the
// finalized run statistics. A failing competition never stops the run;
// cancelling ctx stops scheduling new URLs and finalizes a shorter report.
func (p *Pipeline) Run(ctx context.Context, urls []string) monitor.RunStats {
	urls = dedupeURLs(urls)
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	p.logger.Info("scrape run starting",
		zap.String("run_id", p.Monitor.RunID()),
		zap.Int("urls", len(urls)),
		zap.Int("workers", workers),
	)

	var g errgroup.Group
	g.SetLimit(workers)
	for _, u := range urls {
		if ctx.Err() != nil {
			p.logger.Warn("scrape run cancelled", zap.Error(ctx.Err()))
			break
		}
		g.Go(func() error {
			p.processURL(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	return p.Monitor.Finalize()
}

func (p *Pipeline) processURL(ctx context.Context, url string) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	log := p.logger.With(zap.String("url", url))

	res, err := p.Scraper.ScrapeCompetition(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted work is not a competition failure.
			return
		}
		p.recordFailure(ctx, GrantIDForURL(url), url, ErrorKindOf(err), err, RetriesOf(err), start)
		return
	}

	comp := res.Competition
	log = log.With(zap.String("grant_id", comp.GrantID))

	if p.Sink != nil {
		if err := p.Sink.UpsertCompetition(ctx, comp); err != nil {
			p.recordFailure(ctx, comp.GrantID, url, StorageFailure, err, res.Retries, start)
			return
		}
		if err := p.Sink.ReplaceDocuments(ctx, comp.GrantID, res.Documents); err != nil {
			log.Warn("failed to store documents", zap.Error(err))
		}
		if err := p.Sink.ClearFailure(ctx, comp.GrantID); err != nil {
			log.Warn("failed to clear dead-letter entry", zap.Error(err))
		}
	}

	change := monitor.ChangeNew
	if p.Cache != nil {
		c, err := cache.Classify(ctx, p.Cache, comp)
		if err != nil {
			log.Warn("change classification failed", zap.Error(err))
		} else {
			change = monitor.Change(c)
		}
	}
	p.Monitor.RecordChange(change)

	if change != monitor.ChangeUnchanged {
		p.embed(ctx, log, comp.GrantID, res.EmbeddingText)
	}

	p.Monitor.LogAttempt(monitor.Attempt{
		CompetitionID: comp.GrantID,
		URL:           url,
		Success:       true,
		RetryCount:    res.Retries,
		DurationMS:    time.Since(start).Milliseconds(),
	})
}

// embed feeds the embedding sink. Failures are logged; the record is already stored.
func (p *Pipeline) embed(ctx context.Context, log *zap.Logger, grantID, text string) {
	if p.Embedder == nil || p.Vectors == nil {
		return
	}
	vec, err := p.Embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		if !errors.Is(err, ai.ErrEmptyText) {
			log.Warn("embedding failed", zap.Error(err))
		}
		return
	}
	if err := p.Vectors.SaveEmbedding(ctx, grantID, p.Embedder.ModelName(), vec); err != nil {
		log.Warn("failed to store embedding", zap.Error(err))
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, grantID, url, kind string, cause error, retries int, start time.Time) {
	p.Monitor.LogAttempt(monitor.Attempt{
		CompetitionID: grantID,
		URL:           url,
		Success:       false,
		Error:         cause.Error(),
		ErrorKind:     kind,
		RetryCount:    retries,
		DurationMS:    time.Since(start).Milliseconds(),
	})
	if p.Sink == nil {
		return
	}
	count, err := p.Sink.RecordFailure(ctx, grantID, url, kind, cause.Error())
	if err != nil {
		p.logger.Warn("failed to record dead-letter entry", zap.String("grant_id", grantID), zap.Error(err))
		return
	}
	if count >= monitor.FailureThreshold {
		p.logger.Error("competition needs manual review",
			zap.String("grant_id", grantID),
			zap.String("url", url),
			zap.Int("consecutive_failures", count),
		)
	}
}

func dedupeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		key := CanonicalizeURL(u)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(u))
	}
	return out
}

// ReadURLList reads one URL per line. Blank lines and lines starting
// with # are skipped.
func ReadURLList(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}

func ReadURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer f.Close()
	return ReadURLList(f)
}
