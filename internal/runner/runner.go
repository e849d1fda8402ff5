// Package runner wires configuration into a ready-to-run scrape pipeline.
// The scraper CLI and the API trigger endpoint share it.
package runner

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/ai"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/cache"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/config"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/db"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/ingest"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/logging"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
)

// Options overrides parts of the wiring. Zero values mean "build from config".
type Options struct {
	// Store persists results. Nil runs scrape-and-report only.
	Store *db.Store
	// Fetcher replaces the configured fetch backend.
	Fetcher ingest.Fetcher
	// Cache replaces the Redis or in-memory fingerprint cache.
	Cache cache.FingerprintCache
	// Embedder replaces the Ollama client.
	Embedder ai.Embedder
}

// Runner holds the long-lived pieces of a scrape: fetcher, scraper, cache
// and sinks. Each Run gets a fresh Monitor.
type Runner struct {
	cfg      config.Config
	logger   *zap.Logger
	fetcher  ingest.Fetcher
	scraper  *ingest.CompetitionScraper
	store    *db.Store
	cache    cache.FingerprintCache
	embedder ai.Embedder
	redis    *redis.Client
}

// New builds a Runner from cfg. Redis is dialled when redis.addr is set.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, logger: logger, store: opts.Store}

	r.fetcher = opts.Fetcher
	if r.fetcher == nil {
		r.fetcher = NewFetcher(cfg, logger)
	}

	parser := ingest.NewPageParser(nil, logger)
	normalizer := ingest.NewNormalizer(cfg.Normalize.TypicalProjectPercent, nil, logger)
	r.scraper = ingest.NewCompetitionScraper(r.fetcher, parser, normalizer, logger)
	if cfg.Resources.FetchPDFs {
		r.scraper.Resources = ingest.NewResourceDocumentBuilder(r.fetcher, logger)
	}

	switch {
	case opts.Cache != nil:
		r.cache = opts.Cache
	case cfg.Redis.Addr != "":
		client, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		r.redis = client
		r.cache = cache.NewRedisCache(client, cfg.CacheTTL())
	default:
		r.cache = cache.NewMemoryCache()
	}

	r.embedder = opts.Embedder
	if r.embedder == nil && cfg.Embedding.Enabled {
		r.embedder = ai.NewOllamaClient(cfg.Embedding.OllamaURL, cfg.Embedding.Model)
	}

	return r, nil
}

// NewFetcher returns the fetch backend selected by fetch.backend.
func NewFetcher(cfg config.Config, logger *zap.Logger) ingest.Fetcher {
	if cfg.Fetch.Backend == "colly" {
		f := ingest.NewCollyFetcher(cfg.FetchSettings(), logger)
		f.SetIgnoreRobots(cfg.Fetch.IgnoreRobots)
		return f
	}
	return ingest.NewRateLimitedFetcher(cfg.FetchSettings(), logger)
}

// Scraper exposes the composed single-URL scraper.
func (r *Runner) Scraper() *ingest.CompetitionScraper { return r.scraper }

// Run scrapes urls, writes the run artifacts and, with a store, records
// the run. Failed competitions are reported in the stats, not as an error.
func (r *Runner) Run(ctx context.Context, urls []string) (monitor.RunStats, error) {
	mon := monitor.New(nil, r.logger)
	log := logging.WithRun(r.logger, mon.RunID())

	dir := r.cfg.Pipeline.ArtifactDir
	if err := mon.LoadPreviousFailures(dir); err != nil {
		log.Warn("previous failures unreadable, counting from zero", zap.Error(err))
	}

	var sink ingest.CompetitionSink
	if r.store != nil {
		sink = r.store
	}
	p := ingest.NewPipeline(r.scraper, sink, mon, log)
	p.Workers = r.cfg.Pipeline.Workers
	p.Cache = r.cache
	if r.embedder != nil && r.store != nil {
		p.Embedder = r.embedder
		p.Vectors = r.store
	}

	stats := p.Run(ctx, urls)

	if err := mon.WriteArtifacts(dir); err != nil {
		return stats, fmt.Errorf("write run artifacts: %w", err)
	}
	if r.store != nil {
		// The run context may already be cancelled; the record still matters.
		if _, err := r.store.SaveRun(context.WithoutCancel(ctx), stats); err != nil {
			return stats, fmt.Errorf("save run: %w", err)
		}
	}

	if mon.ShouldAlert() {
		log.Error("scrape run unhealthy", zap.String("alert", mon.AlertMessage()))
	}
	log.Info("scrape run finished",
		zap.Int("total", stats.TotalCompetitions),
		zap.Int("failed", stats.Failed),
		zap.Float64("success_rate", stats.SuccessRate),
	)
	return stats, nil
}

// RunFile reads pipeline.url_file and runs it.
func (r *Runner) RunFile(ctx context.Context) (monitor.RunStats, error) {
	urls, err := ingest.ReadURLFile(r.cfg.Pipeline.URLFile)
	if err != nil {
		return monitor.RunStats{}, err
	}
	return r.Run(ctx, urls)
}

// Close releases the Redis connection, if any.
func (r *Runner) Close() {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("closing redis", zap.Error(err))
		}
	}
}
