package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/config"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/db"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/ingest"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/logging"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/runner"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	urlFile := flag.String("urls", "", "URL list file (overrides pipeline.url_file)")
	workers := flag.Int("workers", 0, "concurrent competitions (overrides pipeline.workers)")
	noDB := flag.Bool("no-db", false, "scrape and report without writing to PostgreSQL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *urlFile != "" {
		cfg.Pipeline.URLFile = *urlFile
	}
	if *workers > 0 {
		cfg.Pipeline.Workers = min(*workers, config.MaxWorkers)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	urls, err := ingest.ReadURLFile(cfg.Pipeline.URLFile)
	if err != nil {
		logger.Fatal("reading url list", zap.Error(err))
	}

	var opts runner.Options
	if !*noDB {
		pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer pool.Close()
		if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
			logger.Fatal("applying migrations", zap.Error(err))
		}
		opts.Store = db.NewStore(pool)
	}

	r, err := runner.New(ctx, cfg, opts, logger)
	if err != nil {
		logger.Fatal("building pipeline", zap.Error(err))
	}
	defer r.Close()

	stats, err := r.Run(ctx, urls)
	if err != nil {
		logger.Error("finishing run", zap.Error(err))
	}

	printSummary(stats)
	if monitor.IsUnhealthy(stats) {
		fmt.Println(monitor.AlertMessage(stats))
	}

	if err != nil || stats.Failed > 0 {
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
}

func printSummary(stats monitor.RunStats) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Run " + stats.RunID)
	t.AppendHeader(table.Row{"Total", "Succeeded", "Failed", "Success %", "Retries", "New", "Updated", "Unchanged", "Persistent", "Duration"})
	t.AppendRow(table.Row{
		stats.TotalCompetitions, stats.Succeeded, stats.Failed,
		fmt.Sprintf("%.2f", stats.SuccessRate), stats.TotalRetries,
		stats.New, stats.Updated, stats.Unchanged, stats.PersistentCount,
		(time.Duration(stats.DurationSeconds * float64(time.Second))).Round(time.Second).String(),
	})
	t.Render()

	if len(stats.ErrorSummary) == 0 {
		return
	}
	kinds := make([]string, 0, len(stats.ErrorSummary))
	for k := range stats.ErrorSummary {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	e := table.NewWriter()
	e.SetOutputMirror(os.Stdout)
	e.AppendHeader(table.Row{"Error", "Count"})
	for _, k := range kinds {
		e.AppendRow(table.Row{k, stats.ErrorSummary[k]})
	}
	e.Render()
}
