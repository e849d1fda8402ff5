package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/config"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/ingest"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/logging"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/runner"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	maxPages := flag.Int("max-pages", 0, "stop after this many search pages (0 = default)")
	dryRun := flag.Bool("dry-run", false, "print new URLs without appending them")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	existing, err := ingest.ReadURLFile(cfg.Pipeline.URLFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatal("reading url list", zap.Error(err))
	}

	d := ingest.NewDiscoverer(runner.NewFetcher(cfg, logger), logger)
	if *maxPages > 0 {
		d.MaxPages = *maxPages
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	found, err := d.Discover(ctx)
	if err != nil {
		logger.Fatal("discovery failed", zap.Error(err))
	}

	fresh := ingest.NewURLs(existing, found)
	fmt.Printf("Discovered %d competitions, %d new\n", len(found), len(fresh))
	for _, u := range fresh {
		fmt.Println("  " + u)
	}
	if *dryRun || len(fresh) == 0 {
		return
	}
	if err := ingest.AppendURLs(cfg.Pipeline.URLFile, fresh, time.Now()); err != nil {
		logger.Fatal("appending urls", zap.Error(err))
	}
	fmt.Printf("Appended to %s\n", cfg.Pipeline.URLFile)
}
