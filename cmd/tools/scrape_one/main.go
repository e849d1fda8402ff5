package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/config"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/ingest"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/logging"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/runner"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	url := flag.String("url", "", "competition overview URL")
	docs := flag.Bool("docs", false, "include indexable documents in the output")
	flag.Parse()

	if *url == "" {
		fmt.Println("Usage: scrape_one -url https://apply-for-innovation-funding.service.gov.uk/competition/<id>/overview")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(true)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	r, err := runner.New(ctx, cfg, runner.Options{}, logger)
	if err != nil {
		log.Fatalf("Failed to build scraper: %v", err)
	}
	defer r.Close()

	res, err := r.Scraper().ScrapeCompetition(ctx, *url)
	if err != nil {
		fmt.Printf("Scrape failed (%s): %v\n", ingest.ErrorKindOf(err), err)
		os.Exit(1)
	}

	var out any = res.Competition
	if *docs {
		out = res
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal(err)
	}
}
