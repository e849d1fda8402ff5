package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/config"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/db"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, 2)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	pending, err := db.PendingMigrations(ctx, pool)
	if err != nil {
		log.Fatalf("Migration check failed: %v", err)
	}
	if len(pending) > 0 {
		fmt.Printf("Pending migrations: %v\n", pending)
	} else {
		fmt.Println("Schema up to date")
	}

	var total, active, withFund, embedded, failing int
	err = pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM competitions),
			(SELECT count(*) FROM competitions WHERE is_active),
			(SELECT count(total_fund_gbp) FROM competitions),
			(SELECT count(*) FROM competition_embeddings),
			(SELECT count(*) FROM failed_competitions)
	`).Scan(&total, &active, &withFund, &embedded, &failing)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Printf("Competitions: %d\n", total)
	fmt.Printf("Active: %d\n", active)
	fmt.Printf("With total fund: %d\n", withFund)
	fmt.Printf("With embedding: %d\n", embedded)
	fmt.Printf("In dead-letter table: %d\n", failing)
}
