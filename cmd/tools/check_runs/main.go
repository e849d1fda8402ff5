package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/config"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/db"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	limit := flag.Int("limit", 10, "number of runs to show")
	minFailures := flag.Int("min-failures", monitor.FailureThreshold, "show competitions with at least this many consecutive failures")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, 2)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Recent runs")
	t.AppendHeader(table.Row{"Run", "Total", "OK", "Failed", "Success %", "New", "Updated", "Unchanged", "Duration", "Health"})
	for _, r := range runs {
		health := "ok"
		if monitor.IsUnhealthy(r.Stats) {
			health = "ALERT"
		}
		t.AppendRow(table.Row{
			r.RunID, r.Total, r.Succeeded, r.Failed, r.SuccessRate,
			r.Stats.New, r.Stats.Updated, r.Stats.Unchanged,
			r.EndedAt.Sub(r.StartedAt).Round(time.Second).String(), health,
		})
	}
	t.Render()

	failures, err := store.ListFailures(ctx, *minFailures)
	if err != nil {
		log.Fatal(err)
	}
	if len(failures) == 0 {
		return
	}

	f := table.NewWriter()
	f.SetOutputMirror(os.Stdout)
	f.SetTitle("Needs manual review")
	f.AppendHeader(table.Row{"Grant", "Failures", "Error", "Last Failed", "URL"})
	for _, fr := range failures {
		f.AppendRow(table.Row{fr.GrantID, fr.FailureCount, fr.ErrorKind, fr.LastFailedAt.Format("2006-01-02 15:04"), fr.URL})
	}
	f.Render()
}
