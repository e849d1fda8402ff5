package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/ai"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/api"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/auth"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/config"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/db"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/logging"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/runner"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
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

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
	store := db.NewStore(pool)

	authService, err := auth.NewService(cfg.AuthSettings(), logger)
	if err != nil {
		logger.Fatal("Failed to build auth service", zap.Error(err))
	}

	r, err := runner.New(ctx, cfg, runner.Options{Store: store}, logger)
	if err != nil {
		logger.Fatal("Failed to build scrape pipeline", zap.Error(err))
	}
	defer r.Close()
	runScrape := func(ctx context.Context) (monitor.RunStats, error) {
		return r.RunFile(ctx)
	}

	srv := api.NewServer(store, authService, runScrape, cfg.Server.CORSOrigins, logger)
	if cfg.Embedding.Enabled {
		srv.Embedder = ai.NewOllamaClient(cfg.Embedding.OllamaURL, cfg.Embedding.Model)
	}

	go func() {
		logger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
}
