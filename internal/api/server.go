// Package api serves stored competitions, run history and the dead-letter
// record, and lets an operator trigger a scrape run.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/ai"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/auth"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/db"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/metrics"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
)

const (
	defaultLimit     = 20
	maxLimit         = 100
	defaultRunsLimit = 20
	runTimeout       = 2 * time.Hour
)

// Store is the read side of the competition database.
type Store interface {
	ListCompetitions(ctx context.Context, params db.ListParams) (*db.ListResult, error)
	GetCompetition(ctx context.Context, grantID string) (*models.Competition, error)
	ListRuns(ctx context.Context, limit int) ([]db.RunRecord, error)
	ListFailures(ctx context.Context, minCount int) ([]db.FailureRecord, error)
}

// RunFunc executes one scrape run and returns its statistics.
type RunFunc func(ctx context.Context) (monitor.RunStats, error)

type Server struct {
	Store    Store
	Auth     *auth.Service
	Embedder ai.Embedder
	Echo     *echo.Echo

	runScrape RunFunc
	logger    *zap.Logger

	// Background job tracking
	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Operator  string             `json:"operator"`
	Result    *monitor.RunStats  `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
}

// NewServer wires routes. runScrape may be nil, in which case run
// triggering answers 503.
func NewServer(store Store, authService *auth.Service, runScrape RunFunc, corsOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogMethod:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	}))
	if len(corsOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	s := &Server{
		Store:     store,
		Auth:      authService,
		Echo:      e,
		runScrape: runScrape,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	s.Echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := s.Echo.Group("/api/v1")
	api.GET("/competitions", s.handleListCompetitions)
	api.GET("/competitions/:grant_id", s.handleGetCompetition)
	api.GET("/runs", s.handleListRuns)
	api.GET("/failures", s.handleListFailures)
	api.POST("/auth/token", s.handleLogin)

	operator := api.Group("")
	operator.Use(s.Auth.Middleware)
	operator.POST("/runs", s.handleTriggerRun)
	operator.GET("/jobs/:id", s.handleJobStatus)
}

func (s *Server) Start(port int) error {
	return s.Echo.Start(":" + strconv.Itoa(port))
}

// handleHealth reports the health of the latest finished run.
func (s *Server) handleHealth(c echo.Context) error {
	runs, err := s.Store.ListRuns(c.Request().Context(), 1)
	if err != nil {
		s.logger.Error("failed to load latest run", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "error", "error": "database unavailable"})
	}
	if len(runs) == 0 {
		return c.JSON(http.StatusOK, map[string]string{"status": "unknown"})
	}

	latest := runs[0]
	resp := map[string]any{
		"status":       "ok",
		"run_id":       latest.RunID,
		"ended_at":     latest.EndedAt,
		"success_rate": latest.SuccessRate,
		"failed":       latest.Failed,
		"total":        latest.Total,
	}
	if monitor.IsUnhealthy(latest.Stats) {
		resp["status"] = "degraded"
		resp["alert"] = monitor.AlertMessage(latest.Stats)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListCompetitions(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	params := db.ListParams{
		Query:  q,
		Status: c.QueryParam("status"),
		Type:   c.QueryParam("type"),
		Source: c.QueryParam("source"),
		Limit:  defaultLimit,
	}

	if raw := params.Status; raw != "" && raw != "all" && models.ParseStatus(raw) != models.Status(raw) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "status must be active, closed, unknown or all"})
	}
	if raw := c.QueryParam("type"); raw != "" && !models.CompetitionType(raw).Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type must be grant, loan or prize"})
	}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= maxLimit {
		params.Limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		params.Offset = o
	}
	if raw := c.QueryParam("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "active must be true or false"})
		}
		params.Active = &active
	}

	// Semantic ordering when an embedder is configured; keyword search otherwise.
	if q != "" && s.Embedder != nil {
		aiCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		vec, err := s.Embedder.GenerateEmbedding(aiCtx, q)
		if err != nil {
			s.logger.Warn("failed to generate query embedding", zap.Error(err))
		} else {
			params.QueryEmbedding = vec
		}
	}

	result, err := s.Store.ListCompetitions(c.Request().Context(), params)
	if err != nil {
		s.logger.Error("failed to list competitions", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetCompetition(c echo.Context) error {
	comp, err := s.Store.GetCompetition(c.Request().Context(), c.Param("grant_id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "competition not found"})
	}
	if err != nil {
		s.logger.Error("failed to get competition", zap.String("grant_id", c.Param("grant_id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, comp)
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := defaultRunsLimit
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	runs, err := s.Store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListFailures(c echo.Context) error {
	minCount := 1
	if v, err := strconv.Atoi(c.QueryParam("min_count")); err == nil && v > 0 {
		minCount = v
	}
	failures, err := s.Store.ListFailures(c.Request().Context(), minCount)
	if err != nil {
		s.logger.Error("failed to list failures", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"failures":          failures,
		"failure_threshold": monitor.FailureThreshold,
	})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.Auth.Login(req)
	switch {
	case errors.Is(err, auth.ErrInvalidCreds):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
	case errors.Is(err, auth.ErrLoginDisabled):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

// handleTriggerRun starts a scrape run in the background and returns 202.
// Only one run may be in flight.
func (s *Server) handleTriggerRun(c echo.Context) error {
	if s.runScrape == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "scrape runs are not enabled on this server"})
	}
	operator, _ := auth.OperatorFromContext(c)

	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]any{
			"error":  "A scrape run is already in progress",
			"job_id": job.ID,
		})
	}

	// Detached from the request; bounded by runTimeout.
	jobCtx, jobCancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), runTimeout)

	job := &backgroundJob{
		ID:        uuid.New().String()[:8],
		Status:    "running",
		StartedAt: time.Now(),
		Operator:  operator,
		Cancel:    jobCancel,
	}
	s.runningJob = job
	s.jobMu.Unlock()

	s.logger.Info("scrape run triggered", zap.String("job_id", job.ID), zap.String("operator", operator))

	go func() {
		defer jobCancel()
		stats, err := s.runScrape(jobCtx)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = time.Now()
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			s.logger.Error("scrape run failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		job.Status = "completed"
		job.Result = &stats
		s.logger.Info("scrape run completed",
			zap.String("job_id", job.ID),
			zap.String("run_id", stats.RunID),
			zap.Float64("success_rate", stats.SuccessRate),
		)
	}()

	return c.JSON(http.StatusAccepted, map[string]any{
		"message": "Scrape run started",
		"job_id":  job.ID,
		"poll":    fmt.Sprintf("/api/v1/jobs/%s", job.ID),
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]any{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
		"operator":   job.Operator,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}
