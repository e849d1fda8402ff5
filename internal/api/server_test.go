package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/auth"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/db"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
)

type fakeStore struct {
	mu         sync.Mutex
	comps      map[string]*models.Competition
	runs       []db.RunRecord
	failures   []db.FailureRecord
	lastParams db.ListParams
	err        error
}

func (f *fakeStore) ListCompetitions(_ context.Context, params db.ListParams) (*db.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	res := &db.ListResult{Limit: params.Limit, Offset: params.Offset}
	for _, c := range f.comps {
		res.Competitions = append(res.Competitions, *c)
	}
	res.Total = len(res.Competitions)
	return res, nil
}

func (f *fakeStore) GetCompetition(_ context.Context, grantID string) (*models.Competition, error) {
	if c, ok := f.comps[grantID]; ok {
		return c, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ListRuns(_ context.Context, limit int) ([]db.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.runs) > limit {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeStore) ListFailures(_ context.Context, minCount int) ([]db.FailureRecord, error) {
	var out []db.FailureRecord
	for _, r := range f.failures {
		if r.FailureCount >= minCount {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeEmbedder struct{ calls int }

func (e *fakeEmbedder) GenerateEmbedding(context.Context, string) ([]float32, error) {
	e.calls++
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) ModelName() string { return "test" }

func newTestServer(t *testing.T, store *fakeStore, run RunFunc) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	authService, err := auth.NewService(auth.Settings{
		Secret:       "test-secret",
		Operator:     "operator",
		PasswordHash: string(hash),
		TokenTTL:     time.Minute,
	}, nil)
	require.NoError(t, err)
	return NewServer(store, authService, run, nil, nil)
}

func do(t *testing.T, s *Server, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func smartGrants() *models.Competition {
	return &models.Competition{
		GrantID:         "innovate_uk_2141",
		Source:          models.SourceInnovateUK,
		Title:           "Smart grants",
		Status:          models.StatusActive,
		IsActive:        true,
		CompetitionType: models.CompetitionGrant,
	}
}

func TestHealth(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(t, store, nil)

	rec := do(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unknown"`)

	store.runs = []db.RunRecord{{
		RunID: "20250314_093000", Total: 37, Succeeded: 35, Failed: 2, SuccessRate: 94.59,
		Stats: monitor.RunStats{TotalCompetitions: 37, Succeeded: 35, Failed: 2, SuccessRate: 94.59},
	}}
	rec = do(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["alert"], "Low success rate: 94.6% (2/37 failed)")

	store.err = errors.New("down")
	rec = do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListCompetitionsFilters(t *testing.T) {
	store := &fakeStore{comps: map[string]*models.Competition{"innovate_uk_2141": smartGrants()}}
	s := newTestServer(t, store, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/competitions?status=active&type=grant&active=true&limit=5&offset=10&q=net+zero", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	p := store.lastParams
	assert.Equal(t, "net zero", p.Query)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, "grant", p.Type)
	require.NotNil(t, p.Active)
	assert.True(t, *p.Active)
	assert.Equal(t, 5, p.Limit)
	assert.Equal(t, 10, p.Offset)
	assert.Nil(t, p.QueryEmbedding, "no embedder configured")

	var res db.ListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, "Smart grants", res.Competitions[0].Title)
}

func TestListCompetitionsRejectsBadInput(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/competitions?type=bursary", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/competitions?active=maybe", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/competitions?status=pending", "", "").Code)
}

func TestListCompetitionsSemanticSearch(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(t, store, nil)
	emb := &fakeEmbedder{}
	s.Embedder = emb

	rec := do(t, s, http.MethodGet, "/api/v1/competitions?q=hydrogen", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, []float32{1, 0, 0}, store.lastParams.QueryEmbedding)
	assert.Equal(t, defaultLimit, store.lastParams.Limit)
}

func TestGetCompetition(t *testing.T) {
	store := &fakeStore{comps: map[string]*models.Competition{"innovate_uk_2141": smartGrants()}}
	s := newTestServer(t, store, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/competitions/innovate_uk_2141", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"grant_id":"innovate_uk_2141"`)

	rec = do(t, s, http.MethodGet, "/api/v1/competitions/innovate_uk_404", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListFailures(t *testing.T) {
	store := &fakeStore{failures: []db.FailureRecord{
		{GrantID: "innovate_uk_1", FailureCount: 1},
		{GrantID: "innovate_uk_2", FailureCount: 4},
	}}
	s := newTestServer(t, store, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/failures?min_count=3", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "innovate_uk_2")
	assert.NotContains(t, rec.Body.String(), "innovate_uk_1\"")
}

func TestLoginAndTriggerRun(t *testing.T) {
	done := make(chan struct{})
	run := func(ctx context.Context) (monitor.RunStats, error) {
		<-done
		return monitor.RunStats{RunID: "20250314_093000", SuccessRate: 100}, nil
	}
	s := newTestServer(t, &fakeStore{}, run)

	rec := do(t, s, http.MethodPost, "/api/v1/runs", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/auth/token", `{"username":"operator","password":"wrong"}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/auth/token", `{"username":"operator","password":"s3cret"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tok auth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	rec = do(t, s, http.MethodPost, "/api/v1/runs", "", tok.Token)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	jobID, _ := started["job_id"].(string)
	require.NotEmpty(t, jobID)

	rec = do(t, s, http.MethodPost, "/api/v1/runs", "", tok.Token)
	assert.Equal(t, http.StatusConflict, rec.Code, "only one run at a time")

	close(done)
	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+jobID, "", tok.Token)
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"status":"completed"`)
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, s, http.MethodGet, "/api/v1/jobs/unknown", "", tok.Token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerRunDisabled(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, nil)
	tok, err := s.Auth.IssueToken("operator")
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/v1/runs", "", tok.Token)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, nil)

	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
