package db

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
)

var competitionColumns = []string{
	"grant_id", "source", "external_id", "title", "url", "description",
	"status", "is_active", "competition_type", "total_fund", "total_fund_gbp", "project_size",
	"project_funding_min", "project_funding_max", "expected_winners", "funding_rules",
	"opens_at", "closes_at", "tags", "sections", "resources", "scraped_at", "updated_at",
}

func ptr[T any](v T) *T { return &v }

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func competitionRow(rows *pgxmock.Rows, grantID string) *pgxmock.Rows {
	scraped := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	closes := time.Date(2025, 3, 19, 11, 0, 0, 0, time.UTC)
	return rows.AddRow(
		grantID, models.SourceInnovateUK, ptr("2341"), "Smart grants", "https://apply-for-innovation-funding.service.gov.uk/competition/2341/overview", "Open to UK businesses.",
		"active", true, "grant", ptr("£25 million"), ptr(int64(25_000_000)), ptr("up to £500,000"),
		nil, ptr(int64(500_000)), ptr(int64(71)), []byte(`{"micro_sme_max_pct":70}`),
		nil, &closes, []string{"innovate_uk", "grant"}, []byte(`[{"name":"scope","heading":"Scope","url":"https://x/#scope","body_text":"Scope text"}]`), []byte(`[]`), scraped, scraped,
	)
}

func TestUpsertCompetitionReplacesEveryColumn(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	comp := &models.Competition{
		GrantID:         "innovate_uk_2341",
		Source:          models.SourceInnovateUK,
		Title:           "Smart grants",
		URL:             "https://apply-for-innovation-funding.service.gov.uk/competition/2341/overview",
		Status:          models.StatusActive,
		IsActive:        true,
		CompetitionType: models.CompetitionGrant,
	}

	args := anyArgs(len(competitionColumns))
	args[0] = "innovate_uk_2341"
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO competitions")).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertCompetition(context.Background(), comp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQLUpdatesAllColumns(t *testing.T) {
	t.Parallel()

	var captured string
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherFunc(func(_, actual string) error {
		captured = actual
		return nil
	})))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("").WithArgs(anyArgs(len(competitionColumns))...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, NewStore(mock).UpsertCompetition(context.Background(), &models.Competition{GrantID: "innovate_uk_1"}))

	for _, col := range competitionColumns[1:] {
		if !strings.Contains(captured, col+" = EXCLUDED."+col) {
			t.Fatalf("upsert does not replace column %q", col)
		}
	}
}

func TestUpsertCompetitionRequiresGrantID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	err = NewStore(mock).UpsertCompetition(context.Background(), &models.Competition{Title: "x"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCompetition(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM competitions c WHERE c.grant_id = $1")).
		WithArgs("innovate_uk_2341").
		WillReturnRows(competitionRow(pgxmock.NewRows(competitionColumns), "innovate_uk_2341"))

	comp, err := NewStore(mock).GetCompetition(context.Background(), "innovate_uk_2341")
	require.NoError(t, err)
	require.Equal(t, "Smart grants", comp.Title)
	require.Equal(t, models.StatusActive, comp.Status)
	require.Equal(t, models.CompetitionGrant, comp.CompetitionType)
	require.Equal(t, int64(500_000), *comp.ProjectFundingMax)
	require.Nil(t, comp.ProjectFundingMin)
	require.Equal(t, 70.0, comp.FundingRules["micro_sme_max_pct"])
	require.Len(t, comp.Sections, 1)
	require.Equal(t, "scope", comp.Sections[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCompetitionNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM competitions").
		WithArgs("innovate_uk_404").
		WillReturnRows(pgxmock.NewRows(competitionColumns))

	_, err = NewStore(mock).GetCompetition(context.Background(), "innovate_uk_404")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestBuildListWhere(t *testing.T) {
	t.Parallel()

	active := true
	where, args := buildListWhere(ListParams{Query: "net zero", Status: "active", Type: "loan", Active: &active})
	require.Contains(t, where, "plainto_tsquery('english', $1)")
	require.Contains(t, where, "c.status = $2")
	require.Contains(t, where, "c.competition_type = $3")
	require.Contains(t, where, "c.is_active = $4")
	require.Equal(t, []any{"net zero", "active", "loan", true}, args)

	where, args = buildListWhere(ListParams{Status: "all"})
	require.Equal(t, "WHERE 1=1", where)
	require.Empty(t, args)
}

func TestListCompetitions(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM competitions c WHERE 1=1 AND c.status = $1")).
		WithArgs("active").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	rows := pgxmock.NewRows(competitionColumns)
	competitionRow(rows, "innovate_uk_1")
	competitionRow(rows, "innovate_uk_2")
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $2 OFFSET $3")).
		WithArgs("active", 10, 0).
		WillReturnRows(rows)

	res, err := NewStore(mock).ListCompetitions(context.Background(), ListParams{Status: "active", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Competitions, 2)
	require.Equal(t, "innovate_uk_2", res.Competitions[1].GrantID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureIncrementsCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("failure_count = failed_competitions.failure_count + 1")).
		WithArgs("innovate_uk_7", "https://x/competition/7", "HttpStatus(503)", "boom").
		WillReturnRows(pgxmock.NewRows([]string{"failure_count"}).AddRow(3))

	count, err := NewStore(mock).RecordFailure(context.Background(), "innovate_uk_7", "https://x/competition/7", "HttpStatus(503)", "boom")
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM failed_competitions WHERE grant_id = $1")).
		WithArgs("innovate_uk_7").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, NewStore(mock).ClearFailure(context.Background(), "innovate_uk_7"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceDocuments(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	docs := []models.IndexableDocument{
		{ID: "innovate_uk_1_section_scope", DocType: "competition_section", SectionName: "scope", Text: "a", SourceURL: "u", CitationText: "c"},
		{ID: "innovate_uk_1_section_eligibility", DocType: "competition_section", SectionName: "eligibility", Text: "b", SourceURL: "u", CitationText: "c"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM competition_documents").WithArgs("innovate_uk_1").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	for range docs {
		mock.ExpectExec("INSERT INTO competition_documents").WithArgs(anyArgs(9)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, NewStore(mock).ReplaceDocuments(context.Background(), "innovate_uk_1", docs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndListRuns(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	started := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	stats := monitor.RunStats{RunID: "20250314_093000", RunTimestamp: started, EndedAt: started.Add(time.Minute), TotalCompetitions: 37, Succeeded: 35, Failed: 2, SuccessRate: 94.59}

	args := anyArgs(9)
	args[1] = "20250314_093000"
	mock.ExpectExec("INSERT INTO ingest_runs").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	id, err := store.SaveRun(context.Background(), stats)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	mock.ExpectQuery("FROM ingest_runs").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "run_id", "started_at", "ended_at", "total", "succeeded", "failed", "success_rate", "stats"}).
			AddRow(id, "20250314_093000", started, started.Add(time.Minute), 37, 35, 2, 94.59, []byte(`{"run_id":"20250314_093000","failed":2}`)))

	runs, err := store.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 94.59, runs[0].SuccessRate)
	require.Equal(t, 2, runs[0].Stats.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationFilesAreOrdered(t *testing.T) {
	t.Parallel()

	files, err := MigrationFiles()
	require.NoError(t, err)
	require.Equal(t, []string{"001_competitions.sql", "002_runs_and_failures.sql", "003_embeddings.sql"}, files)
}
