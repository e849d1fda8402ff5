package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

type ListParams struct {
	Query          string
	QueryEmbedding []float32
	Status         string // "active", "closed", "unknown" or "" for all
	Type           string
	Active         *bool
	Source         string
	Limit          int
	Offset         int
}

type ListResult struct {
	Competitions []models.Competition `json:"competitions"`
	Total        int                  `json:"total"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// selectCols is the column list shared by every competition query.
const selectCols = `c.grant_id, c.source, c.external_id, c.title, c.url, c.description,
	c.status, c.is_active, c.competition_type, c.total_fund, c.total_fund_gbp, c.project_size,
	c.project_funding_min, c.project_funding_max, c.expected_winners, c.funding_rules,
	c.opens_at, c.closes_at, c.tags, c.sections, c.resources, c.scraped_at, c.updated_at`

func scanCompetition(scan func(dest ...any) error) (models.Competition, error) {
	var c models.Competition
	var status, ctype string
	var rulesRaw, sectionsRaw, resourcesRaw []byte

	err := scan(
		&c.GrantID, &c.Source, &c.ExternalID, &c.Title, &c.URL, &c.Description,
		&status, &c.IsActive, &ctype, &c.TotalFund, &c.TotalFundGBP, &c.ProjectSize,
		&c.ProjectFundingMin, &c.ProjectFundingMax, &c.ExpectedWinners, &rulesRaw,
		&c.OpensAt, &c.ClosesAt, &c.Tags, &sectionsRaw, &resourcesRaw, &c.ScrapedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}

	c.Status = models.ParseStatus(status)
	c.CompetitionType = models.CompetitionType(ctype)
	if !c.CompetitionType.Valid() {
		c.CompetitionType = models.CompetitionGrant
	}
	if len(rulesRaw) > 0 {
		if err := json.Unmarshal(rulesRaw, &c.FundingRules); err != nil {
			return c, fmt.Errorf("decode funding_rules: %w", err)
		}
	}
	if len(sectionsRaw) > 0 {
		if err := json.Unmarshal(sectionsRaw, &c.Sections); err != nil {
			return c, fmt.Errorf("decode sections: %w", err)
		}
	}
	if len(resourcesRaw) > 0 {
		if err := json.Unmarshal(resourcesRaw, &c.Resources); err != nil {
			return c, fmt.Errorf("decode resources: %w", err)
		}
	}
	return c, nil
}

// UpsertCompetition writes c keyed by grant_id. An existing row is fully
// replaced; nothing from the previous version survives.
func (s *Store) UpsertCompetition(ctx context.Context, c *models.Competition) error {
	if c.GrantID == "" {
		return errors.New("upsert competition: empty grant_id")
	}

	rules, err := json.Marshal(nonNilRules(c.FundingRules))
	if err != nil {
		return fmt.Errorf("encode funding_rules: %w", err)
	}
	sections, err := json.Marshal(nonNilSlice(c.Sections))
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	resources, err := json.Marshal(nonNilSlice(c.Resources))
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO competitions (
			grant_id, source, external_id, title, url, description,
			status, is_active, competition_type, total_fund, total_fund_gbp, project_size,
			project_funding_min, project_funding_max, expected_winners, funding_rules,
			opens_at, closes_at, tags, sections, resources, scraped_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
		)
		ON CONFLICT (grant_id) DO UPDATE SET
			source = EXCLUDED.source,
			external_id = EXCLUDED.external_id,
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			is_active = EXCLUDED.is_active,
			competition_type = EXCLUDED.competition_type,
			total_fund = EXCLUDED.total_fund,
			total_fund_gbp = EXCLUDED.total_fund_gbp,
			project_size = EXCLUDED.project_size,
			project_funding_min = EXCLUDED.project_funding_min,
			project_funding_max = EXCLUDED.project_funding_max,
			expected_winners = EXCLUDED.expected_winners,
			funding_rules = EXCLUDED.funding_rules,
			opens_at = EXCLUDED.opens_at,
			closes_at = EXCLUDED.closes_at,
			tags = EXCLUDED.tags,
			sections = EXCLUDED.sections,
			resources = EXCLUDED.resources,
			scraped_at = EXCLUDED.scraped_at,
			updated_at = EXCLUDED.updated_at
	`,
		c.GrantID, c.Source, c.ExternalID, c.Title, c.URL, c.Description,
		string(c.Status), c.IsActive, string(c.CompetitionType), c.TotalFund, c.TotalFundGBP, c.ProjectSize,
		c.ProjectFundingMin, c.ProjectFundingMax, c.ExpectedWinners, rules,
		c.OpensAt, c.ClosesAt, tags, sections, resources, c.ScrapedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert competition %s: %w", c.GrantID, err)
	}
	return nil
}

func (s *Store) GetCompetition(ctx context.Context, grantID string) (*models.Competition, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM competitions c
		WHERE c.grant_id = $1
	`, selectCols)
	row := s.db.QueryRow(ctx, sql, grantID)

	c, err := scanCompetition(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get competition %s: %w", grantID, err)
	}
	return &c, nil
}

// buildListWhere returns the WHERE clause and args for params. Placeholders
// start at $1.
func buildListWhere(params ListParams) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	argIdx := 1

	if q := strings.TrimSpace(params.Query); q != "" {
		where += fmt.Sprintf(" AND (c.search_vector @@ plainto_tsquery('english', $%d) OR c.title ILIKE '%%' || $%d || '%%')", argIdx, argIdx)
		args = append(args, q)
		argIdx++
	}
	if params.Source != "" {
		where += fmt.Sprintf(" AND c.source = $%d", argIdx)
		args = append(args, params.Source)
		argIdx++
	}
	if params.Status != "" && params.Status != "all" {
		where += fmt.Sprintf(" AND c.status = $%d", argIdx)
		args = append(args, params.Status)
		argIdx++
	}
	if params.Type != "" {
		where += fmt.Sprintf(" AND c.competition_type = $%d", argIdx)
		args = append(args, params.Type)
		argIdx++
	}
	if params.Active != nil {
		where += fmt.Sprintf(" AND c.is_active = $%d", argIdx)
		args = append(args, *params.Active)
	}
	return where, args
}

func (s *Store) ListCompetitions(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	where, args := buildListWhere(params)
	argIdx := len(args) + 1

	var total int
	countSQL := "SELECT COUNT(*) FROM competitions c " + where
	if err := s.db.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM competitions c", selectCols)
	switch {
	case len(params.QueryEmbedding) > 0:
		selectSQL += fmt.Sprintf(` LEFT JOIN competition_embeddings e ON e.grant_id = c.grant_id %s
			ORDER BY
				CASE WHEN e.embedding IS NULL THEN 1 ELSE 0 END ASC,
				e.embedding <=> $%d ASC,
				c.updated_at DESC`, where, argIdx)
		args = append(args, pgvector.NewVector(params.QueryEmbedding))
		argIdx++
	case strings.TrimSpace(params.Query) != "":
		selectSQL += " " + where + " ORDER BY ts_rank(c.search_vector, plainto_tsquery('english', $1)) DESC, c.updated_at DESC"
	default:
		selectSQL += " " + where + " ORDER BY c.closes_at ASC NULLS LAST, c.updated_at DESC"
	}

	selectSQL += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.db.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	comps := []models.Competition{}
	for rows.Next() {
		c, err := scanCompetition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		comps = append(comps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return &ListResult{
		Competitions: comps,
		Total:        total,
		Limit:        params.Limit,
		Offset:       params.Offset,
	}, nil
}

// ReplaceDocuments swaps the indexable documents of grantID for docs.
func (s *Store) ReplaceDocuments(ctx context.Context, grantID string, docs []models.IndexableDocument) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "DELETE FROM competition_documents WHERE grant_id = $1", grantID); err != nil {
		return fmt.Errorf("clear documents %s: %w", grantID, err)
	}
	for _, d := range docs {
		_, err := tx.Exec(ctx, `
			INSERT INTO competition_documents (id, grant_id, doc_type, section_name, resource_id, text, source_url, citation_text, scope)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''))
		`, d.ID, grantID, d.DocType, d.SectionName, d.ResourceID, d.Text, d.SourceURL, d.CitationText, d.Scope)
		if err != nil {
			return fmt.Errorf("insert document %s: %w", d.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// SaveEmbedding stores the competition-level vector.
func (s *Store) SaveEmbedding(ctx context.Context, grantID, model string, vec []float32) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO competition_embeddings (grant_id, model, embedding, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (grant_id) DO UPDATE SET
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()
	`, grantID, model, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("save embedding %s: %w", grantID, err)
	}
	return nil
}

// FailureRecord is a row of the dead-letter table.
type FailureRecord struct {
	GrantID       string    `json:"grant_id"`
	URL           string    `json:"url"`
	ErrorKind     string    `json:"error_kind"`
	ErrorMessage  string    `json:"error_message"`
	FailureCount  int       `json:"failure_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// RecordFailure adds a failure for grantID and returns its consecutive count.
func (s *Store) RecordFailure(ctx context.Context, grantID, url, errorKind, message string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		INSERT INTO failed_competitions (grant_id, url, error_kind, error_message, failure_count, first_failed_at, last_failed_at)
		VALUES ($1, $2, $3, $4, 1, NOW(), NOW())
		ON CONFLICT (grant_id) DO UPDATE SET
			url = EXCLUDED.url,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			failure_count = failed_competitions.failure_count + 1,
			last_failed_at = NOW()
		RETURNING failure_count
	`, grantID, url, errorKind, message).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record failure %s: %w", grantID, err)
	}
	return count, nil
}

// ClearFailure removes grantID from the dead-letter table after a success.
func (s *Store) ClearFailure(ctx context.Context, grantID string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM failed_competitions WHERE grant_id = $1", grantID); err != nil {
		return fmt.Errorf("clear failure %s: %w", grantID, err)
	}
	return nil
}

// ListFailures returns dead-letter rows with at least minCount failures, worst first.
func (s *Store) ListFailures(ctx context.Context, minCount int) ([]FailureRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT grant_id, url, error_kind, error_message, failure_count, first_failed_at, last_failed_at
		FROM failed_competitions
		WHERE failure_count >= $1
		ORDER BY failure_count DESC, last_failed_at DESC
	`, minCount)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	failures := []FailureRecord{}
	for rows.Next() {
		var f FailureRecord
		if err := rows.Scan(&f.GrantID, &f.URL, &f.ErrorKind, &f.ErrorMessage, &f.FailureCount, &f.FirstFailedAt, &f.LastFailedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// RunRecord is a row of ingest_runs.
type RunRecord struct {
	ID          uuid.UUID        `json:"id"`
	RunID       string           `json:"run_id"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
	Total       int              `json:"total"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	SuccessRate float64          `json:"success_rate"`
	Stats       monitor.RunStats `json:"stats"`
}

// SaveRun records a finalized run.
func (s *Store) SaveRun(ctx context.Context, stats monitor.RunStats) (uuid.UUID, error) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode run stats: %w", err)
	}
	id := uuid.New()
	_, err = s.db.Exec(ctx, `
		INSERT INTO ingest_runs (id, run_id, started_at, ended_at, total, succeeded, failed, success_rate, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO NOTHING
	`, id, stats.RunID, stats.RunTimestamp, stats.EndedAt, stats.TotalCompetitions, stats.Succeeded, stats.Failed, stats.SuccessRate, raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save run %s: %w", stats.RunID, err)
	}
	return id, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, started_at, ended_at, total, succeeded, failed, success_rate, stats
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		var r RunRecord
		var raw []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.EndedAt, &r.Total, &r.Succeeded, &r.Failed, &r.SuccessRate, &raw); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Stats); err != nil {
				return nil, fmt.Errorf("decode run stats %s: %w", r.RunID, err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nonNilRules(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
