package ingest

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/monitor"
)

type fakeSink struct {
	mu        sync.Mutex
	upserts   map[string]*models.Competition
	docs      map[string]int
	failures  map[string]int
	cleared   []string
	upsertErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		upserts:  make(map[string]*models.Competition),
		docs:     make(map[string]int),
		failures: make(map[string]int),
	}
}

func (s *fakeSink) UpsertCompetition(_ context.Context, c *models.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts[c.GrantID] = c
	return nil
}

func (s *fakeSink) ReplaceDocuments(_ context.Context, grantID string, docs []models.IndexableDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[grantID] = len(docs)
	return nil
}

func (s *fakeSink) RecordFailure(_ context.Context, grantID, _, _, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[grantID]++
	return s.failures[grantID], nil
}

func (s *fakeSink) ClearFailure(_ context.Context, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, grantID)
	s.cleared = append(s.cleared, grantID)
	return nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (e *fakeEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	return []float32{0.1, 0.2, 0.3}, nil
}

func (e *fakeEmbedder) ModelName() string { return "test-embed" }

type fakeVectors struct {
	mu    sync.Mutex
	saved map[string]string
}

func (v *fakeVectors) SaveEmbedding(_ context.Context, grantID, model string, _ []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.saved == nil {
		v.saved = make(map[string]string)
	}
	v.saved[grantID] = model
	return nil
}

func competitionURL(id string) string {
	return "https://apply-for-innovation-funding.service.gov.uk/competition/" + id + "/overview"
}

func competitionPage(title string) []byte {
	return []byte(`<html><body><h1>` + title + `</h1>
<ul><li>Competition opens: 1 April 2025</li><li>Competition closes: 28 May 2030</li></ul>
<h2 id="scope">Scope</h2><p>` + strings.Repeat("Net zero innovation. ", 10) + `</p>
</body></html>`)
}

func newTestPipeline(mock *MockFetcher, sink CompetitionSink) *Pipeline {
	mon := monitor.New(func() time.Time { return fixedNow }, nil)
	return NewPipeline(newTestScraper(mock), sink, mon, nil)
}

func TestPipelineContinuesPastFailures(t *testing.T) {
	failing := competitionURL("2")
	mock := &MockFetcher{
		Data: map[string][]byte{
			competitionURL("1"): competitionPage("Smart grants"),
			competitionURL("3"): competitionPage("Innovation loans"),
		},
		Errors: map[string]error{
			failing: &FetchError{Kind: FetchHTTPStatus, URL: failing, StatusCode: http.StatusServiceUnavailable, Retries: 3},
		},
	}
	sink := newFakeSink()

	stats := newTestPipeline(mock, sink).Run(context.Background(), []string{
		competitionURL("1"), failing, competitionURL("3"),
	})

	if stats.TotalCompetitions != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.SuccessRate != 66.67 {
		t.Fatalf("success rate = %v", stats.SuccessRate)
	}
	if stats.ErrorSummary["HttpStatus(503)"] != 1 {
		t.Fatalf("unexpected error summary %v", stats.ErrorSummary)
	}
	if stats.TotalRetries != 3 {
		t.Fatalf("retries not carried into stats: %d", stats.TotalRetries)
	}
	if stats.New != 2 {
		t.Fatalf("expected 2 new competitions, got %d", stats.New)
	}

	if _, ok := sink.upserts["innovate_uk_1"]; !ok {
		t.Fatal("competition 1 not stored")
	}
	if sink.upserts["innovate_uk_3"].CompetitionType != models.CompetitionLoan {
		t.Fatalf("competition 3 should be a loan")
	}
	if sink.failures["innovate_uk_2"] != 1 {
		t.Fatalf("failure not recorded under its grant id: %v", sink.failures)
	}
	if sink.docs["innovate_uk_1"] != 1 {
		t.Fatalf("expected section document stored, got %v", sink.docs)
	}
}

func TestPipelineDetectsUnchangedRecords(t *testing.T) {
	mock := &MockFetcher{Data: map[string][]byte{
		competitionURL("1"): competitionPage("Smart grants"),
	}}
	sink := newFakeSink()
	embedder := &fakeEmbedder{}
	vectors := &fakeVectors{}

	first := newTestPipeline(mock, sink)
	first.Embedder = embedder
	first.Vectors = vectors
	stats := first.Run(context.Background(), []string{competitionURL("1")})
	if stats.New != 1 {
		t.Fatalf("first run should see a new record: %+v", stats)
	}
	if vectors.saved["innovate_uk_1"] != "test-embed" {
		t.Fatalf("embedding not stored: %v", vectors.saved)
	}

	second := newTestPipeline(mock, sink)
	second.Cache = first.Cache
	second.Embedder = embedder
	second.Vectors = vectors
	stats = second.Run(context.Background(), []string{competitionURL("1")})
	if stats.Unchanged != 1 || stats.New != 0 {
		t.Fatalf("second run should see an unchanged record: %+v", stats)
	}
	if len(embedder.texts) != 1 {
		t.Fatalf("unchanged records must not be re-embedded, got %d calls", len(embedder.texts))
	}

	mock.Data[competitionURL("1")] = competitionPage("Smart grants: round 2")
	third := newTestPipeline(mock, sink)
	third.Cache = first.Cache
	stats = third.Run(context.Background(), []string{competitionURL("1")})
	if stats.Updated != 1 {
		t.Fatalf("changed content should be an update: %+v", stats)
	}
}

func TestPipelineSuccessClearsDeadLetter(t *testing.T) {
	url := competitionURL("7")
	sink := newFakeSink()
	sink.failures["innovate_uk_7"] = 2

	mock := &MockFetcher{Data: map[string][]byte{url: competitionPage("Recovered")}}
	newTestPipeline(mock, sink).Run(context.Background(), []string{url})

	if _, ok := sink.failures["innovate_uk_7"]; ok {
		t.Fatal("dead-letter entry should be cleared after a success")
	}
	if !reflect.DeepEqual(sink.cleared, []string{"innovate_uk_7"}) {
		t.Fatalf("unexpected cleared list %v", sink.cleared)
	}
}

func TestPipelineStorageFailure(t *testing.T) {
	url := competitionURL("1")
	sink := newFakeSink()
	sink.upsertErr = errors.New("connection reset")

	mock := &MockFetcher{Data: map[string][]byte{url: competitionPage("Smart grants")}}
	stats := newTestPipeline(mock, sink).Run(context.Background(), []string{url})

	if stats.Failed != 1 || stats.ErrorSummary[StorageFailure] != 1 {
		t.Fatalf("expected a storage failure, got %+v", stats)
	}
	if stats.New != 0 {
		t.Fatalf("failed upserts must not count as changes: %+v", stats)
	}
}

func TestPipelineDedupesURLs(t *testing.T) {
	url := competitionURL("1")
	mock := &MockFetcher{Data: map[string][]byte{url: competitionPage("Smart grants")}}

	stats := newTestPipeline(mock, nil).Run(context.Background(), []string{url, url + "/", url + "#scope"})
	if stats.TotalCompetitions != 1 {
		t.Fatalf("expected one attempt, got %d", stats.TotalCompetitions)
	}
	if got := len(mock.Calls()); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
}

func TestPipelineParallelWorkers(t *testing.T) {
	mock := &MockFetcher{Data: map[string][]byte{}}
	var urls []string
	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		mock.Data[competitionURL(id)] = competitionPage("Competition " + id)
		urls = append(urls, competitionURL(id))
	}
	sink := newFakeSink()

	p := newTestPipeline(mock, sink)
	p.Workers = 3
	stats := p.Run(context.Background(), urls)

	if stats.Succeeded != 6 || len(sink.upserts) != 6 {
		t.Fatalf("expected 6 stored competitions, got %+v", stats)
	}
}

func TestPipelineCancelledRunStopsScheduling(t *testing.T) {
	mock := &MockFetcher{Data: map[string][]byte{
		competitionURL("1"): competitionPage("Smart grants"),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := newTestPipeline(mock, newFakeSink()).Run(ctx, []string{competitionURL("1"), competitionURL("2")})
	if stats.TotalCompetitions != 0 {
		t.Fatalf("cancelled run should not record attempts, got %+v", stats)
	}
	if stats.RunID == "" {
		t.Fatal("a cancelled run still finalizes")
	}
}

func TestReadURLList(t *testing.T) {
	input := `# Innovate UK competitions
https://apply-for-innovation-funding.service.gov.uk/competition/1/overview

   https://apply-for-innovation-funding.service.gov.uk/competition/2/overview
# Auto-discovered on 2025-03-01 10:00
https://apply-for-innovation-funding.service.gov.uk/competition/3/overview
`
	urls, err := ReadURLList(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadURLList() error = %v", err)
	}
	want := []string{competitionURL("1"), competitionURL("2"), competitionURL("3")}
	if !reflect.DeepEqual(urls, want) {
		t.Fatalf("ReadURLList() = %v, want %v", urls, want)
	}
}

func TestReadURLFileMissing(t *testing.T) {
	if _, err := ReadURLFile(filepath.Join(t.TempDir(), "missing.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
