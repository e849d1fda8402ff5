// Package monitor records per-competition scrape outcomes for a run and
// keeps the dead-letter record of competitions that keep failing.
package monitor

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/metrics"
)

const (
	// AlertSuccessRate is the success percentage below which a run is unhealthy.
	AlertSuccessRate = 95.0
	// AlertPersistentFailures is the persistent failure count above which a run is unhealthy.
	AlertPersistentFailures = 3
	// FailureThreshold is the consecutive failure count that flags a competition for manual review.
	FailureThreshold = 3
	// MaxTrackedFailures caps the dead-letter record.
	MaxTrackedFailures = 1000

	runIDLayout = "20060102_150405"
)

// Attempt is one scrape outcome.
type Attempt struct {
	CompetitionID string    `json:"competition_id"`
	URL           string    `json:"url"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	RetryCount    int       `json:"retry_count"`
	DurationMS    int64     `json:"duration_ms"`
}

// Change classifies a successful upsert against the stored record.
type Change string

const (
	ChangeNew       Change = "new"
	ChangeUpdated   Change = "updated"
	ChangeUnchanged Change = "unchanged"
)

// RunStats is the aggregate of a finalized run.
type RunStats struct {
	RunID             string         `json:"run_id"`
	RunTimestamp      time.Time      `json:"run_timestamp"`
	EndedAt           time.Time      `json:"ended_at"`
	TotalCompetitions int            `json:"total_competitions"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
	SuccessRate       float64        `json:"success_rate"`
	ErrorSummary      map[string]int `json:"error_summary"`
	TotalRetries      int            `json:"total_retries"`
	New               int            `json:"new_competitions"`
	Updated           int            `json:"updated_competitions"`
	Unchanged         int            `json:"unchanged_competitions"`
	PersistentCount   int            `json:"persistent_failures_count"`
	DurationSeconds   float64        `json:"duration_seconds"`
}

// Monitor accumulates attempts for one run. It is safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	runID     string
	startedAt time.Time
	attempts  []Attempt
	changes   map[Change]int
	previous  map[string]int // consecutive failure counts from the previous run
	final     *RunStats
	now       func() time.Time
	logger    *zap.Logger
}

// New starts a run. The run id is the UTC start time.
func New(now func() time.Time, logger *zap.Logger) *Monitor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	started := now().UTC()
	return &Monitor{
		runID:     started.Format(runIDLayout),
		startedAt: started,
		changes:   make(map[Change]int),
		previous:  make(map[string]int),
		now:       now,
		logger:    logger,
	}
}

func (m *Monitor) RunID() string { return m.runID }

// SetPreviousFailures seeds the failure counts carried over from the
// previous run, keyed by grant_id.
func (m *Monitor) SetPreviousFailures(counts map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.previous = make(map[string]int, len(counts))
	for id, n := range counts {
		m.previous[id] = n
	}
}

// LogAttempt appends an outcome. Attempts logged after Finalize are dropped.
func (m *Monitor) LogAttempt(a Attempt) {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	if m.final != nil {
		m.mu.Unlock()
		m.logger.Warn("attempt logged after finalize", zap.String("grant_id", a.CompetitionID))
		return
	}
	m.attempts = append(m.attempts, a)
	m.mu.Unlock()

	metrics.ObserveAttempt(a.Success, a.ErrorKind, a.RetryCount, time.Duration(a.DurationMS)*time.Millisecond)
	if !a.Success {
		m.logger.Warn("competition failed",
			zap.String("grant_id", a.CompetitionID),
			zap.String("url", a.URL),
			zap.String("error_kind", a.ErrorKind),
			zap.Int("retries", a.RetryCount),
		)
	}
}

// RecordChange counts a successful upsert by change classification.
func (m *Monitor) RecordChange(c Change) {
	m.mu.Lock()
	m.changes[c]++
	m.mu.Unlock()
	metrics.ObserveChange(string(c))
}

// Finalize computes the run statistics once; later calls return the same snapshot.
func (m *Monitor) Finalize() RunStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.final != nil {
		return *m.final
	}

	ended := m.now().UTC()
	stats := RunStats{
		RunID:             m.runID,
		RunTimestamp:      m.startedAt,
		EndedAt:           ended,
		TotalCompetitions: len(m.attempts),
		ErrorSummary:      m.errorSummaryLocked(),
		New:               m.changes[ChangeNew],
		Updated:           m.changes[ChangeUpdated],
		Unchanged:         m.changes[ChangeUnchanged],
		DurationSeconds:   math.Round(ended.Sub(m.startedAt).Seconds()*100) / 100,
	}
	for _, a := range m.attempts {
		stats.TotalRetries += a.RetryCount
		if a.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	stats.SuccessRate = SuccessRate(stats.Succeeded, stats.TotalCompetitions)
	_, persistent := m.failuresLocked()
	stats.PersistentCount = len(persistent)

	m.final = &stats
	metrics.SetRunSuccessRate(stats.SuccessRate)
	m.logger.Info("scrape run complete",
		zap.String("run_id", stats.RunID),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("total", stats.TotalCompetitions),
		zap.Float64("success_rate", stats.SuccessRate),
	)
	return stats
}

// SuccessRate is succeeded/total as a percentage rounded to two decimals.
// An empty run has rate 0.
func SuccessRate(succeeded, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(succeeded)/float64(total)*10000) / 100
}

// ErrorSummary counts failed attempts by error kind.
func (m *Monitor) ErrorSummary() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorSummaryLocked()
}

func (m *Monitor) errorSummaryLocked() map[string]int {
	summary := make(map[string]int)
	for _, a := range m.attempts {
		if a.Success {
			continue
		}
		kind := a.ErrorKind
		if kind == "" {
			kind = "Unknown"
		}
		summary[kind]++
	}
	return summary
}

// RecentFailures returns up to limit of the most recently logged failures, oldest first.
func (m *Monitor) RecentFailures(limit int) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []Attempt
	for _, a := range m.attempts {
		if !a.Success {
			failed = append(failed, a)
		}
	}
	if limit > 0 && len(failed) > limit {
		failed = failed[len(failed)-limit:]
	}
	return failed
}

// Failure is a dead-letter entry for one competition.
type Failure struct {
	Attempt
	ConsecutiveFailures int  `json:"consecutive_failures"`
	NeedsReview         bool `json:"needs_review"`
}

// Failures splits this run's failed competitions into transient (failing
// for the first time) and persistent (also failed in the previous run).
// A competition with any successful attempt this run is not failed.
func (m *Monitor) Failures() (transient, persistent []Failure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failuresLocked()
}

func (m *Monitor) failuresLocked() (transient, persistent []Failure) {
	succeeded := make(map[string]bool)
	lastFailure := make(map[string]Attempt)
	for _, a := range m.attempts {
		if a.Success {
			succeeded[a.CompetitionID] = true
			continue
		}
		prev, ok := lastFailure[a.CompetitionID]
		if !ok || !a.Timestamp.Before(prev.Timestamp) {
			lastFailure[a.CompetitionID] = a
		}
	}

	for id, a := range lastFailure {
		if succeeded[id] {
			continue
		}
		count := m.previous[id] + 1
		f := Failure{Attempt: a, ConsecutiveFailures: count, NeedsReview: count >= FailureThreshold}
		if m.previous[id] > 0 {
			persistent = append(persistent, f)
		} else {
			transient = append(transient, f)
		}
	}

	sortFailures(transient)
	sortFailures(persistent)
	return transient, persistent
}

func sortFailures(fs []Failure) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].CompetitionID < fs[j].CompetitionID })
}

// FailureCounts is the dead-letter state to carry into the next run:
// consecutive failure counts of every competition failing now, capped at
// MaxTrackedFailures entries (highest counts kept).
func (m *Monitor) FailureCounts() map[string]int {
	transient, persistent := m.Failures()
	all := append(transient, persistent...)
	if len(all) > MaxTrackedFailures {
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].ConsecutiveFailures > all[j].ConsecutiveFailures
		})
		all = all[:MaxTrackedFailures]
	}
	counts := make(map[string]int, len(all))
	for _, f := range all {
		counts[f.CompetitionID] = f.ConsecutiveFailures
	}
	return counts
}

// ShouldAlert reports whether the run is unhealthy: success rate under 95%
// or more than three persistent failures. Empty runs never alert.
func (m *Monitor) ShouldAlert() bool {
	stats := m.Finalize()
	return IsUnhealthy(stats)
}

// IsUnhealthy applies the alerting policy to finalized stats.
func IsUnhealthy(stats RunStats) bool {
	if stats.TotalCompetitions == 0 {
		return false
	}
	return stats.SuccessRate < AlertSuccessRate || stats.PersistentCount > AlertPersistentFailures
}

// AlertMessage describes why the run is unhealthy, or "" when it is not.
func (m *Monitor) AlertMessage() string {
	return AlertMessage(m.Finalize())
}

// AlertMessage renders the alert text for finalized stats.
func AlertMessage(stats RunStats) string {
	if !IsUnhealthy(stats) {
		return ""
	}

	var lines []string
	if stats.SuccessRate < AlertSuccessRate {
		lines = append(lines, fmt.Sprintf("Low success rate: %.1f%% (%d/%d failed)",
			stats.SuccessRate, stats.Failed, stats.TotalCompetitions))
	}
	if stats.PersistentCount > AlertPersistentFailures {
		lines = append(lines, fmt.Sprintf("%d competitions have persistent failures", stats.PersistentCount))
	}
	if kind, n := topError(stats.ErrorSummary); n > 0 {
		lines = append(lines, fmt.Sprintf("Most common error: %s (%d occurrences)", kind, n))
	}
	return strings.Join(lines, "\n")
}

// topError returns the most frequent error kind; ties go to the
// alphabetically first kind.
func topError(summary map[string]int) (string, int) {
	var kind string
	var n int
	for k, v := range summary {
		if v > n || (v == n && k < kind) {
			kind, n = k, v
		}
	}
	return kind, n
}
