package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	latestStatsFile    = "latest_stats.json"
	latestFailuresFile = "latest_failures.json"
)

// FailureSummary is the header of the failures artifact.
type FailureSummary struct {
	ErrorSummary    map[string]int `json:"error_summary"`
	TransientCount  int            `json:"transient_count"`
	PersistentCount int            `json:"persistent_count"`
}

// FailureReport is the failures artifact of a run.
type FailureReport struct {
	RunID         string         `json:"run_id"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Summary       FailureSummary `json:"summary"`
	Transient     []Failure      `json:"transient_failures"`
	Persistent    []Failure      `json:"persistent_failures"`
	FailureCounts map[string]int `json:"failure_counts"`
}

// FailureReport builds the failures artifact for this run.
func (m *Monitor) FailureReport() FailureReport {
	transient, persistent := m.Failures()
	if transient == nil {
		transient = []Failure{}
	}
	if persistent == nil {
		persistent = []Failure{}
	}
	return FailureReport{
		RunID:       m.runID,
		GeneratedAt: m.now().UTC(),
		Summary: FailureSummary{
			ErrorSummary:    m.ErrorSummary(),
			TransientCount:  len(transient),
			PersistentCount: len(persistent),
		},
		Transient:     transient,
		Persistent:    persistent,
		FailureCounts: m.FailureCounts(),
	}
}

// ExportFailures writes the failures artifact to path.
func (m *Monitor) ExportFailures(path string) error {
	return writeJSON(path, m.FailureReport())
}

// ExportStats finalizes the run and writes its stats to path.
func (m *Monitor) ExportStats(path string) error {
	return writeJSON(path, m.Finalize())
}

// WriteArtifacts finalizes the run and writes stats_<run>.json,
// failures_<run>.json and their latest_* copies into dir.
func (m *Monitor) WriteArtifacts(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	stats := m.Finalize()
	report := m.FailureReport()

	files := []struct {
		name string
		v    any
	}{
		{fmt.Sprintf("stats_%s.json", m.runID), stats},
		{latestStatsFile, stats},
		{fmt.Sprintf("failures_%s.json", m.runID), report},
		{latestFailuresFile, report},
	}
	for _, f := range files {
		if err := writeJSON(filepath.Join(dir, f.name), f.v); err != nil {
			return err
		}
	}
	return nil
}

// LoadPreviousFailures reads latest_failures.json from dir and seeds the
// carried failure counts. A missing file means the previous run had no
// failures.
func (m *Monitor) LoadPreviousFailures(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, latestFailuresFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read previous failures: %w", err)
	}

	var report FailureReport
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("decode previous failures: %w", err)
	}

	counts := report.FailureCounts
	if counts == nil {
		counts = make(map[string]int)
		for _, f := range append(report.Transient, report.Persistent...) {
			counts[f.CompetitionID] = max(f.ConsecutiveFailures, 1)
		}
	}
	m.SetPreviousFailures(counts)
	return nil
}

// LoadStats reads a stats artifact.
func LoadStats(path string) (RunStats, error) {
	var stats RunStats
	data, err := os.ReadFile(path)
	if err != nil {
		return stats, fmt.Errorf("read stats: %w", err)
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return stats, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

// LatestStatsPath is the path of the most recent stats artifact in dir.
func LatestStatsPath(dir string) string {
	return filepath.Join(dir, latestStatsFile)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
