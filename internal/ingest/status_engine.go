package ingest

import (
	"time"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
)

type StatusDecision struct {
	Status   models.Status
	Reason   string
	IsActive bool
}

// ComputeStatusDecision derives status from the closing date alone: a
// competition with no closing date, or one closing after now, is active.
// The page's own status text is stale as soon as the deadline passes, so
// it is never consulted.
func ComputeStatusDecision(closesAt *time.Time, now time.Time) StatusDecision {
	if closesAt == nil {
		return StatusDecision{Status: models.StatusActive, Reason: "no_close_date", IsActive: true}
	}
	if closesAt.After(now) {
		return StatusDecision{Status: models.StatusActive, Reason: "closes_in_future", IsActive: true}
	}
	return StatusDecision{Status: models.StatusClosed, Reason: "past_close_date", IsActive: false}
}
