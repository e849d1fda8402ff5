package ingest

import (
	"errors"
	"fmt"
)

// FetchErrorKind categorizes failures of the fetch stage.
type FetchErrorKind string

const (
	FetchTimeout           FetchErrorKind = "timeout"
	FetchConnectionFailure FetchErrorKind = "connection_failure"
	FetchHTTPStatus        FetchErrorKind = "http_status"
)

// FetchError is returned by fetchers once retries are exhausted or a
// permanent failure is hit.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Retries    int
	Cause      error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPStatus {
		return fmt.Sprintf("fetch %s: unexpected status code %d after %d retries", e.URL, e.StatusCode, e.Retries)
	}
	if e.Cause != nil {
		return fmt.Sprintf("fetch %s: %s after %d retries: %v", e.URL, e.Kind, e.Retries, e.Cause)
	}
	return fmt.Sprintf("fetch %s: %s after %d retries", e.URL, e.Kind, e.Retries)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a later attempt could plausibly succeed.
func (e *FetchError) IsRetryable() bool {
	switch e.Kind {
	case FetchTimeout, FetchConnectionFailure:
		return true
	case FetchHTTPStatus:
		return retryStatusCodes[e.StatusCode]
	default:
		return false
	}
}

// Label is the error_kind reported to the run monitor, e.g. "HttpStatus(503)".
func (e *FetchError) Label() string {
	switch e.Kind {
	case FetchTimeout:
		return "Timeout"
	case FetchConnectionFailure:
		return "ConnectionFailure"
	case FetchHTTPStatus:
		return fmt.Sprintf("HttpStatus(%d)", e.StatusCode)
	default:
		return string(e.Kind)
	}
}

// ParseErrorKind categorizes structural parse failures.
type ParseErrorKind string

const (
	ParseMissingRequiredField ParseErrorKind = "MissingRequiredField"
)

// ParseError is returned when a page lacks a required structural anchor.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s: %s", e.Kind, e.Field)
}

// ValidationErrorKind categorizes normalization failures.
type ValidationErrorKind string

const (
	ValidationInvalidRange    ValidationErrorKind = "InvalidRange"
	ValidationMissingIdentity ValidationErrorKind = "MissingIdentity"
)

// ValidationError is returned by the normalizer for records that cannot be stored.
type ValidationError struct {
	Kind    ValidationErrorKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("validate: %s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("validate: %s: %s", e.Kind, e.Field)
}

// Stage names the orchestrator stage a scrape failed in.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageParse    Stage = "parse"
	StageValidate Stage = "validate"
)

// ScrapeError wraps any failure of a single competition scrape.
type ScrapeError struct {
	Stage Stage
	URL   string
	Cause error
}

func (e *ScrapeError) Error() string {
	return fmt.Sprintf("scrape %s failed at %s: %v", e.URL, e.Stage, e.Cause)
}

func (e *ScrapeError) Unwrap() error {
	return e.Cause
}

// ErrorKind returns the monitor label for the failure.
func (e *ScrapeError) ErrorKind() string {
	return ErrorKindOf(e.Cause)
}

// ErrorKindOf maps any error produced by the scrape pipeline to its monitor label.
func ErrorKindOf(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Label()
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return string(ve.Kind)
	}
	return "Unknown"
}

// RetriesOf returns how many fetch retries preceded err, or 0.
func RetriesOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retries
	}
	return 0
}
