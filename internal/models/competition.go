package models

import (
	"strings"
	"time"
)

const SourceInnovateUK = "innovate_uk"

type CompetitionType string

const (
	CompetitionGrant CompetitionType = "grant"
	CompetitionLoan  CompetitionType = "loan"
	CompetitionPrize CompetitionType = "prize"
)

// Valid reports whether t is one of the three known competition types.
func (t CompetitionType) Valid() bool {
	switch t {
	case CompetitionGrant, CompetitionLoan, CompetitionPrize:
		return true
	}
	return false
}

type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusUnknown Status = "unknown"
)

// ParseStatus maps stored text back to a Status, falling back to unknown.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusActive, StatusClosed:
		return Status(s)
	}
	return StatusUnknown
}

type ResourceScope string

const (
	ScopeCompetition ResourceScope = "competition"
	ScopeGlobal      ResourceScope = "global"
)

type ResourceType string

const (
	ResourcePDF     ResourceType = "pdf"
	ResourceVideo   ResourceType = "video"
	ResourceWebpage ResourceType = "webpage"
	ResourceOther   ResourceType = "other"
)

type Section struct {
	Name         string `json:"name"`
	Heading      string `json:"heading"`
	URL          string `json:"url"`
	BodyText     string `json:"body_text"`
	BodyMarkdown string `json:"body_markdown,omitempty"`
}

// IndexText is the body used for documents and embeddings: the markdown
// rendering when the parser produced one, the plain text otherwise.
func (s Section) IndexText() string {
	if md := strings.TrimSpace(s.BodyMarkdown); md != "" {
		return md
	}
	return strings.TrimSpace(s.BodyText)
}

type Resource struct {
	ID    string        `json:"id"`
	Label string        `json:"label"`
	URL   string        `json:"url"`
	Scope ResourceScope `json:"scope"`
	Type  ResourceType  `json:"type"`
}

// Competition is the normalized record stored per grant_id.
type Competition struct {
	GrantID           string             `json:"grant_id"`
	Source            string             `json:"source"`
	ExternalID        *string            `json:"external_id"`
	Title             string             `json:"title"`
	URL               string             `json:"url"`
	Description       string             `json:"description"`
	Status            Status             `json:"status"`
	IsActive          bool               `json:"is_active"`
	CompetitionType   CompetitionType    `json:"competition_type"`
	TotalFund         *string            `json:"total_fund"`
	TotalFundGBP      *int64             `json:"total_fund_gbp"`
	ProjectSize       *string            `json:"project_size"`
	ProjectFundingMin *int64             `json:"project_funding_min"`
	ProjectFundingMax *int64             `json:"project_funding_max"`
	ExpectedWinners   *int64             `json:"expected_winners"`
	FundingRules      map[string]float64 `json:"funding_rules"`
	OpensAt           *time.Time         `json:"opens_at"`
	ClosesAt          *time.Time         `json:"closes_at"`
	Tags              []string           `json:"tags"`
	Sections          []Section          `json:"sections"`
	Resources         []Resource         `json:"resources"`
	ScrapedAt         time.Time          `json:"scraped_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// IndexableDocument is a block of text handed to the embedding sink.
type IndexableDocument struct {
	ID           string `json:"id"`
	GrantID      string `json:"grant_id"`
	DocType      string `json:"doc_type"`
	SectionName  string `json:"section_name,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Text         string `json:"text"`
	SourceURL    string `json:"source_url"`
	CitationText string `json:"citation_text"`
	Scope        string `json:"scope,omitempty"`
}
