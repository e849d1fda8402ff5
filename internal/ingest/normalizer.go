package ingest

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
)

const (
	GrantIDPrefix = "innovate_uk_"

	// DefaultTypicalProjectPercent is the share of the per-project ceiling a
	// funded project typically receives.
	DefaultTypicalProjectPercent = 0.70

	maxDescriptionLength = 3000
	descriptionHead      = 2500
	descriptionTail      = 500

	competitionHost = "apply-for-innovation-funding.service.gov.uk"
)

var (
	titlePrefixRe = regexp.MustCompile(`(?i)^funding competition\s*[:\-–]?\s*`)
	videoHosts    = []string{"youtube.com", "youtu.be", "vimeo.com", "webex.com", "zoom.us"}
	officeExts    = []string{".doc", ".docx", ".ppt", ".pptx"}
)

// Normalizer converts parsed page fields into a validated competition record.
type Normalizer struct {
	TypicalProjectPercent float64
	Now                   func() time.Time
	logger                *zap.Logger
}

func NewNormalizer(typicalProjectPercent float64, now func() time.Time, logger *zap.Logger) *Normalizer {
	if typicalProjectPercent <= 0 {
		typicalProjectPercent = DefaultTypicalProjectPercent
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		TypicalProjectPercent: typicalProjectPercent,
		Now:                   now,
		logger:                logger,
	}
}

// Normalize converts raw into a Competition. It fails with *ValidationError
// when identity fields are missing or the project funding range is inverted.
func (n *Normalizer) Normalize(raw *RawCompetitionFields) (*models.Competition, error) {
	pageURL := CanonicalizeURL(raw.PageURL)
	if pageURL == "" {
		return nil, &ValidationError{Kind: ValidationMissingIdentity, Field: "url"}
	}
	title := cleanTitle(raw.Title)
	if title == "" {
		return nil, &ValidationError{Kind: ValidationMissingIdentity, Field: "title"}
	}
	grantID, externalID := grantIdentity(pageURL)
	if grantID == "" {
		return nil, &ValidationError{Kind: ValidationMissingIdentity, Field: "grant_id"}
	}

	now := n.Now().UTC()
	description := truncateMiddle(raw.Description, maxDescriptionLength, descriptionHead, descriptionTail)

	comp := &models.Competition{
		GrantID:         grantID,
		Source:          models.SourceInnovateUK,
		ExternalID:      externalID,
		Title:           title,
		URL:             pageURL,
		Description:     description,
		CompetitionType: ClassifyCompetitionType(title, description),
		FundingRules:    raw.FundingRules,
		ScrapedAt:       now,
		UpdatedAt:       now,
	}
	if comp.FundingRules == nil {
		comp.FundingRules = map[string]float64{}
	}

	comp.OpensAt = n.parseDate("opens_at", raw.OpensText, false)
	comp.ClosesAt = n.parseDate("closes_at", raw.ClosesText, true)
	decision := ComputeStatusDecision(comp.ClosesAt, now)
	comp.Status = decision.Status
	comp.IsActive = decision.IsActive

	if fund := normalizeSpace(raw.TotalFund); fund != "" {
		comp.TotalFund = &fund
		comp.TotalFundGBP = ParseTotalFund(fund)
	}
	if size := normalizeSpace(raw.ProjectSize); size != "" {
		comp.ProjectSize = &size
		comp.ProjectFundingMin, comp.ProjectFundingMax = ParseProjectFunding(size)
	}

	if comp.TotalFundGBP == nil {
		display, total, perWinner := prizeFallback(description)
		if total != nil {
			comp.TotalFund = &display
			comp.TotalFundGBP = total
		}
		if comp.ProjectFundingMax == nil && perWinner != nil && comp.CompetitionType == models.CompetitionPrize {
			comp.ProjectFundingMax = perWinner
		}
	}

	if comp.ProjectFundingMin != nil && comp.ProjectFundingMax != nil && *comp.ProjectFundingMin > *comp.ProjectFundingMax {
		n.logger.Warn("project funding range is inverted",
			zap.String("grant_id", grantID),
			zap.Int64("min", *comp.ProjectFundingMin),
			zap.Int64("max", *comp.ProjectFundingMax),
		)
		return nil, &ValidationError{
			Kind:    ValidationInvalidRange,
			Field:   "project_funding",
			Message: strconv.FormatInt(*comp.ProjectFundingMin, 10) + " > " + strconv.FormatInt(*comp.ProjectFundingMax, 10),
		}
	}

	comp.ExpectedWinners = ExpectedWinners(comp.TotalFundGBP, comp.ProjectFundingMax, n.TypicalProjectPercent)
	comp.Sections = buildSections(pageURL, raw.Sections)
	comp.Resources = buildResources(raw.Resources, externalID)
	comp.Tags = buildTags(comp)

	return comp, nil
}

func (n *Normalizer) parseDate(field, text string, endOfDay bool) *time.Time {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	t, err := parseUKDate(text, endOfDay)
	if err != nil {
		n.logger.Debug("unparseable date", zap.String("field", field), zap.String("text", text))
		return nil
	}
	utc := t.UTC()
	return &utc
}

// ExpectedWinners estimates award count as floor(total / (max * pct)).
// The percentage is applied in basis points so results are exact integers.
func ExpectedWinners(total, projectMax *int64, pct float64) *int64 {
	if total == nil || *total <= 0 || projectMax == nil || *projectMax <= 0 || pct <= 0 {
		return nil
	}
	bp := int64(pct*10000 + 0.5)
	typical := *projectMax * bp / 10000
	if typical <= 0 {
		return nil
	}
	winners := *total / typical
	return &winners
}

func cleanTitle(raw string) string {
	t := normalizeSpace(raw)
	t = titlePrefixRe.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

// grantIdentity returns the grant_id and external id for a competition URL.
// URLs without a numeric competition id get a hash-based id.
func grantIdentity(pageURL string) (string, *string) {
	ext := ExtractCompetitionID(pageURL)
	if ext == "" {
		return GrantIDPrefix + stableID(pageURL, "iuk_"), nil
	}
	if _, err := strconv.ParseUint(ext, 10, 64); err == nil {
		return GrantIDPrefix + ext, &ext
	}
	return GrantIDPrefix + stableID(pageURL, "iuk_"), &ext
}

func buildSections(pageURL string, raw []RawSection) []models.Section {
	sections := make([]models.Section, 0, len(raw))
	for _, s := range raw {
		fragment := s.Fragment
		if fragment == "" {
			fragment = s.Name
		}
		sections = append(sections, models.Section{
			Name:         s.Name,
			Heading:      s.Heading,
			URL:          pageURL + "#" + fragment,
			BodyText:     s.Text,
			BodyMarkdown: s.Markdown,
		})
	}
	return sections
}

func buildResources(raw []RawResource, externalID *string) []models.Resource {
	ext := ""
	if externalID != nil {
		ext = *externalID
	}
	resources := make([]models.Resource, 0, len(raw))
	for _, r := range raw {
		resources = append(resources, models.Resource{
			ID:    stableID(r.URL, "res_"),
			Label: r.Label,
			URL:   r.URL,
			Scope: classifyResourceScope(r.URL, ext),
			Type:  inferResourceType(r.URL, r.Label),
		})
	}
	return resources
}

// classifyResourceScope marks links that belong to this competition; the
// rest is generic guidance shared by many competitions.
func classifyResourceScope(rawURL, externalID string) models.ResourceScope {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.ScopeGlobal
	}
	path := strings.ToLower(u.Path)
	if externalID != "" && strings.Contains(path, externalID) {
		return models.ScopeCompetition
	}
	if strings.Contains(u.Host, competitionHost) && strings.Contains(path, "/competition/") {
		return models.ScopeCompetition
	}
	return models.ScopeGlobal
}

func inferResourceType(rawURL, label string) models.ResourceType {
	lowerURL := strings.ToLower(rawURL)
	lowerLabel := strings.ToLower(label)

	switch {
	case strings.HasSuffix(lowerURL, ".pdf"):
		return models.ResourcePDF
	case strings.Contains(lowerURL, "/download/") && strings.Contains(lowerURL, "competition"):
		return models.ResourcePDF
	case strings.Contains(lowerLabel, ".pdf"):
		return models.ResourcePDF
	}
	for _, host := range videoHosts {
		if strings.Contains(lowerURL, host) {
			return models.ResourceVideo
		}
	}
	for _, ext := range officeExts {
		if strings.HasSuffix(lowerURL, ext) {
			return models.ResourcePDF
		}
	}
	if strings.HasPrefix(lowerURL, "http") {
		return models.ResourceWebpage
	}
	return models.ResourceOther
}

func buildTags(c *models.Competition) []string {
	tags := []string{models.SourceInnovateUK}
	if c.TotalFund != nil {
		lower := strings.ToLower(*c.TotalFund)
		if strings.Contains(lower, "million") {
			tags = appendUnique(tags, "large_fund")
		} else if strings.Contains(lower, "thousand") {
			tags = appendUnique(tags, "small_fund")
		}
	}
	if c.ProjectSize != nil {
		lower := strings.ToLower(*c.ProjectSize)
		if strings.Contains(lower, "million") {
			tags = appendUnique(tags, "large_project")
		} else if strings.Contains(lower, "thousand") {
			tags = appendUnique(tags, "small_project")
		}
	}
	if c.OpensAt != nil && c.ClosesAt != nil {
		tags = appendUnique(tags, "dated")
	} else {
		tags = appendUnique(tags, "rolling")
	}
	tags = appendUnique(tags, string(c.CompetitionType))
	return tags
}

// GrantIDForURL returns the grant_id a competition page would be stored
// under. It lets failures be tracked before a page is ever parsed.
func GrantIDForURL(rawURL string) string {
	id, _ := grantIdentity(CanonicalizeURL(rawURL))
	return id
}
