package ingest

import (
	"strings"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
)

// typeRule maps a lower-case substring to a competition type.
type typeRule struct {
	Pattern string
	Type    models.CompetitionType
}

// competitionTypeRules are evaluated in order; the first match wins, so a
// title mentioning both loans and prizes is a loan.
var competitionTypeRules = []typeRule{
	{Pattern: "loan", Type: models.CompetitionLoan},
	{Pattern: "prize", Type: models.CompetitionPrize},
}

// ClassifyCompetitionType matches the rules against title and description.
func ClassifyCompetitionType(title, description string) models.CompetitionType {
	text := strings.ToLower(title + " " + description)
	for _, r := range competitionTypeRules {
		if strings.Contains(text, r.Pattern) {
			return r.Type
		}
	}
	return models.CompetitionGrant
}
