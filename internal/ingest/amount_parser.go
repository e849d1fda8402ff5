package ingest

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	amountToken      = `£?\s*(\d[\d,]*(?:\.\d+)?)\s*(million|thousand|billion|bn|k|m)?\b`
	poundAmountToken = `£\s*(\d[\d,]*(?:\.\d+)?)\s*(million|thousand|billion|bn|k|m)?\b`
)

// amountPatterns is the regex set for one kind of text: pound-prefixed
// figures only, or bare figures.
type amountPatterns struct {
	single  *regexp.Regexp
	between *regexp.Regexp
	plain   *regexp.Regexp
}

func newAmountPatterns(token string) amountPatterns {
	return amountPatterns{
		single:  regexp.MustCompile(`(?i)` + token),
		between: regexp.MustCompile(`(?i)between\s+` + token + `\s+and\s+` + token),
		plain:   regexp.MustCompile(`(?i)` + token + `\s*(?:to|and|-|–)\s*` + token),
	}
}

var (
	barePatterns  = newAmountPatterns(amountToken)
	poundPatterns = newAmountPatterns(poundAmountToken)

	minOnlyRe = regexp.MustCompile(`(?i)\b(minimum|at least|no less than)\b`)

	prizePotRe  = regexp.MustCompile(`(?i)(?:share of(?: a| an)?|prize (?:pot|fund) of|total prize fund of|prizes? worth)\s+(£\s*\d[\d,]*(?:\.\d+)?\s*(?:million|thousand|billion|bn|k|m)?\b)`)
	perWinnerRe = regexp.MustCompile(`(?i)(£\s*\d[\d,]*(?:\.\d+)?\s*(?:million|thousand|k|m)?)\s+(?:each|per (?:winner|project|award))`)
)

// patternsFor picks pound-only patterns when the text has a pound sign, so
// durations and years next to a figure are not read as money.
func patternsFor(text string) amountPatterns {
	if strings.Contains(text, "£") {
		return poundPatterns
	}
	return barePatterns
}

// unitMultiplier expands a magnitude word.
func unitMultiplier(unit string) float64 {
	switch strings.ToLower(unit) {
	case "million", "m":
		return 1_000_000
	case "thousand", "k":
		return 1_000
	case "billion", "bn":
		return 1_000_000_000
	}
	return 1
}

// gbpValue converts a captured number and unit to whole pounds.
func gbpValue(number, unit string) (int64, bool) {
	clean := strings.ReplaceAll(number, ",", "")
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return int64(math.Round(v * unitMultiplier(unit))), true
}

// parseAmounts returns every amount in text in order.
func parseAmounts(text string) []int64 {
	var out []int64
	for _, m := range patternsFor(text).single.FindAllStringSubmatch(text, -1) {
		if v, ok := gbpValue(m[1], m[2]); ok {
			out = append(out, v)
		}
	}
	return out
}

// parseRange matches "X to Y", "X - Y" and "between X and Y". A unit given
// only on the upper bound also applies to a small lower bound ("£1 to £2 million")
// as long as the scaled bound does not exceed the upper one ("£500 to £5k").
func parseRange(text string) (int64, int64, bool) {
	pats := patternsFor(text)
	m := pats.between.FindStringSubmatch(text)
	if m == nil {
		m = pats.plain.FindStringSubmatch(text)
	}
	if m == nil {
		return 0, 0, false
	}

	low, ok1 := gbpValue(m[1], m[2])
	high, ok2 := gbpValue(m[3], m[4])
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	if m[2] == "" && m[4] != "" && low < 1000 {
		if scaled, ok := gbpValue(m[1], m[4]); ok && scaled <= high {
			low = scaled
		}
	}
	return low, high, true
}

// ParseProjectFunding reads a per-project funding statement. Ranges give
// (min, max); a lone figure is a ceiling unless worded as a minimum.
func ParseProjectFunding(text string) (min, max *int64) {
	text = normalizeSpace(text)
	if text == "" {
		return nil, nil
	}
	if low, high, ok := parseRange(text); ok {
		return &low, &high
	}
	amounts := parseAmounts(text)
	if len(amounts) == 0 {
		return nil, nil
	}
	v := amounts[0]
	if minOnlyRe.MatchString(text) {
		return &v, nil
	}
	return nil, &v
}

// ParseTotalFund reads the competition's total pot. A range yields its upper bound.
func ParseTotalFund(text string) *int64 {
	text = normalizeSpace(text)
	if text == "" {
		return nil
	}
	if _, high, ok := parseRange(text); ok {
		return &high
	}
	amounts := parseAmounts(text)
	if len(amounts) == 0 {
		return nil
	}
	v := amounts[0]
	return &v
}

// prizeFallback finds prize pot and per-winner figures in free text, for
// prize competitions whose key facts omit the fund.
func prizeFallback(text string) (display string, total *int64, perWinner *int64) {
	if m := prizePotRe.FindStringSubmatch(text); m != nil {
		display = normalizeSpace(m[1])
		total = ParseTotalFund(m[1])
	}
	if m := perWinnerRe.FindStringSubmatch(text); m != nil {
		if amounts := parseAmounts(m[1]); len(amounts) > 0 {
			v := amounts[0]
			perWinner = &v
		}
	}
	return display, total, perWinner
}
