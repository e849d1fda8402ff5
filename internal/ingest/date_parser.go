package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
)

// London is the zone competition deadlines are published in.
var London = mustLoadLocation("Europe/London")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

var (
	weekdayPrefixRe = regexp.MustCompile(`(?i)^(monday|tuesday|wednesday|thursday|friday|saturday|sunday),?\s+`)
	ordinalRe       = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	meridiemRe      = regexp.MustCompile(`(?i)(\d)\s*([ap])\.?m\.?\b`)
	// Everything up to the last label, e.g. "Competition closes:".
	dateLabelRe = regexp.MustCompile(`(?is)^.*(?:opens|closes|closing date|deadline):`)
)

var ukDateTimeFormats = []string{
	"2 January 2006 3:04PM",
	"2 January 2006 3PM",
	"2 January 2006 15:04",
	"2 Jan 2006 3:04PM",
	"2 Jan 2006 3PM",
	"2 Jan 2006 15:04",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
}

var ukDateFormats = []string{
	"2 January 2006",
	"2 Jan 2006",
	"02/01/2006",
	"2/1/2006",
	"2006-01-02",
}

// parseUKDate parses the date formats used on competition pages, in London
// time. Date-only values resolve to the start of the day, or to its last
// instant when endOfDay is set.
func parseUKDate(text string, endOfDay bool) (time.Time, error) {
	s := cleanDateString(text)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	for _, layout := range ukDateTimeFormats {
		if t, err := time.ParseInLocation(layout, s, London); err == nil {
			return t, nil
		}
	}
	for _, layout := range ukDateFormats {
		if t, err := time.ParseInLocation(layout, s, London); err == nil {
			if endOfDay {
				return toEndOfDay(t), nil
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", text)
}

func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// cleanDateString removes labels, weekdays, ordinals and normalises the
// am/pm suffix so the string matches one of the layouts.
func cleanDateString(s string) string {
	s = dateLabelRe.ReplaceAllString(s, "")
	s = normalizeSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " at ", " ")
	s = weekdayPrefixRe.ReplaceAllString(s, "")
	s = ordinalRe.ReplaceAllString(s, "$1")
	s = meridiemRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := meridiemRe.FindStringSubmatch(m)
		return sub[1] + strings.ToUpper(sub[2]) + "M"
	})
	s = strings.TrimSuffix(s, " UK time")
	s = strings.TrimSuffix(s, " BST")
	s = strings.TrimSuffix(s, " GMT")
	return strings.TrimSpace(s)
}
