package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// normalizeSpace collapses multiple spaces into one and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// appendUnique appends a string to a slice if it doesn't already exist (case-insensitive).
func appendUnique(list []string, v string) []string {
	vClean := strings.TrimSpace(v)
	if vClean == "" {
		return list
	}

	vLower := strings.ToLower(vClean)
	for _, existing := range list {
		if strings.ToLower(existing) == vLower {
			return list
		}
	}
	return append(list, vClean)
}

// selectionText returns the text of every node in sel, with text nodes
// joined by single spaces. goquery's Text() glues adjacent blocks together.
func selectionText(sel *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return normalizeSpace(strings.Join(parts, " "))
}

// stableID returns prefix + the first 16 hex chars of sha1(s).
func stableID(s, prefix string) string {
	sum := sha1.Sum([]byte(s))
	return prefix + hex.EncodeToString(sum[:])[:16]
}

var competitionIDRe = regexp.MustCompile(`/competition/(\d+)(?:/|$)`)

// ExtractCompetitionID returns the numeric competition id from an Innovate UK
// URL, or the last path segment when the URL has no /competition/<n> part.
func ExtractCompetitionID(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	if m := competitionIDRe.FindStringSubmatch(u.Path); m != nil {
		return m[1]
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

// CanonicalizeURL strips the fragment and trailing slash so the same page
// always maps to the same key.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}

// resolveURL makes href absolute against base.
func resolveURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

// truncateMiddle keeps the first head and last tail runes of s when it is
// longer than limit, joining them with "...".
func truncateMiddle(s string, limit, head, tail int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:head]) + "..." + string(r[len(r)-tail:])
}
