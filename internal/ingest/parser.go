package ingest

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

var (
	contentTags  = map[string]bool{"p": true, "ul": true, "ol": true, "div": true, "table": true, "dl": true, "details": true}
	headingTags  = map[string]bool{"h2": true, "h3": true}
	containerTag = map[string]bool{"section": true, "div": true, "article": true}

	smePctRe      = regexp.MustCompile(`(?i)up to 60%.*micro.*small.*medium`)
	largePctRe    = regexp.MustCompile(`(?i)up to 50%.*large\s+organisation`)
	researchPctRe = regexp.MustCompile(`(?i)up to 70%.*research\s+organisation`)

	// Ordered from most to least specific; the first match wins.
	moneyPhrasePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)up to £[\d,]+(?:\.\d+)?\s*(?:million|thousand|billion|k|m)\b`),
		regexp.MustCompile(`(?i)£[\d,]+(?:\.\d+)?\s*(?:million|thousand|billion|k|m)?\s+to\s+£[\d,]+(?:\.\d+)?\s*(?:million|thousand|billion|k|m)?`),
		regexp.MustCompile(`(?i)prize pot of £[\d,]+(?:\.\d+)?(?:\s*(?:million|thousand|k|m)\b)?`),
		regexp.MustCompile(`(?i)total prize fund of £[\d,]+(?:\.\d+)?(?:\s*(?:million|thousand|k|m)\b)?`),
		regexp.MustCompile(`(?i)prizes? worth £[\d,]+(?:\.\d+)?(?:\s*(?:million|thousand|k|m)\b)?`),
		regexp.MustCompile(`(?i)share of(?: a| an)? £[\d,]+(?:\.\d+)?(?:\s*(?:million|thousand|k|m)\b)?`),
		regexp.MustCompile(`£[\d,]{4,}(?:\.\d+)?`),
		regexp.MustCompile(`(?i)£[\d,]+(?:\.\d+)?\s*(?:million|thousand|billion|k|m)\b`),
	}
)

// PageParser turns a competition overview page into RawCompetitionFields.
// It is structural only: every extracted value is kept as page text.
type PageParser struct {
	registry  *SectionRegistry
	sanitizer *bluemonday.Policy
	markdown  *converter.Converter
	logger    *zap.Logger
}

func NewPageParser(registry *SectionRegistry, logger *zap.Logger) *PageParser {
	if registry == nil {
		registry = MustDefaultSectionRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageParser{
		registry:  registry,
		sanitizer: bluemonday.UGCPolicy(),
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
	}
}

// Parse extracts raw fields from page. It fails with *ParseError when the
// page has no <h1> title or no metadata block at all.
func (p *PageParser) Parse(pageURL string, page []byte) (*RawCompetitionFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	raw := &RawCompetitionFields{PageURL: pageURL}

	raw.Title = selectionText(doc.Find("h1").First())
	if raw.Title == "" {
		return nil, &ParseError{Kind: ParseMissingRequiredField, Field: "title"}
	}

	hasMeta := p.parseMetadata(doc, raw)

	navFound := false
	raw.Sections, navFound = p.parseSections(doc)
	if !hasMeta && !navFound {
		return nil, &ParseError{Kind: ParseMissingRequiredField, Field: "metadata"}
	}

	raw.Description = p.parseDescription(doc)
	if raw.Description == "" {
		for _, s := range raw.Sections {
			if s.Name == "summary" {
				raw.Description = s.Text
				break
			}
		}
	}

	if raw.TotalFund == "" {
		raw.TotalFund = extractMoneyPhrase(raw.Description)
	}
	pageText := selectionText(doc.Find("body"))
	if raw.TotalFund == "" {
		raw.TotalFund = extractMoneyPhrase(pageText)
	}
	raw.FundingRules = extractFundingRules(pageText)
	raw.Resources = p.parseResources(doc, raw.Sections, pageURL)

	p.logger.Debug("parsed competition page",
		zap.String("url", pageURL),
		zap.Int("sections", len(raw.Sections)),
		zap.Int("resources", len(raw.Resources)),
	)
	return raw, nil
}

// parseMetadata fills dates, status and funding strings from the key-facts
// list items and dt/dd pairs. It reports whether any metadata was found.
func (p *PageParser) parseMetadata(doc *goquery.Document, raw *RawCompetitionFields) bool {
	found := false

	doc.Find("li").Each(func(_ int, li *goquery.Selection) {
		text := selectionText(li)
		lower := strings.ToLower(text)
		idx := strings.Index(text, ":")
		if idx < 0 {
			return
		}
		value := strings.TrimSpace(text[idx+1:])
		switch {
		case strings.Contains(lower, "competition opens") && raw.OpensText == "":
			raw.OpensText = value
			found = true
		case strings.Contains(lower, "competition closes") && raw.ClosesText == "":
			raw.ClosesText = value
			found = true
		}
	})

	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.NextFiltered("dd")
		if dd.Length() == 0 {
			return
		}
		found = true
		label := strings.ToLower(selectionText(dt))
		value := selectionText(dd)
		switch {
		case strings.Contains(label, "opens") && raw.OpensText == "":
			raw.OpensText = value
		case strings.Contains(label, "closes") && raw.ClosesText == "":
			raw.ClosesText = value
		case strings.Contains(label, "status") && raw.StatusText == "":
			raw.StatusText = value
		case strings.Contains(label, "project size") && raw.ProjectSize == "":
			raw.ProjectSize = value
		case (strings.Contains(label, "total fund") || strings.Contains(label, "funding available")) && raw.TotalFund == "":
			raw.TotalFund = value
		}
	})

	if raw.StatusText == "" {
		raw.StatusText = selectionText(doc.Find(".govuk-tag").First())
	}

	if raw.ProjectSize == "" {
		raw.ProjectSize = findProjectSize(doc)
	}
	return found
}

// findProjectSize looks for a <strong>/<b> "Project size" label and takes the
// text after the colon in its container, or the following paragraph.
func findProjectSize(doc *goquery.Document) string {
	var size string
	doc.Find("strong, b").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(selectionText(s)), "project size") {
			return true
		}
		container := s.Parent()
		full := selectionText(container)
		if idx := strings.Index(full, ":"); idx >= 0 {
			if v := strings.TrimSpace(full[idx+1:]); v != "" {
				size = v
				return false
			}
		}
		if next := container.NextAllFiltered("p").First(); next.Length() > 0 {
			size = selectionText(next)
			return false
		}
		return true
	})
	return size
}

// parseDescription collects the blocks under the first "Description" heading.
func (p *PageParser) parseDescription(doc *goquery.Document) string {
	header := doc.Find("h2, h3").FilterFunction(func(_ int, h *goquery.Selection) bool {
		return strings.Contains(strings.ToLower(selectionText(h)), "description")
	}).First()
	if header.Length() == 0 {
		return ""
	}

	var parts []string
	header.NextAll().EachWithBreak(func(_ int, sib *goquery.Selection) bool {
		name := goquery.NodeName(sib)
		if headingTags[name] {
			return false
		}
		if name == "p" || name == "ul" || name == "ol" || name == "div" {
			if t := selectionText(sib); t != "" {
				parts = append(parts, t)
			}
		}
		return true
	})
	return strings.Join(parts, "\n\n")
}

type navEntry struct {
	name, fragment, linkText string
}

// parseSections reads sections through the "Competition sections" nav, or
// through the known anchors when the page has no nav. The bool result
// reports whether a nav was found.
func (p *PageParser) parseSections(doc *goquery.Document) ([]RawSection, bool) {
	nav := p.findSectionsNav(doc)
	if len(nav) == 0 {
		return p.parseSectionsFallback(doc), false
	}

	fragments := make([]string, 0, len(nav))
	linkTexts := make([]string, 0, len(nav))
	for _, n := range nav {
		fragments = append(fragments, n.fragment)
		linkTexts = append(linkTexts, strings.ToLower(n.linkText))
	}

	var sections []RawSection
	for _, n := range nav {
		start := findSectionStart(doc, n.fragment, n.linkText)
		if start == nil {
			p.logger.Debug("section not found", zap.String("section", n.name))
			continue
		}

		var elems []*goquery.Selection
		var candidates *goquery.Selection
		if containerTag[goquery.NodeName(start)] {
			candidates = start.Children()
		} else {
			candidates = start.NextAll()
		}
		candidates.EachWithBreak(func(_ int, el *goquery.Selection) bool {
			if isSectionBoundary(el, fragments, linkTexts) {
				return false
			}
			if contentTags[goquery.NodeName(el)] {
				elems = append(elems, el)
			}
			return true
		})

		if s, ok := p.buildSection(n.name, n.linkText, n.fragment, elems); ok {
			sections = append(sections, s)
		}
	}
	return sections, true
}

func (p *PageParser) findSectionsNav(doc *goquery.Document) []navEntry {
	heading := doc.Find("h2, h3, h4").FilterFunction(func(_ int, h *goquery.Selection) bool {
		return p.registry.IsNavHeading(selectionText(h))
	}).First()
	if heading.Length() == 0 {
		return nil
	}

	var list *goquery.Selection
	heading.NextAll().EachWithBreak(func(_ int, sib *goquery.Selection) bool {
		switch goquery.NodeName(sib) {
		case "ul":
			list = sib
			return false
		case "div", "nav":
			if ul := sib.Find("ul").First(); ul.Length() > 0 {
				list = ul
				return false
			}
		}
		return true
	})
	if list == nil {
		return nil
	}

	var entries []navEntry
	list.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if !strings.HasPrefix(href, "#") {
			return
		}
		fragment := strings.ToLower(strings.TrimSpace(href[1:]))
		linkText := selectionText(a)
		entries = append(entries, navEntry{
			name:     p.registry.NameFor(linkText, fragment),
			fragment: fragment,
			linkText: linkText,
		})
	})
	return entries
}

// findSectionStart finds the element with id=fragment, else an h2/h3 whose
// text matches the nav link text.
func findSectionStart(doc *goquery.Document, fragment, linkText string) *goquery.Selection {
	if fragment != "" {
		if el := doc.Find(fmt.Sprintf(`[id=%q]`, fragment)).First(); el.Length() > 0 {
			return el
		}
	}
	want := strings.ToLower(linkText)
	if want == "" {
		return nil
	}
	h := doc.Find("h2, h3").FilterFunction(func(_ int, h *goquery.Selection) bool {
		text := strings.ToLower(selectionText(h))
		return text != "" && (strings.Contains(text, want) || strings.Contains(want, text))
	}).First()
	if h.Length() == 0 {
		return nil
	}
	return h
}

// isSectionBoundary reports whether el starts a different nav section.
func isSectionBoundary(el *goquery.Selection, fragments, linkTexts []string) bool {
	id := strings.ToLower(strings.TrimSpace(el.AttrOr("id", "")))
	if id != "" {
		for _, f := range fragments {
			if f == id {
				return true
			}
		}
	}
	if !headingTags[goquery.NodeName(el)] {
		return false
	}
	text := strings.ToLower(selectionText(el))
	for _, lt := range linkTexts {
		if lt != text && strings.Contains(text, lt) {
			return true
		}
	}
	return false
}

// parseSectionsFallback finds known anchors among h2/h3 headings by id, then
// by heading text, and collects siblings up to the next heading.
func (p *PageParser) parseSectionsFallback(doc *goquery.Document) []RawSection {
	headers := doc.Find("h2, h3")

	var sections []RawSection
	for _, def := range p.registry.Sections {
		header := headers.FilterFunction(func(_ int, h *goquery.Selection) bool {
			return strings.ToLower(strings.TrimSpace(h.AttrOr("id", ""))) == def.Anchor
		}).First()
		if header.Length() == 0 {
			anchorText := strings.ReplaceAll(def.Anchor, "-", " ")
			header = headers.FilterFunction(func(_ int, h *goquery.Selection) bool {
				return strings.Contains(strings.ToLower(selectionText(h)), anchorText)
			}).First()
		}
		if header.Length() == 0 {
			continue
		}

		var elems []*goquery.Selection
		header.NextAll().EachWithBreak(func(_ int, sib *goquery.Selection) bool {
			name := goquery.NodeName(sib)
			if headingTags[name] {
				return false
			}
			if contentTags[name] && name != "details" {
				elems = append(elems, sib)
			}
			return true
		})

		if s, ok := p.buildSection(def.Name, selectionText(header), def.Anchor, elems); ok {
			sections = append(sections, s)
		}
	}
	return sections
}

func (p *PageParser) buildSection(name, heading, fragment string, elems []*goquery.Selection) (RawSection, bool) {
	var htmlParts, textParts []string
	for _, el := range elems {
		if h, err := goquery.OuterHtml(el); err == nil {
			htmlParts = append(htmlParts, h)
		}
		if t := selectionText(el); t != "" {
			textParts = append(textParts, t)
		}
	}
	rawHTML := strings.Join(htmlParts, "")
	text := strings.Join(textParts, "\n\n")
	if strings.TrimSpace(rawHTML) == "" && text == "" {
		return RawSection{}, false
	}

	clean := p.sanitizer.Sanitize(rawHTML)
	md, err := p.markdown.ConvertString(clean)
	if err != nil {
		p.logger.Debug("markdown conversion failed", zap.String("section", name), zap.Error(err))
		md = text
	}

	return RawSection{
		Name:     name,
		Heading:  heading,
		Fragment: fragment,
		HTML:     clean,
		Text:     text,
		Markdown: strings.TrimSpace(md),
	}, true
}

// parseResources collects links from the supporting-information section, or
// from the blocks under a "Supporting information" heading.
func (p *PageParser) parseResources(doc *goquery.Document, sections []RawSection, pageURL string) []RawResource {
	var scope *goquery.Selection
	for _, s := range sections {
		if s.Name == "supporting-information" && s.HTML != "" {
			frag, err := goquery.NewDocumentFromReader(strings.NewReader(s.HTML))
			if err == nil {
				scope = frag.Selection
			}
			break
		}
	}

	if scope == nil {
		header := doc.Find("h2, h3").FilterFunction(func(_ int, h *goquery.Selection) bool {
			return strings.Contains(strings.ToLower(selectionText(h)), "supporting information")
		}).First()
		if header.Length() == 0 {
			return nil
		}
		scope = header.NextUntil("h2, h3")
	}

	var resources []RawResource
	seen := make(map[string]bool)
	scope.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") || strings.HasPrefix(lower, "javascript:") {
			return
		}
		full := resolveURL(pageURL, href)
		if seen[full] {
			return
		}
		seen[full] = true
		resources = append(resources, RawResource{Label: selectionText(a), URL: full})
	})
	return resources
}

// extractMoneyPhrase returns the first money phrase in text, trying the
// patterns from most to least specific.
func extractMoneyPhrase(text string) string {
	if text == "" {
		return ""
	}
	for _, re := range moneyPhrasePatterns {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

func extractFundingRules(text string) map[string]float64 {
	rules := make(map[string]float64)
	if smePctRe.MatchString(text) {
		rules["micro_sme_max_pct"] = 0.60
	}
	if largePctRe.MatchString(text) {
		rules["large_max_pct"] = 0.50
	}
	if researchPctRe.MatchString(text) {
		rules["research_max_pct"] = 0.70
	}
	return rules
}
