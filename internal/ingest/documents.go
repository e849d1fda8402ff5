package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	rpdf "rsc.io/pdf"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
)

const (
	minSectionLength  = 100
	maxSectionLength  = 1000
	maxPDFBytes       = 20 * 1024 * 1024
	maxDocumentLength = 20000
)

// BuildSectionDocuments turns each section into an indexable document keyed
// "<grant_id>_section_<name>".
func BuildSectionDocuments(c *models.Competition) []models.IndexableDocument {
	docs := make([]models.IndexableDocument, 0, len(c.Sections))
	for _, s := range c.Sections {
		text := s.IndexText()
		if text == "" {
			continue
		}
		docs = append(docs, models.IndexableDocument{
			ID:           c.GrantID + "_section_" + s.Name,
			GrantID:      c.GrantID,
			DocType:      "competition_section",
			SectionName:  s.Name,
			Text:         text,
			SourceURL:    s.URL,
			CitationText: fmt.Sprintf("%s - %s Section", c.Title, sectionTitle(s.Name)),
			Scope:        string(models.ScopeCompetition),
		})
	}
	return docs
}

func sectionTitle(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "-", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// EmbeddingText is the text handed to the embedding sink: the title
// followed by every section body. Very short sections are dropped and long
// ones capped so a single section cannot dominate the vector.
func EmbeddingText(c *models.Competition) string {
	var b strings.Builder
	b.WriteString(c.Title)
	for _, s := range c.Sections {
		body := s.IndexText()
		if len([]rune(body)) < minSectionLength {
			continue
		}
		if r := []rune(body); len(r) > maxSectionLength {
			body = string(r[:maxSectionLength])
		}
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	return b.String()
}

// ResourceDocumentBuilder downloads PDF resources and turns their text into
// indexable documents.
type ResourceDocumentBuilder struct {
	Fetcher Fetcher
	logger  *zap.Logger
}

func NewResourceDocumentBuilder(f Fetcher, logger *zap.Logger) *ResourceDocumentBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceDocumentBuilder{Fetcher: f, logger: logger}
}

// Build returns documents for every PDF resource that could be read.
// Individual download or parse failures are logged and skipped.
func (b *ResourceDocumentBuilder) Build(ctx context.Context, c *models.Competition) []models.IndexableDocument {
	var docs []models.IndexableDocument
	for _, r := range c.Resources {
		if r.Type != models.ResourcePDF {
			continue
		}
		text, err := b.fetchPDFText(ctx, r.URL)
		if err != nil {
			if ctx.Err() != nil {
				return docs
			}
			b.logger.Warn("skipping resource",
				zap.String("grant_id", c.GrantID),
				zap.String("url", r.URL),
				zap.Error(err),
			)
			continue
		}
		if text == "" {
			continue
		}
		if rs := []rune(text); len(rs) > maxDocumentLength {
			text = string(rs[:maxDocumentLength])
		}

		citation := r.Label
		if citation == "" {
			citation = r.URL
		}
		section := ""
		if r.Scope == models.ScopeCompetition {
			section = "supporting_information"
		}
		docs = append(docs, models.IndexableDocument{
			ID:           c.GrantID + "_doc_" + r.ID,
			GrantID:      c.GrantID,
			DocType:      "pdf",
			SectionName:  section,
			ResourceID:   r.ID,
			Text:         text,
			SourceURL:    r.URL,
			CitationText: c.Title + " - " + citation,
			Scope:        string(r.Scope),
		})
	}
	return docs
}

func (b *ResourceDocumentBuilder) fetchPDFText(ctx context.Context, rawURL string) (string, error) {
	doc, err := b.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer doc.Body.Close()

	content, err := io.ReadAll(io.LimitReader(doc.Body, maxPDFBytes))
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	if !bytes.HasPrefix(content, []byte("%PDF")) {
		return "", fmt.Errorf("not a pdf (content-type %q)", doc.ContentType)
	}
	return extractPDFText(content)
}

func extractPDFText(content []byte) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		for _, fragment := range page.Content().Text {
			builder.WriteString(fragment.S)
			builder.WriteString(" ")
		}
		builder.WriteString("\n")
	}

	return normalizeSpace(builder.String()), nil
}
