package ingest

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed config/sections.yaml
var sectionsYAML []byte

// SectionRegistry lists the page sections the parser knows by name.
type SectionRegistry struct {
	NavHeadings []string     `yaml:"nav_headings"`
	Sections    []SectionDef `yaml:"sections"`
}

// SectionDef defines a single known section.
type SectionDef struct {
	Name   string   `yaml:"name"`
	Anchor string   `yaml:"anchor"`
	Labels []string `yaml:"labels,omitempty"`
}

// LoadSectionRegistry parses the embedded sections.yaml. When path is set the
// file at path is used instead, which lets operators add sections without a rebuild.
func LoadSectionRegistry(path string) (*SectionRegistry, error) {
	data := sectionsYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read section registry: %w", err)
		}
		data = b
	}

	var reg SectionRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse section registry: %w", err)
	}
	if len(reg.Sections) == 0 {
		return nil, fmt.Errorf("section registry has no sections")
	}
	return &reg, nil
}

// MustDefaultSectionRegistry returns the embedded registry and panics if it is malformed.
func MustDefaultSectionRegistry() *SectionRegistry {
	reg, err := LoadSectionRegistry("")
	if err != nil {
		panic(err)
	}
	return reg
}

// NameFor maps a nav link to a section name. Unknown links fall back to the
// fragment, or to the hyphenated link text.
func (r *SectionRegistry) NameFor(linkText, fragment string) string {
	label := strings.ToLower(normalizeSpace(linkText))
	for _, s := range r.Sections {
		for _, l := range s.Labels {
			if l == label {
				return s.Name
			}
		}
	}
	if fragment != "" {
		return fragment
	}
	return strings.ReplaceAll(label, " ", "-")
}

// IsNavHeading reports whether heading text introduces the sections nav.
func (r *SectionRegistry) IsNavHeading(text string) bool {
	text = strings.ToLower(text)
	for _, h := range r.NavHeadings {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}
