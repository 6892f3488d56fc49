package brief

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// OutlineSection is one entry of a brief's outline.
type OutlineSection struct {
	Key      string `json:"section_key" validate:"required"`
	Heading  string `json:"heading" validate:"required"`
	Order    int    `json:"order" validate:"min=0"`
	Guidance string `json:"guidance,omitempty"`
}

// BusinessContext is the wizard-collected context injected into every prompt.
type BusinessContext struct {
	Name             string `json:"name,omitempty"`
	Audience         string `json:"audience,omitempty"`
	Tone             string `json:"tone,omitempty"`
	ValueProposition string `json:"value_proposition,omitempty"`
}

func (b BusinessContext) IsZero() bool {
	return b == BusinessContext{}
}

// Brief is a content brief. It is read-only from the pipeline's perspective.
type Brief struct {
	ID       string           `json:"id" validate:"required"`
	MapID    string           `json:"map_id,omitempty"`
	Title    string           `json:"title" validate:"required"`
	Language string           `json:"language,omitempty"`
	Guidance string           `json:"guidance,omitempty"`
	Keywords []string         `json:"keywords,omitempty"`
	Outline  []OutlineSection `json:"outline" validate:"dive"`
	Business BusinessContext  `json:"business"`
}

// LanguageTag parses Language, defaulting to English when empty or invalid.
func (b *Brief) LanguageTag() language.Tag {
	if strings.TrimSpace(b.Language) == "" {
		return language.English
	}
	tag, err := language.Parse(b.Language)
	if err != nil {
		return language.English
	}
	return tag
}

// SortedOutline returns the outline ordered by Order, ties broken by Key.
func (b *Brief) SortedOutline() []OutlineSection {
	ret := append([]OutlineSection(nil), b.Outline...)
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].Order != ret[j].Order {
			return ret[i].Order < ret[j].Order
		}
		return ret[i].Key < ret[j].Key
	})
	return ret
}
