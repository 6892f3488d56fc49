// Package draft renders a job's sections into a single Markdown document.
package draft

import (
	"strings"

	"github.com/MimeLyc/contentpipe/internal/jobs"
)

// Separator joins rendered sections.
const Separator = "\n\n"

// Render orders sections by section_order (ties broken by key) and renders
// each as "## <heading>\n\n<content>". The input slice is not modified.
func Render(sections []*jobs.Section) string {
	ordered := make([]*jobs.Section, 0, len(sections))
	for _, s := range sections {
		if s != nil {
			ordered = append(ordered, s)
		}
	}
	jobs.SortSections(ordered)

	parts := make([]string, 0, len(ordered))
	for _, s := range ordered {
		parts = append(parts, RenderSection(s.Heading, s.Content))
	}
	return strings.Join(parts, Separator)
}

func RenderSection(heading, content string) string {
	return "## " + strings.TrimSpace(heading) + "\n\n" + strings.TrimSpace(content)
}
