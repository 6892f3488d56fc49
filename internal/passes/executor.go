// Package passes holds the eight executors a job goes through.
package passes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/generation"
	"github.com/MimeLyc/contentpipe/internal/jobs"
)

// Executor runs one pass.
type Executor interface {
	Number() int
	Name() string
	Execute(ctx context.Context, in *Input) (*Output, error)
}

// ErrStopped is returned by the draft pass when Input.Stopped reported a
// stop before a section was started.
var ErrStopped = errors.New("pass stopped")

// Hooks receive section-level progress from the draft pass. Nil fields are skipped.
type Hooks struct {
	OnSectionStart    func(key, heading string, index, total int)
	OnSectionComplete func(key string)
	OnSectionError    func(key string, err error)
}

func (h Hooks) sectionStart(key, heading string, index, total int) {
	if h.OnSectionStart != nil {
		h.OnSectionStart(key, heading, index, total)
	}
}

func (h Hooks) sectionComplete(key string) {
	if h.OnSectionComplete != nil {
		h.OnSectionComplete(key)
	}
}

func (h Hooks) sectionError(key string, err error) {
	if h.OnSectionError != nil {
		h.OnSectionError(key, err)
	}
}

// Input is what a pass reads. Document is the job's working content, which
// may be empty before pass 2 has run.
type Input struct {
	Job       *jobs.Job
	Brief     *brief.Brief
	Business  brief.BusinessContext
	Document  string
	Sections  jobs.SectionStore
	Generator generation.Generator
	Hooks     Hooks
	// Stopped is asked before each draft section is started. It reports
	// whether the job was paused or cancelled outside the run.
	Stopped func(ctx context.Context) bool
}

func (in *Input) stopped(ctx context.Context) bool {
	return in.Stopped != nil && in.Stopped(ctx)
}

// Output is what a pass produces. Content becomes the new working content;
// Score and Report are only set by the audit.
type Output struct {
	Content string
	Score   *int
	Report  string
}

// BuildContext renders the standing context sent with every generation call.
func BuildContext(b *brief.Brief, biz brief.BusinessContext) string {
	var sb strings.Builder
	sb.WriteString("You are an expert content writer producing a single article.\n")
	fmt.Fprintf(&sb, "Article title: %s\n", b.Title)
	fmt.Fprintf(&sb, "Language: %s\n", b.LanguageTag())
	if len(b.Keywords) > 0 {
		fmt.Fprintf(&sb, "Required terms: %s\n", strings.Join(b.Keywords, ", "))
	}
	if g := strings.TrimSpace(b.Guidance); g != "" {
		fmt.Fprintf(&sb, "Editorial guidance: %s\n", g)
	}
	if !biz.IsZero() {
		sb.WriteString("\nBusiness context:\n")
		writeField(&sb, "Company", biz.Name)
		writeField(&sb, "Audience", biz.Audience)
		writeField(&sb, "Tone of voice", biz.Tone)
		writeField(&sb, "Value proposition", biz.ValueProposition)
	}
	return sb.String()
}

func writeField(sb *strings.Builder, label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(sb, "- %s: %s\n", label, value)
	}
}

// cleanReply strips a surrounding Markdown code fence the model may add.
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
