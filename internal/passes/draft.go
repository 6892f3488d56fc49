package passes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/draft"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/internal/retry"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// DraftOptions tunes the draft pass.
type DraftOptions struct {
	// Concurrency bounds how many sections are generated at once.
	Concurrency int
	// SectionRetries is the number of attempts per section.
	SectionRetries int
	// SectionTimeout bounds each attempt.
	SectionTimeout time.Duration
	Backoff        time.Duration
	// PersistRetries is the number of attempts per section write.
	PersistRetries int
}

func (o DraftOptions) withDefaults() DraftOptions {
	if o.Concurrency < 1 {
		o.Concurrency = 3
	}
	if o.SectionRetries < 1 {
		o.SectionRetries = 3
	}
	if o.SectionTimeout <= 0 {
		o.SectionTimeout = 2 * time.Minute
	}
	if o.PersistRetries < 1 {
		o.PersistRetries = 3
	}
	return o
}

// DraftPass is pass 1: every outline section is generated on its own and
// persisted by key as soon as it is done.
type DraftPass struct {
	opts  DraftOptions
	newID func() string
	now   func() time.Time
}

func NewDraftPass(opts DraftOptions) *DraftPass {
	return &DraftPass{
		opts:  opts.withDefaults(),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

func (p *DraftPass) Number() int  { return 1 }
func (p *DraftPass) Name() string { return jobs.PassName(1) }

func (p *DraftPass) Execute(ctx context.Context, in *Input) (*Output, error) {
	if err := in.Brief.ValidateOutline(); err != nil {
		return nil, err
	}

	done, err := p.listSections(ctx, in)
	if err != nil {
		return nil, err
	}
	persisted := make(map[string]bool, len(done))
	for _, s := range done {
		persisted[s.SectionKey] = true
	}

	outline := in.Brief.SortedOutline()
	total := len(outline)
	contextText := BuildContext(in.Brief, in.Business)

	var stopped atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, sec := range outline {
		if persisted[sec.Key] {
			continue
		}
		if gctx.Err() != nil || stopped.Load() {
			break
		}
		i, sec := i, sec
		g.Go(func() error {
			// checkpoint: do not start a section after a stop
			if err := gctx.Err(); err != nil {
				return err
			}
			// sections already in flight still finish and persist
			if stopped.Load() || in.stopped(gctx) {
				stopped.Store(true)
				return nil
			}
			in.Hooks.sectionStart(sec.Key, sec.Heading, i+1, total)

			content, err := p.generate(gctx, in, sec, i+1, total, contextText)
			if err != nil {
				if gctx.Err() == nil {
					in.Hooks.sectionError(sec.Key, err)
				}
				return err
			}

			now := p.now()
			section := &jobs.Section{
				ID:           p.newID(),
				JobID:        in.Job.ID,
				SectionKey:   sec.Key,
				SectionOrder: sec.Order,
				Heading:      sec.Heading,
				Content:      content,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			// a finished section is kept even if the run is being stopped
			persistPolicy := retry.Policy{Attempts: p.opts.PersistRetries, Backoff: p.opts.Backoff}
			err = retry.Do(context.WithoutCancel(gctx), persistPolicy, func(ctx context.Context) error {
				return in.Sections.UpsertSection(ctx, section)
			})
			if err != nil {
				in.Hooks.sectionError(sec.Key, err)
				return err
			}
			in.Hooks.sectionComplete(sec.Key)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if stopped.Load() {
		return nil, ErrStopped
	}

	sections, err := p.listSections(ctx, in)
	if err != nil {
		return nil, err
	}
	return &Output{Content: draft.Render(sections)}, nil
}

func (p *DraftPass) generate(ctx context.Context, in *Input, sec brief.OutlineSection, index, total int, contextText string) (string, error) {
	prompt := sectionPrompt(in.Brief, sec, index, total)
	policy := retry.Policy{
		Attempts: p.opts.SectionRetries,
		Timeout:  p.opts.SectionTimeout,
		Backoff:  p.opts.Backoff,
		OnRetry: func(attempt int, err error) {
			log.Warn("Job %s section %s: retrying (attempt %d/%d): %v", in.Job.ID, sec.Key, attempt, p.opts.SectionRetries, err)
		},
	}

	var content string
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		reply, err := in.Generator.Generate(ctx, prompt, contextText)
		if err != nil {
			return err
		}
		reply = stripHeading(cleanReply(reply), sec.Heading)
		if reply == "" {
			return apperr.New(apperr.ErrTransient, "empty section content")
		}
		content = reply
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var appErr *apperr.Error
		if !errors.As(err, &appErr) {
			appErr = apperr.Wrap(err, apperr.ErrFatal, "section generation failed")
		}
		return "", appErr.WithContext("section", sec.Key)
	}
	return content, nil
}

func (p *DraftPass) listSections(ctx context.Context, in *Input) ([]*jobs.Section, error) {
	var sections []*jobs.Section
	policy := retry.Policy{Attempts: p.opts.PersistRetries, Backoff: p.opts.Backoff}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		sections, err = in.Sections.ListSections(ctx, in.Job.ID)
		return err
	})
	return sections, err
}

func sectionPrompt(b *brief.Brief, sec brief.OutlineSection, index, total int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write section %d of %d of the article %q.\n", index, total, b.Title)
	fmt.Fprintf(&sb, "Section heading: %s\n", sec.Heading)
	if g := strings.TrimSpace(sec.Guidance); g != "" {
		fmt.Fprintf(&sb, "Section guidance: %s\n", g)
	}
	fmt.Fprintf(&sb, "Write in %s. Return only the section body in Markdown, without the section heading.", b.LanguageTag())
	return sb.String()
}

// stripHeading drops a leading heading line repeating the section heading.
func stripHeading(content, heading string) string {
	first, rest, found := strings.Cut(content, "\n")
	title := strings.TrimSpace(strings.TrimLeft(first, "#"))
	if strings.HasPrefix(first, "#") && strings.EqualFold(title, strings.TrimSpace(heading)) {
		if !found {
			return ""
		}
		return strings.TrimSpace(rest)
	}
	return content
}
