package passes

import (
	"context"
	"strings"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/draft"
	"github.com/MimeLyc/contentpipe/internal/generation"
	"github.com/MimeLyc/contentpipe/internal/jobs"
)

var instructions = map[int]string{
	2: `Revise the headings of the article below. Keep at most one H1. Use ## for main sections and ### for subsections and never skip a level. Make every heading specific and descriptive, and use the required terms where they fit naturally. Keep the body text unchanged.`,
	3: `Restructure the article below for scannability. Turn enumerations and step sequences in running text into Markdown lists, and present comparisons of several items across several attributes as Markdown tables. Do not add or remove information.`,
	4: `Improve the visual semantics of the article below. Emphasise the few most important terms in bold, split overlong paragraphs, and where an image or diagram would help the reader insert a Markdown image placeholder with a descriptive alt text. Do not change the meaning of the text.`,
	5: `Refine the article below at sentence level. Prefer precise, concrete wording and active voice, state each entity with its attributes explicitly, remove filler, and make sure the required terms appear where they are relevant. Keep the structure and headings as they are.`,
	6: `Improve the flow of the article below. Add short transitions between sections, keep terminology consistent throughout, and remove repetition across sections. Keep the headings and the order of sections.`,
	7: `Rewrite the introduction of the article below so that it reflects the article as it is now: state what the reader will learn and preview the main sections in order. Leave every other section unchanged.`,
}

// TransformPass is one of passes 2-7: a single whole-document rewrite.
type TransformPass struct {
	number      int
	instruction string
}

// NewTransformPass returns the rewrite pass with the given number (2-7).
func NewTransformPass(number int) *TransformPass {
	return &TransformPass{number: number, instruction: instructions[number]}
}

func (p *TransformPass) Number() int  { return p.number }
func (p *TransformPass) Name() string { return jobs.PassName(p.number) }

func (p *TransformPass) Execute(ctx context.Context, in *Input) (*Output, error) {
	doc, err := workingDocument(ctx, in)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc) == "" {
		return nil, apperr.Validation("job %s has no content to refine", in.Job.ID)
	}

	prompt := p.instruction +
		"\n\nReturn the complete revised article in Markdown and nothing else.\n\n---\n\n" + doc
	reply, err := generation.ForDocument(in.Generator).Generate(ctx, prompt, BuildContext(in.Brief, in.Business))
	if err != nil {
		return nil, err
	}
	reply = cleanReply(reply)
	if reply == "" {
		return nil, apperr.New(apperr.ErrTransient, "model returned an empty document").
			WithContext("pass", p.number)
	}
	return &Output{Content: reply}, nil
}

// workingDocument returns the job's working content, assembling it from the
// stored sections when empty.
func workingDocument(ctx context.Context, in *Input) (string, error) {
	if strings.TrimSpace(in.Document) != "" {
		return in.Document, nil
	}
	sections, err := in.Sections.ListSections(ctx, in.Job.ID)
	if err != nil {
		return "", err
	}
	return draft.Render(sections), nil
}
