package passes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/abadojack/whatlanggo"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/jobs"
)

// Audit check weights; they sum to 100.
const (
	structureWeight  = 30
	hierarchyWeight  = 20
	keywordWeight    = 20
	lengthWeight     = 10
	formattingWeight = 10
	languageWeight   = 10

	hierarchyPenalty   = 5
	wordsPerSection    = 150
	minimumWords       = 300
	minDetectableWords = 20
)

// Check is one scored audit criterion.
type Check struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
	Max    int    `json:"max"`
	Detail string `json:"detail"`
}

// Report is the audit result persisted with a completed job.
type Report struct {
	Score            int     `json:"score"`
	WordCount        int     `json:"word_count"`
	DetectedLanguage string  `json:"detected_language,omitempty"`
	Checks           []Check `json:"checks"`
}

// JSON renders the report for storage.
func (r Report) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(data)
}

type heading struct {
	level int
	text  string
}

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	listRe    = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+\S`)
	tableRe   = regexp.MustCompile(`^\s*\|.*\|\s*$`)
)

// Audit scores document against b. It is deterministic and does not call
// any model.
func Audit(document string, b *brief.Brief) Report {
	lines := strings.Split(strings.ReplaceAll(document, "\r\n", "\n"), "\n")
	headings := parseHeadings(lines)
	words := strings.Fields(plainText(lines))

	checks := []Check{
		checkStructure(headings, b),
		checkHierarchy(headings),
		checkKeywords(document, b),
		checkLength(len(words), len(b.Outline)),
		checkFormatting(document, lines),
	}
	langCheck, detected := checkLanguage(lines, len(words), b)
	checks = append(checks, langCheck)

	score := 0
	for _, c := range checks {
		score += c.Points
	}
	score = max(0, min(100, score))

	return Report{
		Score:            score,
		WordCount:        len(words),
		DetectedLanguage: detected,
		Checks:           checks,
	}
}

func parseHeadings(lines []string) []heading {
	var ret []heading
	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			ret = append(ret, heading{level: len(m[1]), text: m[2]})
		}
	}
	return ret
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.Trim(s, " *_`"))), " ")
}

func checkStructure(headings []heading, b *brief.Brief) Check {
	c := Check{Name: "structure", Max: structureWeight}
	if len(b.Outline) == 0 {
		c.Points = c.Max
		c.Detail = "brief has no outline"
		return c
	}
	present := make(map[string]bool, len(headings))
	for _, h := range headings {
		present[normalize(h.text)] = true
	}
	var missing []string
	for _, s := range b.Outline {
		if !present[normalize(s.Heading)] {
			missing = append(missing, s.Heading)
		}
	}
	found := len(b.Outline) - len(missing)
	c.Points = c.Max * found / len(b.Outline)
	c.Detail = fmt.Sprintf("%d of %d outline headings present", found, len(b.Outline))
	if len(missing) > 0 {
		c.Detail += "; missing: " + strings.Join(missing, ", ")
	}
	return c
}

func checkHierarchy(headings []heading) Check {
	c := Check{Name: "hierarchy", Max: hierarchyWeight}
	if len(headings) == 0 {
		c.Detail = "document has no headings"
		return c
	}
	var problems []string
	h1 := 0
	prev := 1
	for _, h := range headings {
		if h.level == 1 {
			h1++
			if h1 > 1 {
				problems = append(problems, fmt.Sprintf("extra H1 %q", h.text))
			}
		}
		if h.level > prev+1 {
			problems = append(problems, fmt.Sprintf("H%d %q follows H%d", h.level, h.text, prev))
		}
		prev = h.level
	}
	c.Points = max(0, c.Max-hierarchyPenalty*len(problems))
	if len(problems) == 0 {
		c.Detail = "heading levels are consistent"
	} else {
		c.Detail = strings.Join(problems, "; ")
	}
	return c
}

func checkKeywords(document string, b *brief.Brief) Check {
	c := Check{Name: "keywords", Max: keywordWeight}
	var keywords []string
	for _, k := range b.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		c.Points = c.Max
		c.Detail = "no required terms"
		return c
	}
	lower := strings.ToLower(document)
	var missing []string
	for _, k := range keywords {
		if !strings.Contains(lower, strings.ToLower(k)) {
			missing = append(missing, k)
		}
	}
	found := len(keywords) - len(missing)
	c.Points = c.Max * found / len(keywords)
	c.Detail = fmt.Sprintf("%d of %d required terms present", found, len(keywords))
	if len(missing) > 0 {
		c.Detail += "; missing: " + strings.Join(missing, ", ")
	}
	return c
}

func checkLength(words, sections int) Check {
	c := Check{Name: "length", Max: lengthWeight}
	target := max(minimumWords, wordsPerSection*sections)
	c.Points = min(c.Max, c.Max*words/target)
	c.Detail = fmt.Sprintf("%d words, target %d", words, target)
	return c
}

func checkFormatting(document string, lines []string) Check {
	c := Check{Name: "formatting", Max: formattingWeight}
	hasList := false
	for _, line := range lines {
		if listRe.MatchString(line) || tableRe.MatchString(line) {
			hasList = true
			break
		}
	}
	paragraphs := 0
	for _, block := range strings.Split(strings.ReplaceAll(document, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, "#") || listRe.MatchString(block) || tableRe.MatchString(strings.SplitN(block, "\n", 2)[0]) {
			continue
		}
		paragraphs++
	}

	var notes []string
	if hasList {
		c.Points += c.Max / 2
		notes = append(notes, "list or table present")
	} else {
		notes = append(notes, "no list or table")
	}
	if paragraphs >= 3 {
		c.Points += c.Max / 2
	}
	notes = append(notes, fmt.Sprintf("%d paragraphs", paragraphs))
	c.Detail = strings.Join(notes, "; ")
	return c
}

// checkLanguage votes per paragraph-line and compares the winner with the
// brief's base language.
func checkLanguage(lines []string, words int, b *brief.Brief) (Check, string) {
	c := Check{Name: "language", Max: languageWeight}
	want, _ := b.LanguageTag().Base()

	if words < minDetectableWords {
		c.Points = c.Max / 2
		c.Detail = "too little text to detect the language"
		return c, ""
	}

	votes := make(map[string]int)
	for _, line := range lines {
		text := strings.TrimSpace(line)
		if text == "" || strings.HasPrefix(text, "#") || len(strings.Fields(text)) < 4 {
			continue
		}
		votes[whatlanggo.DetectLang(text).Iso6391()] += len(strings.Fields(text))
	}
	detected := ""
	top := 0
	for lang, n := range votes {
		if n > top || (n == top && lang < detected) {
			detected, top = lang, n
		}
	}
	if detected == "" {
		detected = whatlanggo.DetectLang(strings.Join(lines, " ")).Iso6391()
	}

	if detected == want.String() {
		c.Points = c.Max
		c.Detail = fmt.Sprintf("detected %s as expected", detected)
	} else {
		c.Detail = fmt.Sprintf("detected %s, expected %s", detected, want)
	}
	return c, detected
}

// plainText strips heading markers and list bullets so only prose is counted.
func plainText(lines []string) string {
	var sb strings.Builder
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if m := headingRe.FindStringSubmatch(line); m != nil {
			line = m[2]
		}
		line = strings.TrimLeft(line, "-*+>| ")
		sb.WriteString(strings.ReplaceAll(line, "|", " "))
		sb.WriteByte(' ')
	}
	return sb.String()
}

// AuditPass is pass 8.
type AuditPass struct{}

func NewAuditPass() *AuditPass { return &AuditPass{} }

func (p *AuditPass) Number() int  { return jobs.TotalPasses }
func (p *AuditPass) Name() string { return jobs.PassName(jobs.TotalPasses) }

func (p *AuditPass) Execute(ctx context.Context, in *Input) (*Output, error) {
	doc, err := workingDocument(ctx, in)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc) == "" {
		return nil, apperr.Validation("job %s has no content to audit", in.Job.ID)
	}
	report := Audit(doc, in.Brief)
	score := report.Score
	return &Output{Content: doc, Score: &score, Report: report.JSON()}, nil
}
