package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/internal/pipeline"
	"github.com/MimeLyc/contentpipe/internal/progress"
)

var (
	passColor    = color.New(color.FgCyan, color.Bold)
	sectionColor = color.New(color.FgBlue)
	doneColor    = color.New(color.FgHiGreen)
	errorColor   = color.New(color.FgRed)
	dimColor     = color.New(color.Faint)
)

// consoleListener prints run progress. Section events arrive from several
// draft workers at once.
type consoleListener struct {
	mu sync.Mutex
	w  io.Writer
}

var _ pipeline.Listener = (*consoleListener)(nil)

func newConsoleListener(w io.Writer) *consoleListener {
	return &consoleListener{w: w}
}

func (c *consoleListener) OnPassStart(n int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	passColor.Fprintf(c.w, "[%d/%d] %s\n", n, jobs.TotalPasses, name)
}

func (c *consoleListener) OnPassComplete(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doneColor.Fprintf(c.w, "  ✓ pass %d done\n", n)
}

func (c *consoleListener) OnSectionStart(key, heading string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sectionColor.Fprintf(c.w, "  → %s ", heading)
	dimColor.Fprintf(c.w, "(%s)\n", key)
}

func (c *consoleListener) OnSectionComplete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dimColor.Fprintf(c.w, "    %s written\n", key)
}

func (c *consoleListener) OnError(err error, ec pipeline.ErrorContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	where := fmt.Sprintf("pass %d", ec.Pass)
	if ec.SectionKey != "" {
		where += " section " + ec.SectionKey
	}
	errorColor.Fprintf(c.w, "  ✗ %s: %v\n", where, err)
}

func (c *consoleListener) OnJobComplete(score int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doneColor.Fprintf(c.w, "Completed, audit score %d/100\n", score)
}

// printJob writes a one-line summary of job.
func printJob(w io.Writer, job *jobs.Job) {
	p := progress.Project(job)
	statusColor := passColor
	switch job.Status {
	case jobs.StatusCompleted:
		statusColor = doneColor
	case jobs.StatusFailed, jobs.StatusCancelled:
		statusColor = errorColor
	case jobs.StatusPaused:
		statusColor = dimColor
	}
	fmt.Fprintf(w, "%s  ", job.ID)
	statusColor.Fprintf(w, "%-11s", job.Status)
	fmt.Fprintf(w, " %3d%%  %s", p.Percent, p.Stage)
	if job.FinalAuditScore != nil {
		fmt.Fprintf(w, "  score %d", *job.FinalAuditScore)
	}
	fmt.Fprintln(w)
	if job.LastError != "" {
		errorColor.Fprintf(w, "  last error: %s\n", job.LastError)
	}
}
