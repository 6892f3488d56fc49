package pipeline

import (
	"context"
	"strings"

	"github.com/MimeLyc/contentpipe/internal/draft"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// Assembler folds stored sections into a document.
type Assembler struct {
	manager *jobs.Manager
}

func NewAssembler(manager *jobs.Manager) *Assembler {
	return &Assembler{manager: manager}
}

// AssembleDraft renders the job's sections in outline order.
func (a *Assembler) AssembleDraft(ctx context.Context, jobID string) (string, error) {
	sections, err := a.manager.GetSections(ctx, jobID)
	if err != nil {
		return "", err
	}
	return draft.Render(sections), nil
}

// EnsureDraft returns job with draft_content filled in. A completed job whose
// draft_content was lost is repaired from its working content, or from its
// sections, and the result is persisted.
func (a *Assembler) EnsureDraft(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	if job.Status != jobs.StatusCompleted || strings.TrimSpace(job.DraftContent) != "" {
		return job, nil
	}

	content := job.WorkingContent
	if strings.TrimSpace(content) == "" {
		var err error
		if content, err = a.AssembleDraft(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(content) == "" {
		return job, nil
	}

	log.Warn("Job %s completed without draft content, repairing", job.ID)
	return a.manager.UpdateJob(ctx, job.ID, jobs.JobPatch{
		DraftContent: &content,
		IfStatus:     []jobs.Status{jobs.StatusCompleted},
	})
}
