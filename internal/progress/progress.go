// Package progress projects a job onto a user-facing progress value.
package progress

import "github.com/MimeLyc/contentpipe/internal/jobs"

// CompletedStage is the stage name of a completed job.
const CompletedStage = "Completed"

type Progress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage"`
	Pass    int    `json:"pass"`
	Total   int    `json:"total"`
}

// Project derives progress from the job's current pass and status. Only a
// completed job reaches 100 percent.
func Project(job *jobs.Job) Progress {
	p := Progress{Pass: job.CurrentPass, Total: jobs.TotalPasses}
	if job.Status == jobs.StatusCompleted {
		p.Percent = 100
		p.Stage = CompletedStage
		return p
	}

	pass := min(max(job.CurrentPass, 1), jobs.TotalPasses)
	p.Percent = min(99, (pass-1)*100/jobs.TotalPasses)
	p.Stage = jobs.PassName(pass)
	return p
}
