package jobs

import (
	"slices"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses are the non-terminal statuses. At most one job per brief
// may hold one of them.
var ActiveStatuses = []Status{StatusPending, StatusInProgress, StatusPaused}

func (s Status) IsActive() bool {
	return slices.Contains(ActiveStatuses, s)
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TotalPasses is the number of ordered passes a job goes through.
const TotalPasses = 8

var passNames = [TotalPasses]string{
	"Draft",
	"Headers",
	"Lists & Tables",
	"Visual Semantics",
	"Micro Semantics",
	"Discourse Integration",
	"Introduction Synthesis",
	"Audit",
}

// PassName returns the stage name of pass n (1-based).
func PassName(n int) string {
	if n < 1 || n > TotalPasses {
		return "Unknown"
	}
	return passNames[n-1]
}

// Owner identifies who requested a job.
type Owner struct {
	OwnerID string
	MapID   string
}

type Job struct {
	ID              string    `json:"id" validate:"required"`
	BriefID         string    `json:"brief_id" validate:"required"`
	MapID           string    `json:"map_id"`
	OwnerID         string    `json:"owner_id"`
	Status          Status    `json:"status" validate:"required,oneof=pending in_progress paused completed failed cancelled"`
	CurrentPass     int       `json:"current_pass" validate:"min=1,max=8"`
	WorkingContent  string    `json:"working_content,omitempty"`
	DraftContent    string    `json:"draft_content,omitempty"`
	FinalAuditScore *int      `json:"final_audit_score,omitempty" validate:"omitempty,min=0,max=100"`
	AuditReport     string    `json:"audit_report,omitempty" validate:"omitempty,json"`
	LastError       string    `json:"last_error,omitempty"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	tmp := *j
	if j.FinalAuditScore != nil {
		score := *j.FinalAuditScore
		tmp.FinalAuditScore = &score
	}
	return &tmp
}

type Section struct {
	ID           string    `json:"id" validate:"required"`
	JobID        string    `json:"job_id" validate:"required"`
	SectionKey   string    `json:"section_key" validate:"required"`
	SectionOrder int       `json:"section_order" validate:"min=0"`
	Heading      string    `json:"heading"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Section) Clone() *Section {
	if s == nil {
		return nil
	}
	tmp := *s
	return &tmp
}

// JobPatch is a partial update. Nil fields are left untouched.
//
// IfStatus and IfPass are guards evaluated against the stored row: when set
// and not satisfied, the update is rejected with a conflict.
type JobPatch struct {
	Status          *Status
	CurrentPass     *int
	WorkingContent  *string
	DraftContent    *string
	FinalAuditScore *int
	AuditReport     *string
	LastError       *string

	IfStatus []Status
	IfPass   int
}

// Apply copies the set fields of p onto j.
func (p JobPatch) Apply(j *Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.CurrentPass != nil {
		j.CurrentPass = *p.CurrentPass
	}
	if p.WorkingContent != nil {
		j.WorkingContent = *p.WorkingContent
	}
	if p.DraftContent != nil {
		j.DraftContent = *p.DraftContent
	}
	if p.FinalAuditScore != nil {
		score := *p.FinalAuditScore
		j.FinalAuditScore = &score
	}
	if p.AuditReport != nil {
		j.AuditReport = *p.AuditReport
	}
	if p.LastError != nil {
		j.LastError = *p.LastError
	}
}

// JobFilter selects jobs for listing. Zero fields match everything.
type JobFilter struct {
	BriefID  string
	Statuses []Status
	Limit    int
}

func (f JobFilter) Matches(j *Job) bool {
	if f.BriefID != "" && j.BriefID != f.BriefID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	return true
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
