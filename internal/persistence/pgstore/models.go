package pgstore

import (
	"time"

	"github.com/MimeLyc/contentpipe/internal/jobs"
)

// Column names used in queries
const (
	idColumn          = "id"
	briefIDColumn     = "brief_id"
	statusColumn      = "status"
	versionColumn     = "version"
	jobIDColumn       = "job_id"
	sectionKeyColumn  = "section_key"
	createdAtColumn   = "created_at"
	sectionOrderField = "section_order"
)

type jobRow struct {
	ID              string    `gorm:"primaryKey;size:64"`
	BriefID         string    `gorm:"size:128;not null;index:idx_jobs_brief_created,priority:1"`
	MapID           string    `gorm:"size:128"`
	OwnerID         string    `gorm:"size:128"`
	Status          string    `gorm:"size:32;not null;index"`
	CurrentPass     int       `gorm:"not null"`
	WorkingContent  string    `gorm:"type:text"`
	DraftContent    string    `gorm:"type:text"`
	FinalAuditScore *int      `gorm:"check:final_audit_score IS NULL OR final_audit_score BETWEEN 0 AND 100"`
	AuditReport     string    `gorm:"type:text"`
	LastError       string    `gorm:"type:text"`
	Version         int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;index:idx_jobs_brief_created,priority:2"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (jobRow) TableName() string { return "jobs" }

type sectionRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	JobID        string    `gorm:"size:64;not null;uniqueIndex:idx_sections_job_key,priority:1"`
	SectionKey   string    `gorm:"size:128;not null;uniqueIndex:idx_sections_job_key,priority:2"`
	SectionOrder int       `gorm:"not null"`
	Heading      string    `gorm:"type:text"`
	Content      string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`

	// sections go away with their job, however the job is deleted
	Job *jobRow `gorm:"foreignKey:JobID;references:ID;constraint:OnDelete:CASCADE"`
}

func (sectionRow) TableName() string { return "job_sections" }

func toJobRow(j *jobs.Job) *jobRow {
	row := &jobRow{
		ID:             j.ID,
		BriefID:        j.BriefID,
		MapID:          j.MapID,
		OwnerID:        j.OwnerID,
		Status:         string(j.Status),
		CurrentPass:    j.CurrentPass,
		WorkingContent: j.WorkingContent,
		DraftContent:   j.DraftContent,
		AuditReport:    j.AuditReport,
		LastError:      j.LastError,
		Version:        j.Version,
		CreatedAt:      j.CreatedAt.UTC(),
		UpdatedAt:      j.UpdatedAt.UTC(),
	}
	if j.FinalAuditScore != nil {
		row.FinalAuditScore = jobs.Ptr(*j.FinalAuditScore)
	}
	return row
}

func (r *jobRow) toJob() *jobs.Job {
	job := &jobs.Job{
		ID:             r.ID,
		BriefID:        r.BriefID,
		MapID:          r.MapID,
		OwnerID:        r.OwnerID,
		Status:         jobs.Status(r.Status),
		CurrentPass:    r.CurrentPass,
		WorkingContent: r.WorkingContent,
		DraftContent:   r.DraftContent,
		AuditReport:    r.AuditReport,
		LastError:      r.LastError,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.FinalAuditScore != nil {
		job.FinalAuditScore = jobs.Ptr(*r.FinalAuditScore)
	}
	return job
}

func toSectionRow(s *jobs.Section) *sectionRow {
	return &sectionRow{
		ID:           s.ID,
		JobID:        s.JobID,
		SectionKey:   s.SectionKey,
		SectionOrder: s.SectionOrder,
		Heading:      s.Heading,
		Content:      s.Content,
		CreatedAt:    s.CreatedAt.UTC(),
		UpdatedAt:    s.UpdatedAt.UTC(),
	}
}

func (r *sectionRow) toSection() *jobs.Section {
	return &jobs.Section{
		ID:           r.ID,
		JobID:        r.JobID,
		SectionKey:   r.SectionKey,
		SectionOrder: r.SectionOrder,
		Heading:      r.Heading,
		Content:      r.Content,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
