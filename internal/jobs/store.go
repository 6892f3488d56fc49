package jobs

import "context"

// JobStore persists job metadata and lifecycle state.
//
// CreateJob must reject, with an apperr.ErrConflict, a job whose brief
// already has an active job. UpdateJob is a compare-and-swap: the write is
// applied only when the stored version equals expectedVersion, and the
// stored version is then incremented. DeleteJob removes the job's sections.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListJobs returns matching jobs, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	UpdateJob(ctx context.Context, job *Job, expectedVersion int64) error
	DeleteJob(ctx context.Context, jobID string) error
}

// SectionStore persists the sections generated for a job.
//
// UpsertSection is keyed by (job_id, section_key): writing an existing key
// replaces heading, order and content and keeps the original id and
// creation time.
type SectionStore interface {
	UpsertSection(ctx context.Context, section *Section) error
	// ListSections returns the job's sections ordered by section_order.
	ListSections(ctx context.Context, jobID string) ([]*Section, error)
}

type Store interface {
	JobStore
	SectionStore
}
