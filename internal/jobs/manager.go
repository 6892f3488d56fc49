package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/retry"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// ConflictError is returned by CreateJob when the brief already has an
// active job. Existing is that job, unchanged.
type ConflictError struct {
	Existing *Job
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("brief %s already has active job %s (%s)", e.Existing.BriefID, e.Existing.ID, e.Existing.Status)
}

func (e *ConflictError) Unwrap() error {
	return apperr.Newf(apperr.ErrConflict, "active job exists").WithContext("job", e.Existing.ID)
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusPaused, StatusCancelled},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Manager owns the job lifecycle on top of a Store.
type Manager struct {
	store       Store
	retry       retry.Policy
	casAttempts int
	now         func() time.Time
	newID       func() string
}

type ManagerOption func(*Manager)

// WithPersistenceRetry sets how store calls are retried.
func WithPersistenceRetry(attempts int, backoff time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retry.Attempts = attempts
		m.retry.Backoff = backoff
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		retry: retry.Policy{
			Attempts: 3,
			Backoff:  50 * time.Millisecond,
			Retryable: func(err error) bool {
				return apperr.IsType(err, apperr.ErrPersistence)
			},
		},
		casAttempts: 5,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, m.retry, fn)
}

// CreateJob creates a pending job at pass 1 for briefID. If the brief has an
// active job a *ConflictError carrying it is returned instead.
func (m *Manager) CreateJob(ctx context.Context, briefID string, owner Owner) (*Job, error) {
	active, err := m.GetActiveJob(ctx, briefID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, &ConflictError{Existing: active}
	}

	now := m.now()
	job := &Job{
		ID:          m.newID(),
		BriefID:     briefID,
		MapID:       owner.MapID,
		OwnerID:     owner.OwnerID,
		Status:      StatusPending,
		CurrentPass: 1,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = m.do(ctx, func(ctx context.Context) error {
		return m.store.CreateJob(ctx, job)
	})
	if apperr.IsType(err, apperr.ErrConflict) {
		// lost a race with another creator
		if active, gerr := m.GetActiveJob(ctx, briefID); gerr == nil && active != nil {
			return nil, &ConflictError{Existing: active}
		}
	}
	if err != nil {
		return nil, err
	}
	log.Info("Created job %s for brief %s", job.ID, briefID)
	return job.Clone(), nil
}

// EnsureJob returns the brief's active job, or creates one. created reports
// which happened.
func (m *Manager) EnsureJob(ctx context.Context, briefID string, owner Owner) (job *Job, created bool, err error) {
	job, err = m.CreateJob(ctx, briefID, owner)
	if err == nil {
		return job, true, nil
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Existing, false, nil
	}
	return nil, false, err
}

// GetActiveJob returns the brief's non-terminal job, or nil when none exists.
func (m *Manager) GetActiveJob(ctx context.Context, briefID string) (*Job, error) {
	return m.first(ctx, JobFilter{BriefID: briefID, Statuses: ActiveStatuses, Limit: 1})
}

// GetLatestJob returns the brief's most recent job in any status, or nil.
func (m *Manager) GetLatestJob(ctx context.Context, briefID string) (*Job, error) {
	return m.first(ctx, JobFilter{BriefID: briefID, Limit: 1})
}

func (m *Manager) first(ctx context.Context, filter JobFilter) (*Job, error) {
	list, err := m.ListJobs(ctx, filter)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (m *Manager) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var list []*Job
	err := m.do(ctx, func(ctx context.Context) error {
		var err error
		list, err = m.store.ListJobs(ctx, filter)
		return err
	})
	return list, err
}

func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job *Job
	err := m.do(ctx, func(ctx context.Context) error {
		var err error
		job, err = m.store.GetJob(ctx, jobID)
		return err
	})
	return job, err
}

func (m *Manager) GetSections(ctx context.Context, jobID string) ([]*Section, error) {
	var sections []*Section
	err := m.do(ctx, func(ctx context.Context) error {
		var err error
		sections, err = m.store.ListSections(ctx, jobID)
		return err
	})
	return sections, err
}

// UpdateJob applies patch to the stored job through a compare-and-swap on
// its version. A concurrent writer causes a re-read and another try.
func (m *Manager) UpdateJob(ctx context.Context, jobID string, patch JobPatch) (*Job, error) {
	for attempt := 1; attempt <= m.casAttempts; attempt++ {
		cur, err := m.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if err := checkGuards(cur, patch); err != nil {
			return nil, err
		}
		if patch.Status != nil && !CanTransition(cur.Status, *patch.Status) {
			return nil, apperr.Validation("job %s cannot move from %s to %s", jobID, cur.Status, *patch.Status)
		}

		next := cur.Clone()
		patch.Apply(next)
		next.UpdatedAt = m.now()
		err = m.do(ctx, func(ctx context.Context) error {
			return m.store.UpdateJob(ctx, next, cur.Version)
		})
		if err == nil {
			return next, nil
		}
		if !IsVersionConflict(err) {
			return nil, err
		}
		log.Debug("Job %s version conflict, retrying update (attempt %d)", jobID, attempt)
	}
	return nil, apperr.Newf(apperr.ErrConflict, "job %s: gave up after %d concurrent updates", jobID, m.casAttempts)
}

// IsGuardConflict reports whether err is a rejected IfStatus/IfPass guard.
func IsGuardConflict(err error) bool {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Type != apperr.ErrConflict {
		return false
	}
	_, ok := appErr.Context["guard"]
	return ok
}

func checkGuards(cur *Job, patch JobPatch) error {
	if len(patch.IfStatus) > 0 && !slices.Contains(patch.IfStatus, cur.Status) {
		return apperr.Newf(apperr.ErrConflict, "job %s is %s", cur.ID, cur.Status).
			WithContext("guard", "status")
	}
	if patch.IfPass > 0 && cur.CurrentPass != patch.IfPass {
		return apperr.Newf(apperr.ErrConflict, "job %s is at pass %d, expected %d", cur.ID, cur.CurrentPass, patch.IfPass).
			WithContext("guard", "pass")
	}
	return nil
}

// PauseJob marks an active job paused. Pausing a paused job is a no-op.
func (m *Manager) PauseJob(ctx context.Context, jobID string) (*Job, error) {
	return m.stop(ctx, jobID, StatusPaused)
}

func (m *Manager) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	return m.stop(ctx, jobID, StatusCancelled)
}

func (m *Manager) stop(ctx context.Context, jobID string, to Status) (*Job, error) {
	cur, err := m.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() {
		return nil, apperr.Validation("job %s is already %s", jobID, cur.Status)
	}
	if cur.Status == to {
		return cur, nil
	}
	job, err := m.UpdateJob(ctx, jobID, JobPatch{Status: Ptr(to), IfStatus: ActiveStatuses})
	if IsGuardConflict(err) {
		// finished or stopped between the read and the write
		return nil, apperr.Validation("job %s is no longer active", jobID)
	}
	if err != nil {
		return nil, err
	}
	log.Info("Job %s %s", jobID, to)
	return job, nil
}

// DeleteJob removes a job and its sections.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	err := m.do(ctx, func(ctx context.Context) error {
		return m.store.DeleteJob(ctx, jobID)
	})
	if err != nil {
		return err
	}
	log.Info("Deleted job %s", jobID)
	return nil
}
