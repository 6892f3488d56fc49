package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MimeLyc/contentpipe/internal/apperr"
)

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	sections map[string]map[string]*Section
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		sections: make(map[string]map[string]*Section),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	if err := ValidateJob(job); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return apperr.Newf(apperr.ErrConflict, "job %s already exists", job.ID)
	}
	if job.Status.IsActive() {
		for _, other := range m.jobs {
			if other.BriefID == job.BriefID && other.Status.IsActive() {
				return apperr.Newf(apperr.ErrConflict, "brief %s already has active job %s", job.BriefID, other.ID).
					WithContext("existing_job", other.ID)
			}
		}
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	return job.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*Job, error) {
	m.mu.RLock()
	ret := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Matches(job) {
			ret = append(ret, job.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.After(ret[j].CreatedAt)
		}
		return ret[i].ID > ret[j].ID
	})
	if filter.Limit > 0 && len(ret) > filter.Limit {
		ret = ret[:filter.Limit]
	}
	return ret, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *Job, expectedVersion int64) error {
	if err := ValidateJob(job); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok {
		return apperr.NotFound("job %s not found", job.ID)
	}
	if stored.Version != expectedVersion {
		return VersionConflict(job.ID, expectedVersion, stored.Version)
	}
	next := job.Clone()
	next.Version = expectedVersion + 1
	next.CreatedAt = stored.CreatedAt
	m.jobs[job.ID] = next
	job.Version = next.Version
	return nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return apperr.NotFound("job %s not found", jobID)
	}
	delete(m.jobs, jobID)
	delete(m.sections, jobID)
	return nil
}

func (m *MemoryStore) UpsertSection(_ context.Context, section *Section) error {
	if err := ValidateSection(section); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[section.JobID]; !ok {
		return apperr.NotFound("job %s not found", section.JobID)
	}
	byKey, ok := m.sections[section.JobID]
	if !ok {
		byKey = make(map[string]*Section)
		m.sections[section.JobID] = byKey
	}
	next := section.Clone()
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = m.now()
	}
	if existing, ok := byKey[section.SectionKey]; ok {
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
	} else if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}
	byKey[section.SectionKey] = next
	section.ID = next.ID
	section.CreatedAt = next.CreatedAt
	return nil
}

func (m *MemoryStore) ListSections(_ context.Context, jobID string) ([]*Section, error) {
	m.mu.RLock()
	byKey := m.sections[jobID]
	ret := make([]*Section, 0, len(byKey))
	for _, s := range byKey {
		ret = append(ret, s.Clone())
	}
	m.mu.RUnlock()

	SortSections(ret)
	return ret, nil
}

// SortSections orders sections by section_order, ties broken by key.
func SortSections(sections []*Section) {
	sort.SliceStable(sections, func(i, j int) bool {
		if sections[i].SectionOrder != sections[j].SectionOrder {
			return sections[i].SectionOrder < sections[j].SectionOrder
		}
		return sections[i].SectionKey < sections[j].SectionKey
	})
}

// VersionConflict is the error a store returns when a compare-and-swap finds
// a different version.
func VersionConflict(jobID string, expected, actual int64) error {
	return apperr.Newf(apperr.ErrConflict, "job %s was modified concurrently", jobID).
		WithContext("expected_version", expected).
		WithContext("actual_version", actual)
}

// IsVersionConflict reports whether err came from a failed compare-and-swap.
func IsVersionConflict(err error) bool {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Type != apperr.ErrConflict {
		return false
	}
	_, ok := appErr.Context["expected_version"]
	return ok
}
