package notify

import (
	"context"

	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// ObservedStore publishes an event after every acknowledged write to the
// wrapped store. Publishing is best effort: a broker error is logged and the
// write still succeeds.
type ObservedStore struct {
	jobs.Store
	broker Broker
}

func NewObservedStore(store jobs.Store, broker Broker) *ObservedStore {
	return &ObservedStore{Store: store, broker: broker}
}

func (s *ObservedStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return err
	}
	s.publish(ctx, newEvent(EntityJob, OpInsert, job.ID, job))
	return nil
}

func (s *ObservedStore) UpdateJob(ctx context.Context, job *jobs.Job, expectedVersion int64) error {
	if err := s.Store.UpdateJob(ctx, job, expectedVersion); err != nil {
		return err
	}
	s.publish(ctx, newEvent(EntityJob, OpUpdate, job.ID, job))
	return nil
}

func (s *ObservedStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.Store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.publish(ctx, newEvent(EntityJob, OpDelete, jobID, nil))
	return nil
}

func (s *ObservedStore) UpsertSection(ctx context.Context, section *jobs.Section) error {
	id := section.ID
	if err := s.Store.UpsertSection(ctx, section); err != nil {
		return err
	}
	// the store keeps the first id written for a key
	op := OpInsert
	if section.ID != id {
		op = OpUpdate
	}
	s.publish(ctx, newEvent(EntitySection, op, section.JobID, section))
	return nil
}

func (s *ObservedStore) publish(ctx context.Context, ev Event) {
	if err := s.broker.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("Failed to publish %s %s for job %s: %v", ev.Entity, ev.Operation, ev.JobID, err)
	}
}
