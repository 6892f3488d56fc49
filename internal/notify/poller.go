package notify

import (
	"context"
	"time"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// Poller is a Broker for deployments without a change feed: subscribers get
// events derived from periodically diffing the store. Publish is a no-op.
type Poller struct {
	store    jobs.Store
	interval time.Duration
}

func NewPoller(store jobs.Store, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{store: store, interval: interval}
}

func (p *Poller) Publish(context.Context, Event) error {
	return nil
}

func (p *Poller) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	sections, err := p.store.ListSections(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	state := &pollState{version: job.Version, sections: make(map[string]time.Time, len(sections))}
	for _, s := range sections {
		state.sections[s.SectionKey] = s.UpdatedAt
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Event, defaultBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				events, gone := p.diff(ctx, jobID, state)
				for _, ev := range events {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
				if gone {
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

type pollState struct {
	version  int64
	sections map[string]time.Time
}

// diff compares the store with the last seen state. gone reports that the
// job was deleted.
func (p *Poller) diff(ctx context.Context, jobID string, state *pollState) (events []Event, gone bool) {
	job, err := p.store.GetJob(ctx, jobID)
	if apperr.IsType(err, apperr.ErrNotFound) {
		return []Event{newEvent(EntityJob, OpDelete, jobID, nil)}, true
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("Polling job %s failed: %v", jobID, err)
		}
		return nil, false
	}

	sections, err := p.store.ListSections(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("Polling sections of job %s failed: %v", jobID, err)
		}
		return nil, false
	}
	for _, s := range sections {
		seen, ok := state.sections[s.SectionKey]
		switch {
		case !ok:
			events = append(events, newEvent(EntitySection, OpInsert, jobID, s))
		case s.UpdatedAt.After(seen):
			events = append(events, newEvent(EntitySection, OpUpdate, jobID, s))
		default:
			continue
		}
		state.sections[s.SectionKey] = s.UpdatedAt
	}

	if job.Version != state.version {
		state.version = job.Version
		events = append(events, newEvent(EntityJob, OpUpdate, jobID, job))
	}
	return events, false
}
