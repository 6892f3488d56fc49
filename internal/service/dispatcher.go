package service

import (
	"context"
	"errors"
	"sync"

	"github.com/MimeLyc/contentpipe/internal/pipeline"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// RunFunc runs one job to completion or until ctx is done.
type RunFunc func(ctx context.Context, jobID string) error

type runState int

const (
	stateQueued runState = iota
	stateRunning
)

type entry struct {
	state  runState
	cancel context.CancelFunc
}

// Dispatcher runs queued jobs on a fixed set of workers. A job id is queued
// at most once: from Enqueue until its run returns, further Enqueue calls
// for it are no-ops.
type Dispatcher struct {
	workerCount int

	mu         sync.Mutex
	entries    map[string]*entry
	started    bool
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
}

func NewDispatcher(workerCount int) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Dispatcher{
		workerCount: workerCount,
		entries:     make(map[string]*entry),
		pendingIDs:  make(chan string, 1024),
		stopCh:      make(chan struct{}),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// Enqueue schedules jobID. It reports false when the job is already queued
// or running.
func (d *Dispatcher) Enqueue(jobID string) bool {
	d.mu.Lock()
	if _, ok := d.entries[jobID]; ok {
		d.mu.Unlock()
		return false
	}
	d.entries[jobID] = &entry{state: stateQueued}
	started := d.started
	d.mu.Unlock()

	log.Debug("Enqueued job %s", jobID)
	if started {
		d.enqueuePendingID(jobID)
	}
	return true
}

// Cancel stops jobID: a queued run is dropped, a running one has its context
// cancelled. It reports whether there was anything to stop.
func (d *Dispatcher) Cancel(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[jobID]
	if !ok {
		return false
	}
	if e.state == stateRunning {
		e.cancel()
		return true
	}
	delete(d.entries, jobID)
	return true
}

// IsActive reports whether jobID is queued or running here.
func (d *Dispatcher) IsActive(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[jobID]
	return ok
}

// Start launches the workers. Jobs enqueued before Start are dispatched now.
func (d *Dispatcher) Start(run RunFunc) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	pending := make([]string, 0, len(d.entries))
	for id, e := range d.entries {
		if e.state == stateQueued {
			pending = append(pending, id)
		}
	}
	d.mu.Unlock()

	for _, id := range pending {
		d.enqueuePendingID(id)
	}
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(run)
	}
}

// Stop interrupts running jobs and waits for the workers to exit. Interrupted
// jobs are left in progress for recovery on the next start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.baseCancel(pipeline.ErrInterrupted)
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker(run RunFunc) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case id := <-d.pendingIDs:
			ctx, ok := d.markRunning(id)
			if !ok {
				continue
			}
			err := run(ctx, id)
			d.release(id)
			switch {
			case err == nil:
			case errors.Is(err, pipeline.ErrStopped):
				log.Info("Job %s stopped", id)
			case errors.Is(err, pipeline.ErrAlreadyRunning):
				log.Debug("Job %s is already running elsewhere", id)
			default:
				log.Error("Job %s run failed: %v", id, err)
			}
		}
	}
}

func (d *Dispatcher) enqueuePendingID(id string) {
	select {
	case d.pendingIDs <- id:
	default:
		go func() {
			select {
			case d.pendingIDs <- id:
			case <-d.stopCh:
			}
		}()
	}
}

func (d *Dispatcher) markRunning(id string) (context.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok || e.state != stateQueued {
		// cancelled while queued, or a stale duplicate id
		return nil, false
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	e.state = stateRunning
	e.cancel = cancel
	return ctx, true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[id]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(d.entries, id)
	}
}
