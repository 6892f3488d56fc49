// Package service is the entry point for callers: it ties the job manager,
// the pipeline runner and the dispatcher together.
package service

import (
	"context"
	"errors"
	"strings"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/internal/notify"
	"github.com/MimeLyc/contentpipe/internal/pipeline"
	"github.com/MimeLyc/contentpipe/internal/progress"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

type Service struct {
	manager    *jobs.Manager
	runner     *pipeline.Runner
	assembler  *pipeline.Assembler
	briefs     brief.Reader
	dispatcher *Dispatcher
	broker     notify.Broker
	listeners  []pipeline.Listener
}

type Option func(*Service)

// WithDispatcher sets the background worker pool. Without one, jobs only
// run through Run.
func WithDispatcher(d *Dispatcher) Option {
	return func(s *Service) {
		s.dispatcher = d
	}
}

// WithBroker sets where Subscribe reads change events from.
func WithBroker(b notify.Broker) Option {
	return func(s *Service) {
		s.broker = b
	}
}

// WithListeners adds listeners to every background run.
func WithListeners(listeners ...pipeline.Listener) Option {
	return func(s *Service) {
		s.listeners = append(s.listeners, listeners...)
	}
}

func New(manager *jobs.Manager, runner *pipeline.Runner, briefs brief.Reader, opts ...Option) *Service {
	s := &Service{
		manager:   manager,
		runner:    runner,
		assembler: pipeline.NewAssembler(manager),
		briefs:    briefs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background workers, if any.
func (s *Service) Start() {
	if s.dispatcher != nil {
		s.dispatcher.Start(s.runJob)
	}
}

// Stop interrupts background runs and waits for them.
func (s *Service) Stop() {
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
}

// CreateJob creates a pending job for an existing brief. A brief with an
// active job yields a *jobs.ConflictError.
func (s *Service) CreateJob(ctx context.Context, briefID string, owner jobs.Owner) (*jobs.Job, error) {
	b, err := s.briefs.Read(ctx, briefID)
	if err != nil {
		return nil, err
	}
	if owner.MapID == "" {
		owner.MapID = b.MapID
	}
	return s.manager.CreateJob(ctx, briefID, owner)
}

// Generate returns the brief's active job, creating one when there is none,
// and schedules it unless it is paused. created reports whether a job was
// created.
func (s *Service) Generate(ctx context.Context, briefID string, owner jobs.Owner) (job *jobs.Job, created bool, err error) {
	job, err = s.CreateJob(ctx, briefID, owner)
	var conflict *jobs.ConflictError
	switch {
	case err == nil:
		created = true
	case errors.As(err, &conflict):
		job = conflict.Existing
	default:
		return nil, false, err
	}
	if job.Status != jobs.StatusPaused {
		s.enqueue(job.ID)
	}
	return job, created, nil
}

// Resume schedules a paused job, or an in-progress job that nothing is
// running.
func (s *Service) Resume(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := s.manager.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsActive() {
		return nil, apperr.Validation("job %s is %s and cannot be resumed; delete it and generate again", jobID, job.Status)
	}
	s.enqueue(jobID)
	return job, nil
}

func (s *Service) GetActiveJob(ctx context.Context, briefID string) (*jobs.Job, error) {
	return s.manager.GetActiveJob(ctx, briefID)
}

func (s *Service) GetLatestJob(ctx context.Context, briefID string) (*jobs.Job, error) {
	return s.manager.GetLatestJob(ctx, briefID)
}

// GetJob returns the job, repairing a completed job's missing draft.
func (s *Service) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := s.manager.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.assembler.EnsureDraft(ctx, job)
}

func (s *Service) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.Job, error) {
	return s.manager.ListJobs(ctx, filter)
}

func (s *Service) GetSections(ctx context.Context, jobID string) ([]*jobs.Section, error) {
	if _, err := s.manager.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.manager.GetSections(ctx, jobID)
}

func (s *Service) UpdateJob(ctx context.Context, jobID string, patch jobs.JobPatch) (*jobs.Job, error) {
	return s.manager.UpdateJob(ctx, jobID, patch)
}

// PauseJob records the pause and stops a run in this process. A run in
// another process stops at its next checkpoint.
func (s *Service) PauseJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := s.manager.PauseJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.cancelRun(jobID)
	return job, nil
}

func (s *Service) CancelJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := s.manager.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.cancelRun(jobID)
	return job, nil
}

// DeleteJob stops any local run and removes the job with its sections.
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	s.cancelRun(jobID)
	return s.manager.DeleteJob(ctx, jobID)
}

// Run executes jobID in the foreground.
func (s *Service) Run(ctx context.Context, jobID string, listeners ...pipeline.Listener) error {
	job, err := s.manager.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	b, err := s.briefs.Read(ctx, job.BriefID)
	if err != nil {
		return err
	}
	return s.runner.Run(ctx, job, b, b.Business, listeners...)
}

func (s *Service) AssembleDraft(ctx context.Context, jobID string) (string, error) {
	return s.assembler.AssembleDraft(ctx, jobID)
}

// Draft returns the best document available for the job: the final draft
// when completed, else the working content, else the assembled sections.
func (s *Service) Draft(ctx context.Context, jobID string) (string, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status == jobs.StatusCompleted && strings.TrimSpace(job.DraftContent) != "" {
		return job.DraftContent, nil
	}
	if strings.TrimSpace(job.WorkingContent) != "" {
		return job.WorkingContent, nil
	}
	return s.assembler.AssembleDraft(ctx, jobID)
}

func (s *Service) Progress(job *jobs.Job) progress.Progress {
	return progress.Project(job)
}

// Subscribe streams change events for jobID.
func (s *Service) Subscribe(ctx context.Context, jobID string) (<-chan notify.Event, func(), error) {
	if s.broker == nil {
		return nil, nil, apperr.New(apperr.ErrValidation, "change notifications are not configured")
	}
	if _, err := s.manager.GetJob(ctx, jobID); err != nil {
		return nil, nil, err
	}
	return s.broker.Subscribe(ctx, jobID)
}

// Recover enqueues pending and in-progress jobs that nothing here is
// running, such as runs cut off by a restart.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if s.dispatcher == nil {
		return 0, nil
	}
	list, err := s.manager.ListJobs(ctx, jobs.JobFilter{
		Statuses: []jobs.Status{jobs.StatusPending, jobs.StatusInProgress},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range list {
		if s.dispatcher.IsActive(job.ID) || s.runner.Locker().Held(job.ID) {
			continue
		}
		if s.dispatcher.Enqueue(job.ID) {
			log.Info("Recovering job %s at pass %d", job.ID, job.CurrentPass)
			n++
		}
	}
	return n, nil
}

func (s *Service) enqueue(jobID string) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Enqueue(jobID)
}

func (s *Service) cancelRun(jobID string) {
	if s.dispatcher != nil {
		s.dispatcher.Cancel(jobID)
	}
}

// runJob is the dispatcher's RunFunc.
func (s *Service) runJob(ctx context.Context, jobID string) error {
	job, err := s.manager.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	b, err := s.briefs.Read(ctx, job.BriefID)
	if err != nil {
		if apperr.IsType(err, apperr.ErrNotFound) || apperr.IsType(err, apperr.ErrValidation) {
			return s.failUnstarted(ctx, job, err)
		}
		return err
	}
	return s.runner.Run(ctx, job, b, b.Business, s.listeners...)
}

// failUnstarted marks a job failed whose brief cannot be loaded, so the
// sweeper does not pick it up forever.
func (s *Service) failUnstarted(ctx context.Context, job *jobs.Job, cause error) error {
	msg := "brief unavailable: " + cause.Error()
	if job.Status == jobs.StatusPending {
		if _, err := s.manager.UpdateJob(ctx, job.ID, jobs.JobPatch{
			Status:   jobs.Ptr(jobs.StatusInProgress),
			IfStatus: []jobs.Status{jobs.StatusPending},
		}); err != nil {
			return err
		}
	}
	_, err := s.manager.UpdateJob(ctx, job.ID, jobs.JobPatch{
		Status:    jobs.Ptr(jobs.StatusFailed),
		LastError: &msg,
		IfStatus:  []jobs.Status{jobs.StatusInProgress},
	})
	if err != nil {
		return err
	}
	return cause
}
