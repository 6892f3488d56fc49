// Package pipeline drives a job through its passes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/generation"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/internal/passes"
	"github.com/MimeLyc/contentpipe/internal/retry"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

var (
	// ErrStopped is returned by Run when the job was paused or cancelled.
	// It is not a failure: the job can be resumed from where it stopped.
	ErrStopped = errors.New("pipeline stopped")
	// ErrAlreadyRunning is returned when another Run holds the job.
	ErrAlreadyRunning = errors.New("job is already running")
	// ErrInterrupted is the cancellation cause used on shutdown. A run
	// cancelled with it leaves the job in_progress so it is picked up again
	// after a restart.
	ErrInterrupted = errors.New("pipeline interrupted")
)

// Runner executes passes current_pass..8 of a job.
type Runner struct {
	manager   *jobs.Manager
	generator generation.Generator
	executors []passes.Executor
	locker    *Locker
	passRetry retry.Policy
}

type Option func(*Runner)

// WithExecutors replaces the pass executors. They must cover passes 1..8.
func WithExecutors(executors []passes.Executor) Option {
	return func(r *Runner) {
		r.executors = executors
	}
}

// WithPassRetry sets how passes 2-8 are retried on transient errors.
// timeout bounds each attempt; zero leaves attempts unbounded.
func WithPassRetry(attempts int, timeout, backoff time.Duration) Option {
	return func(r *Runner) {
		r.passRetry.Attempts = attempts
		r.passRetry.Timeout = timeout
		r.passRetry.Backoff = backoff
	}
}

// WithLocker shares a lock table between runners.
func WithLocker(l *Locker) Option {
	return func(r *Runner) {
		r.locker = l
	}
}

func NewRunner(manager *jobs.Manager, generator generation.Generator, opts ...Option) (*Runner, error) {
	r := &Runner{
		manager:   manager,
		generator: generator,
		executors: passes.Default(passes.DraftOptions{}),
		locker:    NewLocker(),
		passRetry: retry.Policy{Attempts: 3, Timeout: 5 * time.Minute, Backoff: time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := passes.Validate(r.executors); err != nil {
		return nil, err
	}
	return r, nil
}

// Locker returns the runner's lock table.
func (r *Runner) Locker() *Locker {
	return r.locker
}

// Run executes the remaining passes of job. It returns nil when the job
// completed, ErrStopped when it was paused or cancelled, ErrAlreadyRunning
// when another run holds it, and the pass error when the job failed.
func (r *Runner) Run(ctx context.Context, job *jobs.Job, b *brief.Brief, biz brief.BusinessContext, listeners ...Listener) error {
	unlock, ok := r.locker.TryLock(job.ID)
	if !ok {
		return ErrAlreadyRunning
	}
	defer unlock()

	l := Multi(listeners...)

	cur, err := r.manager.GetJob(ctx, job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ErrStopped
		}
		return err
	}
	if cur.Status.IsTerminal() {
		return apperr.Validation("job %s is %s and cannot be run", cur.ID, cur.Status)
	}
	if ctx.Err() != nil {
		return ErrStopped
	}

	cur, err = r.manager.UpdateJob(ctx, cur.ID, jobs.JobPatch{
		Status:    jobs.Ptr(jobs.StatusInProgress),
		LastError: jobs.Ptr(""),
		IfStatus:  jobs.ActiveStatuses,
	})
	if jobs.IsGuardConflict(err) {
		return ErrStopped
	}
	if err != nil {
		if ctx.Err() != nil {
			return ErrStopped
		}
		return err
	}
	log.Info("Job %s running from pass %d (%s)", cur.ID, cur.CurrentPass, jobs.PassName(cur.CurrentPass))

	for pass := cur.CurrentPass; pass <= jobs.TotalPasses; pass++ {
		if stopped, err := r.checkpoint(ctx, cur); stopped || err != nil {
			return r.stopResult(err)
		}

		exec := r.executors[pass-1]
		l.OnPassStart(pass, exec.Name())
		log.Info("Job %s pass %d/%d %s started", cur.ID, pass, jobs.TotalPasses, exec.Name())
		start := time.Now()

		out, err := r.execute(ctx, exec, r.input(cur, b, biz, pass, l))
		if err != nil {
			passStopped := errors.Is(err, passes.ErrStopped)
			if ctx.Err() != nil || passStopped {
				stopped, serr := r.checkpoint(ctx, cur)
				if stopped || serr != nil {
					return r.stopResult(serr)
				}
			}
			if passStopped {
				return ErrStopped
			}
			return r.fail(cur, pass, err, l)
		}

		next, err := r.persist(ctx, cur, pass, out)
		if jobs.IsGuardConflict(err) {
			log.Info("Job %s changed outside the run after pass %d, stopping", cur.ID, pass)
			return ErrStopped
		}
		if err != nil {
			return r.fail(cur, pass, err, l)
		}
		cur = next
		log.Info("Job %s pass %d %s completed in %s", cur.ID, pass, exec.Name(), time.Since(start).Round(time.Millisecond))
		l.OnPassComplete(pass)
	}

	score := 0
	if cur.FinalAuditScore != nil {
		score = *cur.FinalAuditScore
	}
	log.Info("Job %s completed with audit score %d", cur.ID, score)
	l.OnJobComplete(score)
	return nil
}

func (r *Runner) input(job *jobs.Job, b *brief.Brief, biz brief.BusinessContext, pass int, l Listener) *passes.Input {
	return &passes.Input{
		Job:       job,
		Brief:     b,
		Business:  biz,
		Document:  job.WorkingContent,
		Sections:  r.manager.Store(),
		Generator: r.generator,
		Hooks: passes.Hooks{
			OnSectionStart: func(key, heading string, index, total int) {
				log.Debug("Job %s section %d/%d %s started", job.ID, index, total, key)
				l.OnSectionStart(key, heading)
			},
			OnSectionComplete: l.OnSectionComplete,
			OnSectionError: func(key string, err error) {
				l.OnError(err, ErrorContext{JobID: job.ID, Pass: pass, SectionKey: key})
			},
		},
		Stopped: func(ctx context.Context) bool {
			return r.stoppedOutside(ctx, job.ID)
		},
	}
}

// stoppedOutside reports whether the stored job left in_progress, for
// instance through PauseJob or CancelJob in another process. Read errors
// other than a deleted job do not stop the run.
func (r *Runner) stoppedOutside(ctx context.Context, jobID string) bool {
	stored, err := r.manager.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return apperr.IsType(err, apperr.ErrNotFound)
	}
	return stored.Status != jobs.StatusInProgress
}

// execute runs one pass. The draft pass retries per section on its own;
// later passes are retried here as a whole.
func (r *Runner) execute(ctx context.Context, exec passes.Executor, in *passes.Input) (*passes.Output, error) {
	if exec.Number() == 1 {
		return exec.Execute(ctx, in)
	}

	policy := r.passRetry
	policy.OnRetry = func(attempt int, err error) {
		log.Warn("Job %s pass %d: retrying (attempt %d/%d): %v", in.Job.ID, exec.Number(), attempt, policy.Attempts, err)
	}
	var out *passes.Output
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		out, err = exec.Execute(ctx, in)
		return err
	})
	return out, err
}

// persist records a finished pass. The write goes through even if ctx was
// cancelled meanwhile, so finished work is not thrown away.
func (r *Runner) persist(ctx context.Context, cur *jobs.Job, pass int, out *passes.Output) (*jobs.Job, error) {
	ctx = context.WithoutCancel(ctx)
	content := out.Content

	if pass < jobs.TotalPasses {
		return r.manager.UpdateJob(ctx, cur.ID, jobs.JobPatch{
			CurrentPass:    jobs.Ptr(pass + 1),
			WorkingContent: &content,
			IfStatus:       []jobs.Status{jobs.StatusInProgress, jobs.StatusPaused},
			IfPass:         pass,
		})
	}

	if out.Score == nil {
		return nil, apperr.New(apperr.ErrFatal, "audit produced no score")
	}
	return r.manager.UpdateJob(ctx, cur.ID, jobs.JobPatch{
		Status:          jobs.Ptr(jobs.StatusCompleted),
		WorkingContent:  &content,
		DraftContent:    &content,
		FinalAuditScore: out.Score,
		AuditReport:     &out.Report,
		IfStatus:        []jobs.Status{jobs.StatusInProgress},
		IfPass:          pass,
	})
}

// checkpoint reports whether the run must stop before doing more work. A
// pause or cancel stored by someone else is left as is; a cancelled ctx
// with no stored stop is recorded as paused.
func (r *Runner) checkpoint(ctx context.Context, cur *jobs.Job) (bool, error) {
	stored, err := r.manager.GetJob(context.WithoutCancel(ctx), cur.ID)
	if err != nil {
		return false, err
	}
	switch stored.Status {
	case jobs.StatusPaused, jobs.StatusCancelled:
		log.Info("Job %s is %s, stopping at pass %d", cur.ID, stored.Status, stored.CurrentPass)
		return true, nil
	case jobs.StatusCompleted, jobs.StatusFailed:
		return true, nil
	}
	if ctx.Err() == nil {
		return false, nil
	}
	if errors.Is(context.Cause(ctx), ErrInterrupted) {
		log.Info("Job %s interrupted at pass %d, left for recovery", cur.ID, stored.CurrentPass)
		return true, nil
	}

	_, err = r.manager.UpdateJob(context.WithoutCancel(ctx), cur.ID, jobs.JobPatch{
		Status:   jobs.Ptr(jobs.StatusPaused),
		IfStatus: []jobs.Status{jobs.StatusPending, jobs.StatusInProgress},
	})
	if err != nil && !jobs.IsGuardConflict(err) {
		return true, err
	}
	log.Info("Job %s paused at pass %d", cur.ID, stored.CurrentPass)
	return true, nil
}

func (r *Runner) stopResult(err error) error {
	if err != nil {
		return err
	}
	return ErrStopped
}

func (r *Runner) fail(cur *jobs.Job, pass int, cause error, l Listener) error {
	msg := fmt.Sprintf("pass %d (%s): %v", pass, jobs.PassName(pass), cause)
	log.Error("Job %s failed: %s", cur.ID, msg)
	l.OnError(cause, ErrorContext{JobID: cur.ID, Pass: pass})

	_, err := r.manager.UpdateJob(context.Background(), cur.ID, jobs.JobPatch{
		Status:    jobs.Ptr(jobs.StatusFailed),
		LastError: &msg,
		IfStatus:  []jobs.Status{jobs.StatusInProgress},
	})
	if jobs.IsGuardConflict(err) {
		return ErrStopped
	}
	if err != nil {
		log.Error("Job %s: could not record failure: %v", cur.ID, err)
	}
	return fmt.Errorf("job %s %s: %w", cur.ID, msg, cause)
}
