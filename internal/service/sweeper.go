package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/contentpipe/pkg/icron"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// RecoverFunc re-enqueues interrupted jobs and returns how many it found.
type RecoverFunc func(ctx context.Context) (int, error)

// Sweeper runs a recovery pass on start and then on a cron schedule.
// Overlapping triggers share one pass.
type Sweeper struct {
	expr        string
	cron        *cron.Cron
	recoverJobs RecoverFunc
	group       singleflight.Group

	mu      sync.Mutex
	lastRun time.Time
}

// NewSweeper validates expr. An empty expr disables the schedule; Sweep can
// still be called directly.
func NewSweeper(expr string, fn RecoverFunc) (*Sweeper, error) {
	if expr != "" {
		if _, err := icron.Parse(expr); err != nil {
			return nil, err
		}
	}
	return &Sweeper{
		expr:        expr,
		cron:        cron.New(cron.WithParser(icron.Parser)),
		recoverJobs: fn,
	}, nil
}

// Start runs one sweep and schedules the rest.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		log.Error("Initial recovery sweep failed: %v", err)
	}
	if s.expr == "" {
		return nil
	}
	_, err := s.cron.AddFunc(s.expr, func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Error("Recovery sweep failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Info("Recovery sweeper scheduled with %q", s.expr)
	return nil
}

// Stop stops the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	v, err, _ := s.group.Do("sweep", func() (any, error) {
		n, err := s.recoverJobs(ctx)
		s.mu.Lock()
		s.lastRun = time.Now()
		s.mu.Unlock()
		if n > 0 {
			log.Info("Recovery sweep re-enqueued %d job(s)", n)
		}
		return n, err
	})
	n, _ := v.(int)
	return n, err
}

// Status reports the schedule, or nil when it is disabled.
func (s *Sweeper) Status(now time.Time) (*icron.TriggerInfo, error) {
	if s.expr == "" {
		return nil, nil
	}
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	return icron.GetTriggerInfo(s.expr, now, last)
}
