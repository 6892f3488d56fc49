package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/contentpipe/internal/pipeline"
)

func TestDispatcher_DedupesUntilRunReturns(t *testing.T) {
	d := NewDispatcher(2)
	release := make(chan struct{})
	var runs atomic.Int32
	d.Start(func(ctx context.Context, jobID string) error {
		runs.Add(1)
		<-release
		return nil
	})
	defer d.Stop()

	assert.True(t, d.Enqueue("job-1"))
	assert.False(t, d.Enqueue("job-1"))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, d.Enqueue("job-1"), "running job must not be queued again")
	assert.True(t, d.IsActive("job-1"))

	close(release)
	require.Eventually(t, func() bool { return !d.IsActive("job-1") }, time.Second, 5*time.Millisecond)
	assert.True(t, d.Enqueue("job-1"))
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_EnqueueBeforeStart(t *testing.T) {
	d := NewDispatcher(1)
	assert.True(t, d.Enqueue("job-1"))

	done := make(chan string, 1)
	d.Start(func(ctx context.Context, jobID string) error {
		done <- jobID
		return nil
	})
	defer d.Stop()

	select {
	case id := <-done:
		assert.Equal(t, "job-1", id)
	case <-time.After(time.Second):
		t.Fatal("queued job was not run")
	}
}

func TestDispatcher_CancelQueuedJobIsSkipped(t *testing.T) {
	d := NewDispatcher(1)
	assert.True(t, d.Enqueue("job-1"))
	assert.True(t, d.Cancel("job-1"))
	assert.False(t, d.Cancel("job-1"))
	assert.False(t, d.IsActive("job-1"))

	var mu sync.Mutex
	var ran []string
	d.Start(func(ctx context.Context, jobID string) error {
		mu.Lock()
		ran = append(ran, jobID)
		mu.Unlock()
		return nil
	})
	defer d.Stop()

	assert.True(t, d.Enqueue("job-2"))
	require.Eventually(t, func() bool { return !d.IsActive("job-2") }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"job-2"}, ran)
}

func TestDispatcher_CancelRunningJob(t *testing.T) {
	d := NewDispatcher(1)
	started := make(chan struct{})
	stopped := make(chan error, 1)
	d.Start(func(ctx context.Context, jobID string) error {
		close(started)
		<-ctx.Done()
		stopped <- context.Cause(ctx)
		return pipeline.ErrStopped
	})
	defer d.Stop()

	d.Enqueue("job-1")
	<-started
	assert.True(t, d.Cancel("job-1"))
	select {
	case cause := <-stopped:
		assert.ErrorIs(t, cause, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run was not cancelled")
	}
}

func TestDispatcher_StopInterruptsRuns(t *testing.T) {
	d := NewDispatcher(1)
	started := make(chan struct{})
	var cause error
	d.Start(func(ctx context.Context, jobID string) error {
		close(started)
		<-ctx.Done()
		cause = context.Cause(ctx)
		return errors.New("interrupted")
	})

	d.Enqueue("job-1")
	<-started
	d.Stop()
	d.Stop()
	assert.ErrorIs(t, cause, pipeline.ErrInterrupted)
}
