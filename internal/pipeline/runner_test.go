package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/internal/passes"
)

const docMarker = "\n\n---\n\n"

func testBrief() *brief.Brief {
	return &brief.Brief{
		ID:       "brief-1",
		Title:    "Heat pumps",
		Language: "en",
		Outline: []brief.OutlineSection{
			{Key: "intro", Heading: "Intro", Order: 0},
			{Key: "body", Heading: "Body", Order: 1},
			{Key: "conclusion", Heading: "Conclusion", Order: 2},
		},
	}
}

// fakeModel writes "<heading> text" for sections and returns the document
// unchanged for rewrites. fail, when set, can reject a prompt.
type fakeModel struct {
	mu      sync.Mutex
	prompts []string
	fail    func(prompt string) error
}

func (m *fakeModel) Generate(ctx context.Context, prompt, _ string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	fail := m.fail
	m.mu.Unlock()

	if fail != nil {
		if err := fail(prompt); err != nil {
			return "", err
		}
	}
	if _, doc, ok := strings.Cut(prompt, docMarker); ok {
		return doc, nil
	}
	for _, line := range strings.Split(prompt, "\n") {
		if h, ok := strings.CutPrefix(line, "Section heading: "); ok {
			return h + " text", nil
		}
	}
	return "", fmt.Errorf("unexpected prompt %q", prompt)
}

func (m *fakeModel) count(substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.prompts {
		if strings.Contains(p, substr) {
			n++
		}
	}
	return n
}

// recorder is a Listener that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []ErrorContext
	score  int
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnPassStart(n int, name string)     { r.add(fmt.Sprintf("start:%d", n)) }
func (r *recorder) OnPassComplete(n int)               { r.add(fmt.Sprintf("done:%d", n)) }
func (r *recorder) OnSectionStart(key, heading string) { r.add("section:" + key) }
func (r *recorder) OnSectionComplete(key string)       { r.add("section-done:" + key) }
func (r *recorder) OnJobComplete(score int) {
	r.add("complete")
	r.score = score
}
func (r *recorder) OnError(err error, ec ErrorContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, ec)
}

func (r *recorder) passStarts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []int
	for _, e := range r.events {
		var n int
		if _, err := fmt.Sscanf(e, "start:%d", &n); err == nil {
			ret = append(ret, n)
		}
	}
	return ret
}

// passLog records every current_pass value written to the store.
type passLog struct {
	jobs.Store
	mu     sync.Mutex
	passes []int
}

func (s *passLog) UpdateJob(ctx context.Context, job *jobs.Job, expected int64) error {
	err := s.Store.UpdateJob(ctx, job, expected)
	if err == nil {
		s.mu.Lock()
		s.passes = append(s.passes, job.CurrentPass)
		s.mu.Unlock()
	}
	return err
}

type fixture struct {
	store   *passLog
	manager *jobs.Manager
	model   *fakeModel
	runner  *Runner
	job     *jobs.Job
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := &passLog{Store: jobs.NewMemoryStore()}
	manager := jobs.NewManager(store, jobs.WithPersistenceRetry(1, 0))
	model := &fakeModel{}
	opts = append([]Option{
		WithExecutors(passes.Default(passes.DraftOptions{Concurrency: 1, SectionTimeout: time.Second})),
		WithPassRetry(2, time.Second, 0),
	}, opts...)
	runner, err := NewRunner(manager, model, opts...)
	require.NoError(t, err)

	job, err := manager.CreateJob(context.Background(), "brief-1", jobs.Owner{})
	require.NoError(t, err)
	return &fixture{store: store, manager: manager, model: model, runner: runner, job: job}
}

func (f *fixture) reload(t *testing.T) *jobs.Job {
	t.Helper()
	job, err := f.manager.GetJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	return job
}

func (f *fixture) sectionKeys(t *testing.T) []string {
	t.Helper()
	sections, err := f.manager.GetSections(context.Background(), f.job.ID)
	require.NoError(t, err)
	keys := make([]string, 0, len(sections))
	for _, s := range sections {
		keys = append(keys, s.SectionKey)
	}
	return keys
}

func assertMonotonic(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "current_pass went back at write %d: %v", i, values)
	}
}

func TestRun_ThreeSectionBriefCompletes(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	err := f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{}, rec)
	require.NoError(t, err)

	job := f.reload(t)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, jobs.TotalPasses, job.CurrentPass)
	require.NotNil(t, job.FinalAuditScore)
	assert.Equal(t, *job.FinalAuditScore, rec.score)
	assert.NotEmpty(t, job.AuditReport)
	assert.Empty(t, job.LastError)
	assert.Equal(t, "## Intro\n\nIntro text\n\n## Body\n\nBody text\n\n## Conclusion\n\nConclusion text", job.DraftContent)

	assert.Equal(t, []string{"intro", "body", "conclusion"}, f.sectionKeys(t))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, rec.passStarts())
	assert.Contains(t, rec.events, "section:body")
	assert.Equal(t, "complete", rec.events[len(rec.events)-1])
	assertMonotonic(t, f.store.passes)
}

func TestRun_FailureInPassThree(t *testing.T) {
	f := newFixture(t)
	f.model.fail = func(prompt string) error {
		if strings.Contains(prompt, "Markdown lists") {
			return apperr.New(apperr.ErrFatal, "provider rejected the request")
		}
		return nil
	}
	rec := &recorder{}

	err := f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{}, rec)
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.ErrFatal))

	job := f.reload(t)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, 3, job.CurrentPass)
	assert.Contains(t, job.LastError, "pass 3")
	assert.Contains(t, job.LastError, "provider rejected the request")
	assert.Nil(t, job.FinalAuditScore)
	assert.Len(t, f.sectionKeys(t), 3)
	require.Len(t, rec.errs, 1)
	assert.Equal(t, 3, rec.errs[0].Pass)

	// no automatic retry of a failed job
	err = f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{})
	assert.True(t, apperr.IsType(err, apperr.ErrValidation))
}

func TestRun_TransientPassErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	failures := 0
	f.model.fail = func(prompt string) error {
		if strings.Contains(prompt, "visual semantics") && failures == 0 {
			failures++
			return apperr.New(apperr.ErrTransient, "rate limited")
		}
		return nil
	}

	require.NoError(t, f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{}))
	assert.Equal(t, jobs.StatusCompleted, f.reload(t).Status)
	assert.Equal(t, 2, f.model.count("visual semantics"))
}

func TestRun_CancelAfterTwoSectionsThenResume(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := 0
	stopper := ListenerFuncs{SectionComplete: func(string) {
		done++
		if done == 2 {
			cancel()
		}
	}}
	err := f.runner.Run(ctx, f.job, testBrief(), brief.BusinessContext{}, stopper)
	require.ErrorIs(t, err, ErrStopped)

	job := f.reload(t)
	assert.Equal(t, jobs.StatusPaused, job.Status)
	assert.Equal(t, 1, job.CurrentPass)
	assert.Equal(t, []string{"intro", "body"}, f.sectionKeys(t))

	rec := &recorder{}
	require.NoError(t, f.runner.Run(context.Background(), job, testBrief(), brief.BusinessContext{}, rec))

	job = f.reload(t)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, []string{"intro", "body", "conclusion"}, f.sectionKeys(t))
	assert.Equal(t, 1, f.model.count("Section heading: Intro"))
	assert.Equal(t, 1, f.model.count("Section heading: Conclusion"))
	assert.NotContains(t, rec.events, "section:intro")
	assertMonotonic(t, f.store.passes)
}

func TestRun_ResumeStartsAtCurrentPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.UpdateJob(ctx, f.job.ID, jobs.JobPatch{
		Status:         jobs.Ptr(jobs.StatusPaused),
		CurrentPass:    jobs.Ptr(5),
		WorkingContent: jobs.Ptr("## Intro\n\nSaved text"),
	})
	require.NoError(t, err)
	rec := &recorder{}

	require.NoError(t, f.runner.Run(ctx, f.job, testBrief(), brief.BusinessContext{}, rec))

	assert.Equal(t, []int{5, 6, 7, 8}, rec.passStarts())
	assert.Zero(t, f.model.count("Section heading:"))
	assert.Zero(t, f.model.count("Markdown lists"))
	job := f.reload(t)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "## Intro\n\nSaved text", job.DraftContent)
}

func TestRun_StopsWhenPausedThroughStore(t *testing.T) {
	f := newFixture(t)
	f.model.fail = func(prompt string) error {
		if strings.Contains(prompt, "Revise the headings") {
			_, err := f.manager.PauseJob(context.Background(), f.job.ID)
			return err
		}
		return nil
	}

	err := f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{})
	require.ErrorIs(t, err, ErrStopped)

	job := f.reload(t)
	assert.Equal(t, jobs.StatusPaused, job.Status)
	// pass 2 finished before the checkpoint noticed the pause
	assert.Equal(t, 3, job.CurrentPass)
	assert.Zero(t, f.model.count("Markdown lists"))
}

func TestRun_CancelledThroughStoreIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	f.model.fail = func(prompt string) error {
		if strings.Contains(prompt, "Revise the headings") {
			_, err := f.manager.CancelJob(context.Background(), f.job.ID)
			return err
		}
		return nil
	}

	err := f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{})
	require.ErrorIs(t, err, ErrStopped)
	job := f.reload(t)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Equal(t, 2, job.CurrentPass)
}

func TestRun_StoredStopDuringDraft(t *testing.T) {
	tests := []struct {
		name   string
		stop   func(m *jobs.Manager, id string) (*jobs.Job, error)
		status jobs.Status
	}{
		{"cancel", func(m *jobs.Manager, id string) (*jobs.Job, error) { return m.CancelJob(context.Background(), id) }, jobs.StatusCancelled},
		{"pause", func(m *jobs.Manager, id string) (*jobs.Job, error) { return m.PauseJob(context.Background(), id) }, jobs.StatusPaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			done := 0
			stopper := ListenerFuncs{SectionComplete: func(string) {
				done++
				if done == 2 {
					_, err := tt.stop(f.manager, f.job.ID)
					assert.NoError(t, err)
				}
			}}

			err := f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{}, stopper)
			require.ErrorIs(t, err, ErrStopped)

			job := f.reload(t)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, 1, job.CurrentPass)
			assert.Equal(t, []string{"intro", "body"}, f.sectionKeys(t))
			assert.Zero(t, f.model.count("Section heading: Conclusion"))
		})
	}
}

func TestRun_StoredPauseDuringDraftThenResume(t *testing.T) {
	f := newFixture(t)
	stopper := ListenerFuncs{SectionComplete: func(key string) {
		if key == "intro" {
			_, err := f.manager.PauseJob(context.Background(), f.job.ID)
			assert.NoError(t, err)
		}
	}}
	require.ErrorIs(t, f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{}, stopper), ErrStopped)
	assert.Equal(t, []string{"intro"}, f.sectionKeys(t))

	require.NoError(t, f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{}))
	job := f.reload(t)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 1, f.model.count("Section heading: Intro"))
	assertMonotonic(t, f.store.passes)
}

func TestRun_SectionEventsArriveFromConcurrentWorkers(t *testing.T) {
	f := newFixture(t, WithExecutors(passes.Default(passes.DraftOptions{Concurrency: 3, SectionTimeout: 5 * time.Second})))
	var inflight atomic.Int32
	all := make(chan struct{})
	f.model.fail = func(prompt string) error {
		if !strings.Contains(prompt, "Section heading:") {
			return nil
		}
		if inflight.Add(1) == 3 {
			close(all)
		}
		select {
		case <-all:
			return nil
		case <-time.After(2 * time.Second):
			return apperr.New(apperr.ErrFatal, "sections were not generated concurrently")
		}
	}
	rec := &recorder{}

	require.NoError(t, f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{}, rec))

	// every section started before the first one finished
	started := 0
	for _, e := range rec.events {
		if strings.HasPrefix(e, "section-done:") {
			break
		}
		if strings.HasPrefix(e, "section:") {
			started++
		}
	}
	assert.Equal(t, 3, started)
}

func TestRun_ConcurrentRunIsRejected(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.model.fail = func(string) error {
		<-release
		return nil
	}

	errc := make(chan error, 1)
	go func() {
		errc <- f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{})
	}()
	require.Eventually(t, func() bool { return f.model.count("Section heading:") > 0 }, time.Second, 5*time.Millisecond)

	before := f.reload(t)
	err := f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, before.Version, f.reload(t).Version)

	close(release)
	require.NoError(t, <-errc)
	assert.False(t, f.runner.Locker().Held(f.job.ID))
}

func TestRun_PanickingListenerDoesNotBreakRun(t *testing.T) {
	f := newFixture(t)
	bad := ListenerFuncs{PassStart: func(int, string) { panic("boom") }}
	rec := &recorder{}

	require.NoError(t, f.runner.Run(context.Background(), f.job, testBrief(), brief.BusinessContext{}, bad, rec))
	assert.Len(t, rec.passStarts(), jobs.TotalPasses)
}

func TestRun_AlreadyCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.runner.Run(ctx, f.job, testBrief(), brief.BusinessContext{})
	assert.True(t, errors.Is(err, ErrStopped))
	assert.Equal(t, jobs.StatusPending, f.reload(t).Status)
}

func TestNewRunner_RejectsIncompleteExecutors(t *testing.T) {
	manager := jobs.NewManager(jobs.NewMemoryStore())
	_, err := NewRunner(manager, &fakeModel{}, WithExecutors(passes.Default(passes.DraftOptions{})[:3]))
	assert.Error(t, err)
}

func TestRun_InterruptedRunStaysInProgress(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	stopper := ListenerFuncs{PassComplete: func(n int) {
		if n == 2 {
			cancel(ErrInterrupted)
		}
	}}
	err := f.runner.Run(ctx, f.job, testBrief(), brief.BusinessContext{}, stopper)
	require.ErrorIs(t, err, ErrStopped)

	job := f.reload(t)
	assert.Equal(t, jobs.StatusInProgress, job.Status)
	assert.Equal(t, 3, job.CurrentPass)
}
