package passes

import (
	"context"
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
	"github.com/MimeLyc/contentpipe/internal/generation"
	"github.com/MimeLyc/contentpipe/internal/jobs"
)

func threeSectionBrief() *brief.Brief {
	return &brief.Brief{
		ID:       "brief-1",
		Title:    "Heat pumps explained",
		Language: "en",
		Keywords: []string{"heat pump"},
		Outline: []brief.OutlineSection{
			{Key: "intro", Heading: "Introduction", Order: 0},
			{Key: "how", Heading: "How it works", Order: 1},
			{Key: "costs", Heading: "Costs", Order: 2},
		},
	}
}

func newInput(t *testing.T, gen generation.Generator) (*Input, *jobs.MemoryStore) {
	t.Helper()
	store := jobs.NewMemoryStore()
	now := time.Now()
	job := &jobs.Job{ID: "job-1", BriefID: "brief-1", Status: jobs.StatusInProgress, CurrentPass: 1, Version: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return &Input{
		Job:       job,
		Brief:     threeSectionBrief(),
		Sections:  store,
		Generator: gen,
	}, store
}

// echoSection answers with the heading named in the prompt.
func echoSection(_ context.Context, prompt, _ string) (string, error) {
	for _, line := range strings.Split(prompt, "\n") {
		if h, ok := strings.CutPrefix(line, "Section heading: "); ok {
			return "Body of " + h, nil
		}
	}
	return "body", nil
}

func fastOpts() DraftOptions {
	return DraftOptions{Concurrency: 2, SectionRetries: 3, SectionTimeout: time.Second}
}

func TestDraftPass_GeneratesAllSections(t *testing.T) {
	in, store := newInput(t, generation.Func(echoSection))
	var started, completed []string
	var mu sync.Mutex
	in.Hooks = Hooks{
		OnSectionStart: func(key, heading string, index, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 3, total)
			started = append(started, key)
		},
		OnSectionComplete: func(key string) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, key)
		},
	}

	out, err := NewDraftPass(fastOpts()).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t,
		"## Introduction\n\nBody of Introduction\n\n## How it works\n\nBody of How it works\n\n## Costs\n\nBody of Costs",
		out.Content)
	assert.ElementsMatch(t, []string{"intro", "how", "costs"}, started)
	assert.ElementsMatch(t, []string{"intro", "how", "costs"}, completed)

	sections, err := store.ListSections(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Len(t, sections, 3)
}

func TestDraftPass_SkipsPersistedSections(t *testing.T) {
	var calls atomic.Int32
	in, store := newInput(t, generation.Func(func(ctx context.Context, prompt, c string) (string, error) {
		calls.Add(1)
		return echoSection(ctx, prompt, c)
	}))
	require.NoError(t, store.UpsertSection(context.Background(), &jobs.Section{
		ID: "pre", JobID: "job-1", SectionKey: "intro", SectionOrder: 0, Heading: "Introduction", Content: "kept",
	}))

	out, err := NewDraftPass(fastOpts()).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, strings.HasPrefix(out.Content, "## Introduction\n\nkept"))
}

func TestDraftPass_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	b := threeSectionBrief()
	for i := 0; i < 5; i++ {
		b.Outline = append(b.Outline, brief.OutlineSection{Key: fmt.Sprintf("extra-%d", i), Heading: fmt.Sprintf("Extra %d", i), Order: 10 + i})
	}
	in, _ := newInput(t, generation.Func(func(ctx context.Context, prompt, c string) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return "text", nil
	}))
	in.Brief = b

	_, err := NewDraftPass(DraftOptions{Concurrency: 2, SectionTimeout: time.Second}).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDraftPass_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	in, _ := newInput(t, generation.Func(func(ctx context.Context, prompt, c string) (string, error) {
		if strings.Contains(prompt, "Section heading: Costs") && calls.Add(1) < 3 {
			return "", apperr.New(apperr.ErrTransient, "rate limited")
		}
		return echoSection(ctx, prompt, c)
	}))

	out, err := NewDraftPass(fastOpts()).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, out.Content, "Body of Costs")
	assert.Equal(t, int32(3), calls.Load())
}

func TestDraftPass_AttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	in, _ := newInput(t, generation.Func(func(ctx context.Context, prompt, c string) (string, error) {
		if strings.Contains(prompt, "Section heading: How it works") && calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return echoSection(ctx, prompt, c)
	}))

	opts := fastOpts()
	opts.SectionTimeout = 20 * time.Millisecond
	_, err := NewDraftPass(opts).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDraftPass_FatalErrorFailsPassAndKeepsFinishedSections(t *testing.T) {
	in, store := newInput(t, generation.Func(func(ctx context.Context, prompt, c string) (string, error) {
		if strings.Contains(prompt, "Section heading: Costs") {
			return "", apperr.New(apperr.ErrFatal, "content policy")
		}
		return echoSection(ctx, prompt, c)
	}))
	var failed []string
	in.Hooks.OnSectionError = func(key string, err error) { failed = append(failed, key) }

	_, err := NewDraftPass(DraftOptions{Concurrency: 1, SectionTimeout: time.Second}).Execute(context.Background(), in)
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.ErrFatal))
	assert.Equal(t, []string{"costs"}, failed)

	sections, err := store.ListSections(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Len(t, sections, 2)
}

func TestDraftPass_StopsBeforeNextSectionWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, store := newInput(t, generation.Func(echoSection))
	completed := 0
	in.Hooks.OnSectionComplete = func(string) {
		completed++
		if completed == 2 {
			cancel()
		}
	}

	_, err := NewDraftPass(DraftOptions{Concurrency: 1, SectionTimeout: time.Second}).Execute(ctx, in)
	require.ErrorIs(t, err, context.Canceled)

	sections, err := store.ListSections(context.Background(), "job-1")
	require.NoError(t, err)
	keys := []string{}
	for _, s := range sections {
		keys = append(keys, s.SectionKey)
	}
	assert.Equal(t, []string{"intro", "how"}, keys)
}

func TestDraftPass_StopsBeforeNextSectionWhenStoppedOutside(t *testing.T) {
	in, store := newInput(t, generation.Func(echoSection))
	var completed atomic.Int32
	in.Hooks.OnSectionComplete = func(string) { completed.Add(1) }
	in.Stopped = func(context.Context) bool { return completed.Load() >= 2 }

	_, err := NewDraftPass(DraftOptions{Concurrency: 1, SectionTimeout: time.Second}).Execute(context.Background(), in)
	require.ErrorIs(t, err, ErrStopped)

	sections, err := store.ListSections(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, "intro", sections[0].SectionKey)
	assert.Equal(t, "how", sections[1].SectionKey)
}

func TestDraftPass_RejectsBadOutline(t *testing.T) {
	in, _ := newInput(t, generation.Func(echoSection))
	in.Brief.Outline = nil
	_, err := NewDraftPass(fastOpts()).Execute(context.Background(), in)
	assert.True(t, apperr.IsType(err, apperr.ErrValidation))

	in.Brief = threeSectionBrief()
	in.Brief.Outline[2].Key = "intro"
	_, err = NewDraftPass(fastOpts()).Execute(context.Background(), in)
	assert.True(t, apperr.IsType(err, apperr.ErrValidation))
}

func TestStripHeading(t *testing.T) {
	assert.Equal(t, "Body", stripHeading("## Costs\n\nBody", "Costs"))
	assert.Equal(t, "## Other\nBody", stripHeading("## Other\nBody", "Costs"))
	assert.Equal(t, "", stripHeading("# costs", "Costs"))
}

func TestCleanReply(t *testing.T) {
	assert.Equal(t, "# Title\n\nText", cleanReply("```markdown\n# Title\n\nText\n```"))
	assert.Equal(t, "plain", cleanReply("  plain \n"))
}
