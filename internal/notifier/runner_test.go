package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedEvaluator struct {
	mu        sync.Mutex
	calls     []uuid.UUID
	decisions []Decision
	done      chan struct{}
}

func (e *scriptedEvaluator) Evaluate(_ context.Context, groupID uuid.UUID) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, groupID)
	var d Decision
	if len(e.decisions) > 0 {
		d, e.decisions = e.decisions[0], e.decisions[1:]
	}
	if len(e.decisions) == 0 && e.done != nil {
		close(e.done)
		e.done = nil
	}
	return d, nil
}

func TestRunner_ReschedulesOnRecheck(t *testing.T) {
	s := NewTimerScheduler()
	done := make(chan struct{})
	eval := &scriptedEvaluator{
		decisions: []Decision{
			{Reason: ReasonDebounced, RecheckAt: time.Now().Add(20 * time.Millisecond)},
			{Send: true, Reason: ReasonSend},
		},
		done: done,
	}
	r := NewRunner(s, eval, 2)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- r.Run(ctx) }()

	id := uuid.New()
	require.NoError(t, s.Schedule(ctx, id, time.Now()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recheck never evaluated")
	}
	cancel()
	require.NoError(t, <-finished)

	eval.mu.Lock()
	defer eval.mu.Unlock()
	assert.Equal(t, []uuid.UUID{id, id}, eval.calls)
}

func TestNewRunner_MinimumOneWorker(t *testing.T) {
	r := NewRunner(NewTimerScheduler(), &scriptedEvaluator{}, 0)
	assert.Equal(t, 1, r.workers)
}

type stubScheduler struct {
	mu        sync.Mutex
	scheduled map[uuid.UUID]time.Time
	run       func(ctx context.Context, due func(context.Context, uuid.UUID))
}

func newStubScheduler(run func(ctx context.Context, due func(context.Context, uuid.UUID))) *stubScheduler {
	return &stubScheduler{scheduled: make(map[uuid.UUID]time.Time), run: run}
}

func (s *stubScheduler) Schedule(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[groupID] = at
	return nil
}

func (s *stubScheduler) Run(ctx context.Context, due func(context.Context, uuid.UUID)) error {
	s.run(ctx, due)
	return nil
}

func TestRunner_RequeuesClaimedGroupsOnShutdown(t *testing.T) {
	claimed := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	s := newStubScheduler(func(ctx context.Context, due func(context.Context, uuid.UUID)) {
		<-ctx.Done()
		for _, id := range claimed {
			due(ctx, id)
		}
	})
	eval := &scriptedEvaluator{}
	r := NewRunner(s, eval, 1)
	stoppedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return stoppedAt }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	assert.Empty(t, eval.calls)
	require.Len(t, s.scheduled, len(claimed))
	for _, id := range claimed {
		assert.Equal(t, stoppedAt, s.scheduled[id])
	}
}

type blockingEvaluator struct {
	started  chan struct{}
	release  chan struct{}
	ctxErr   chan error
	decision Decision
}

func (e *blockingEvaluator) Evaluate(ctx context.Context, _ uuid.UUID) (Decision, error) {
	close(e.started)
	<-e.release
	e.ctxErr <- ctx.Err()
	return e.decision, ctx.Err()
}

func TestRunner_InFlightEvaluationSurvivesShutdown(t *testing.T) {
	id := uuid.New()
	s := newStubScheduler(func(ctx context.Context, due func(context.Context, uuid.UUID)) {
		due(ctx, id)
		<-ctx.Done()
	})
	recheck := time.Now().Add(time.Minute)
	eval := &blockingEvaluator{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		ctxErr:   make(chan error, 1),
		decision: Decision{Reason: ReasonDebounced, RecheckAt: recheck},
	}
	r := NewRunner(s, eval, 1)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- r.Run(ctx) }()

	select {
	case <-eval.started:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation never started")
	}
	cancel()
	close(eval.release)
	require.NoError(t, <-finished)

	assert.NoError(t, <-eval.ctxErr)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, recheck, s.scheduled[id])
}
