package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler holds at most one pending debounce job per group. Scheduling a
// group that already has a pending job keeps the earlier fire time.
type Scheduler interface {
	Schedule(ctx context.Context, groupID uuid.UUID, at time.Time) error
	// Run hands due groups to due, one at a time, until ctx is done.
	Run(ctx context.Context, due func(ctx context.Context, groupID uuid.UUID)) error
}

type pendingJob struct {
	at    time.Time
	timer *time.Timer
}

// TimerScheduler keeps pending jobs as in-process timers. Pending jobs are
// lost on restart.
type TimerScheduler struct {
	mu       sync.Mutex
	pending  map[uuid.UUID]*pendingJob
	due      chan uuid.UUID
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewTimerScheduler creates a TimerScheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{
		pending: make(map[uuid.UUID]*pendingJob),
		due:     make(chan uuid.UUID, 256),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

func (s *TimerScheduler) Schedule(_ context.Context, groupID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[groupID]; ok {
		if !at.Before(p.at) {
			return nil
		}
		p.timer.Stop()
	}
	job := &pendingJob{at: at}
	job.timer = time.AfterFunc(at.Sub(s.now()), func() { s.fire(groupID, job) })
	s.pending[groupID] = job
	jobsScheduled.WithLabelValues("memory").Inc()
	return nil
}

// Pending returns the fire time of groupID's pending job.
func (s *TimerScheduler) Pending(groupID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[groupID]
	if !ok {
		return time.Time{}, false
	}
	return p.at, true
}

func (s *TimerScheduler) fire(groupID uuid.UUID, job *pendingJob) {
	s.mu.Lock()
	if s.pending[groupID] != job {
		s.mu.Unlock()
		return
	}
	delete(s.pending, groupID)
	s.mu.Unlock()

	select {
	case s.due <- groupID:
	case <-s.done:
	}
}

func (s *TimerScheduler) Run(ctx context.Context, due func(ctx context.Context, groupID uuid.UUID)) error {
	defer s.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.due:
			jobsDue.WithLabelValues("memory").Inc()
			due(ctx, id)
		}
	}
}

func (s *TimerScheduler) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, p := range s.pending {
			p.timer.Stop()
			delete(s.pending, id)
		}
	})
}
