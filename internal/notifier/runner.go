package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Evaluator runs the debounce rules for one group.
type Evaluator interface {
	Evaluate(ctx context.Context, groupID uuid.UUID) (Decision, error)
}

const defaultEvalTimeout = 30 * time.Second

// Runner feeds due groups from a Scheduler to a fixed pool of workers and
// reschedules groups whose decision asks for a recheck.
type Runner struct {
	scheduler   Scheduler
	evaluator   Evaluator
	workers     int
	evalTimeout time.Duration
	now         func() time.Time
}

// NewRunner creates a Runner with the given number of workers (minimum 1).
func NewRunner(scheduler Scheduler, evaluator Evaluator, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		scheduler:   scheduler,
		evaluator:   evaluator,
		workers:     workers,
		evalTimeout: defaultEvalTimeout,
		now:         time.Now,
	}
}

// Run blocks until ctx is done and all in-flight evaluations finish.
// Evaluations already handed to a worker run to completion on shutdown;
// groups claimed but not yet handed out are scheduled again as due now.
func (r *Runner) Run(ctx context.Context) error {
	jobs := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				r.handle(ctx, id)
			}
		}()
	}

	err := r.scheduler.Run(ctx, func(ctx context.Context, id uuid.UUID) {
		if ctx.Err() != nil {
			r.requeue(ctx, id)
			return
		}
		select {
		case jobs <- id:
		case <-ctx.Done():
			r.requeue(ctx, id)
		}
	})
	close(jobs)
	wg.Wait()
	return err
}

func (r *Runner) requeue(ctx context.Context, groupID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.evalTimeout)
	defer cancel()
	if err := r.scheduler.Schedule(ctx, groupID, r.now()); err != nil {
		slog.Error("requeue on shutdown failed", "group_id", groupID, "error", err)
	}
}

func (r *Runner) handle(ctx context.Context, groupID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.evalTimeout)
	defer cancel()

	decision, err := r.evaluator.Evaluate(ctx, groupID)
	if err != nil {
		slog.Error("debounce evaluation failed", "group_id", groupID, "reason", decision.Reason, "error", err)
	} else {
		slog.Debug("debounce evaluated", "group_id", groupID, "reason", decision.Reason)
	}

	if decision.RecheckAt.IsZero() {
		return
	}
	if err := r.scheduler.Schedule(ctx, groupID, decision.RecheckAt); err != nil {
		slog.Error("recheck schedule failed", "group_id", groupID, "error", err)
	}
}
