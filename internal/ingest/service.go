// Package ingest accepts error reports, attaches them to groups and queues
// notification checks.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/errwatch/internal/grouping"
	"github.com/kiranshivaraju/errwatch/internal/notifier"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsIngested = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "errwatch_events_ingested_total",
		Help: "Events accepted by language.",
	},
	[]string{"language"},
)

// Result is the outcome of one ingestion.
type Result struct {
	Event  *models.Event
	Groups []*models.Group
}

// Service ingests events.
type Service struct {
	store     store.Store
	matcher   *grouping.Matcher
	epoch     *grouping.EpochCache
	scheduler notifier.Scheduler
	delay     time.Duration
	now       func() time.Time
}

// NewService creates an ingestion Service. Debounce checks fire delay after
// the event arrives.
func NewService(s store.Store, matcher *grouping.Matcher, epoch *grouping.EpochCache, scheduler notifier.Scheduler, delay time.Duration) *Service {
	return &Service{
		store:     s,
		matcher:   matcher,
		epoch:     epoch,
		scheduler: scheduler,
		delay:     delay,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest validates and stores p, attaches it to its groups and schedules a
// debounce check for each of them. Scheduling failures are logged only.
func (s *Service) Ingest(ctx context.Context, p Payload) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	event := p.toEvent(now)
	if err := s.store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	if !s.epoch.Known() {
		s.epoch.Invalidate(ctx)
	}

	groups, err := s.matcher.Attach(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("attach event %s: %w", event.ID, err)
	}
	eventsIngested.WithLabelValues(event.Language).Inc()

	fireAt := now.Add(s.delay)
	for _, g := range groups {
		if err := s.scheduler.Schedule(ctx, g.ID, fireAt); err != nil {
			slog.Error("debounce schedule failed", "group_id", g.ID, "error", err)
		}
	}

	slog.Debug("event ingested", "event_id", event.ID, "error_class", event.ErrorClass, "groups", len(groups))
	return &Result{Event: event, Groups: groups}, nil
}
