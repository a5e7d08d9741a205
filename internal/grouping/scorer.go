package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

const secondsPerDay = 86400

// EpochSource supplies the scoring epoch.
type EpochSource interface {
	Epoch(ctx context.Context) (time.Time, error)
}

// Addin is the popularity contribution of one event at t. It doubles every
// whole day elapsed since epoch, so recent events dominate the score.
// Far-future events overflow to +Inf.
func Addin(t, epoch time.Time) float64 {
	days := floorDiv(t.Unix()-epoch.Unix(), secondsPerDay)
	return models.InitialPopularity * math.Pow(2, float64(days))
}

// Score recomputes popularity from the scored event times in ascending order.
// Both results are nil when there are no events.
func Score(times []time.Time, epoch time.Time) (*float64, *time.Time) {
	if len(times) == 0 {
		return nil, nil
	}
	p := models.InitialPopularity
	var latest time.Time
	for _, t := range times {
		p += Addin(t, epoch)
		latest = t
	}
	return &p, &latest
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Scorer maintains group popularity.
type Scorer struct {
	store store.Store
	epoch EpochSource
}

// NewScorer creates a Scorer.
func NewScorer(s store.Store, epoch EpochSource) *Scorer {
	return &Scorer{store: s, epoch: epoch}
}

// Upvote links an event to a group, adds the event's contribution at t to
// the group's popularity and moves latest_event_at to t. Linking and scoring
// happen atomically, and an event already linked is not counted again.
func (s *Scorer) Upvote(ctx context.Context, groupID, eventID uuid.UUID, t time.Time) error {
	epoch, err := s.epoch.Epoch(ctx)
	if err != nil {
		return fmt.Errorf("load epoch: %w", err)
	}
	if _, err := s.store.AttachEvent(ctx, groupID, eventID, Addin(t, epoch), t); err != nil {
		return fmt.Errorf("upvote group %s: %w", groupID, err)
	}
	return nil
}

// Rescore recomputes a group's popularity from its non-resolved events.
// Running it twice without new events yields the same score. The store
// serialises it with Upvote for the same group.
func (s *Scorer) Rescore(ctx context.Context, groupID uuid.UUID) error {
	epoch, err := s.epoch.Epoch(ctx)
	if err != nil {
		return fmt.Errorf("load epoch: %w", err)
	}
	err = s.store.RescoreGroup(ctx, groupID, func(times []time.Time) (*float64, *time.Time) {
		return Score(times, epoch)
	})
	if err != nil {
		groupsRescored.WithLabelValues("error").Inc()
		return fmt.Errorf("rescore group %s: %w", groupID, err)
	}
	groupsRescored.WithLabelValues("ok").Inc()
	return nil
}

// RescoreAll rescores every group. Failures are logged and joined; the
// remaining groups are still processed. Returns the number rescored.
func (s *Scorer) RescoreAll(ctx context.Context) (int, error) {
	ids, err := s.store.ListGroupIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list groups: %w", err)
	}
	var errs []error
	done := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Rescore(ctx, id); err != nil {
			slog.Error("rescore failed", "group_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// ResolveMembership stops an event from counting toward a group's score and
// rescores the group.
func (s *Scorer) ResolveMembership(ctx context.Context, groupID, eventID uuid.UUID) (*models.Group, error) {
	if err := s.store.SetMembershipState(ctx, groupID, eventID, models.MembershipStateResolved); err != nil {
		return nil, fmt.Errorf("resolve membership: %w", err)
	}
	if err := s.Rescore(ctx, groupID); err != nil {
		return nil, err
	}
	return s.store.GetGroup(ctx, groupID)
}
