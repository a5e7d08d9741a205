// Package report builds the read models behind group listings, group pages
// and activity charts.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

const (
	recentEventLimit = 20
	topUserLimit     = 10
	appUserIDKey     = "id"
)

// ErrInvalidState is returned when a listing filter names an unknown state.
var ErrInvalidState = errors.New("invalid group state")

// Reader serves read models from the store.
type Reader struct {
	store store.Store
}

// NewReader creates a Reader.
func NewReader(s store.Store) *Reader {
	return &Reader{store: s}
}

// ListGroups returns one page of groups, most recently seen first unless
// filter.Ascending is set, plus the total number of matches.
func (r *Reader) ListGroups(ctx context.Context, filter store.GroupFilter) ([]*models.Group, int, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidState, filter.State)
	}
	return r.store.ListGroups(ctx, filter)
}

// Detail assembles everything shown for a single group. filter narrows the
// event-derived parts.
func (r *Reader) Detail(ctx context.Context, groupID uuid.UUID, filter store.EventFilter) (*models.GroupDetail, error) {
	g, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	envs, err := r.store.GroupAppEnvs(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("app envs: %w", err)
	}
	daily, err := r.store.DailyGroupEventCounts(ctx, groupID, filter)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}
	events, err := r.store.ListGroupEvents(ctx, groupID, filter, recentEventLimit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	notes, err := r.store.ListNotes(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("notes: %w", err)
	}
	transitions, err := r.store.ListTransitions(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("transitions: %w", err)
	}
	users, userCount, err := r.store.GroupAppUserStats(ctx, groupID, appUserIDKey, topUserLimit)
	if err != nil {
		return nil, fmt.Errorf("app users: %w", err)
	}

	return &models.GroupDetail{
		Group:        g,
		AppEnvs:      envs,
		DailyCounts:  FillDaily(daily),
		RecentEvents: events,
		Notes:        notes,
		Transitions:  transitions,
		TopUsers:     users,
		UserCount:    userCount,
	}, nil
}

// Stats returns daily event and distinct-group counts with smoothed variants.
func (r *Reader) Stats(ctx context.Context, filter store.EventFilter) (*models.Stats, error) {
	events, err := r.store.DailyEventCounts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("daily events: %w", err)
	}
	groups, err := r.store.DailyGroupCounts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("daily groups: %w", err)
	}
	eventSeries := FillDaily(events)
	groupSeries := FillDaily(groups)
	return &models.Stats{
		EventCounts:         eventSeries,
		EventCountsSmoothed: Smooth(eventSeries),
		GroupCounts:         groupSeries,
		GroupCountsSmoothed: Smooth(groupSeries),
	}, nil
}
