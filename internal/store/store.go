package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned by FindOrCreateOpenGroup when a concurrent writer
// claimed the signature but the claiming group is no longer open. Callers retry.
var ErrConflict = errors.New("open group signature conflict")

// ErrLockTimeout is returned when a per-group lock could not be acquired in time.
var ErrLockTimeout = errors.New("group lock timeout")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	FirstEventAt(ctx context.Context) (time.Time, bool, error)
	LatestGroupEvent(ctx context.Context, groupID uuid.UUID) (*models.Event, error)
	ListGroupEvents(ctx context.Context, groupID uuid.UUID, filter EventFilter, limit int) ([]*models.Event, error)
	HasGroupEventsSince(ctx context.Context, groupID uuid.UUID, since time.Time) (bool, error)
	CountEvents(ctx context.Context, filter EventCountFilter) (int, error)
	GroupAppEnvs(ctx context.Context, groupID uuid.UUID) ([]string, error)
	GroupLanguages(ctx context.Context, groupID uuid.UUID) ([]string, error)
	GroupAppUserStats(ctx context.Context, groupID uuid.UUID, key string, limit int) ([]models.AppUserCount, int, error)
	DailyGroupEventCounts(ctx context.Context, groupID uuid.UUID, filter EventFilter) ([]DailyCount, error)
	DailyEventCounts(ctx context.Context, filter EventFilter) ([]DailyCount, error)
	DailyGroupCounts(ctx context.Context, filter EventFilter) ([]DailyCount, error)

	FindOrCreateOpenGroup(ctx context.Context, seed *models.Group) (*models.Group, bool, error)
	FindOpenGroupsBySelector(ctx context.Context, language, fingerprint string) ([]*models.Group, error)
	GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error)
	ListGroups(ctx context.Context, filter GroupFilter) ([]*models.Group, int, error)
	ListGroupIDs(ctx context.Context) ([]uuid.UUID, error)
	AttachEvent(ctx context.Context, groupID, eventID uuid.UUID, addin float64, at time.Time) (bool, error)
	RescoreGroup(ctx context.Context, groupID uuid.UUID, score ScoreFunc) error
	UpdateGroupState(ctx context.Context, id uuid.UUID, change StateChange) (*models.Group, error)
	ListTransitions(ctx context.Context, groupID uuid.UUID) ([]*models.Transition, error)
	MarkGroupNotified(ctx context.Context, id uuid.UUID, at time.Time) error
	WithGroupLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error

	SetMembershipState(ctx context.Context, groupID, eventID uuid.UUID, state models.MembershipState) error

	CreateNote(ctx context.Context, note *models.Note) error
	ListNotes(ctx context.Context, groupID uuid.UUID) ([]*models.Note, error)
	CreateWatcher(ctx context.Context, watcher *models.Watcher) error
	AddGroupWatcher(ctx context.Context, groupID, watcherID uuid.UUID) error
	ListGroupWatchers(ctx context.Context, groupID uuid.UUID) ([]*models.Watcher, error)
}

// GroupFilter selects groups for listing. An empty State means open groups.
type GroupFilter struct {
	State     models.GroupState
	AppName   string
	AppEnv    string
	Language  string
	Ascending bool
	Page      int
	Limit     int
}

// EventFilter narrows event-level reads.
type EventFilter struct {
	AppName  string
	AppEnv   string
	Language string
}

// EventCountFilter selects events for volume counting.
type EventCountFilter struct {
	Language string
	Since    time.Time
	OpenOnly bool
}

// ScoreFunc derives a group's popularity and latest event time from the
// creation times of its non-resolved events, oldest first.
type ScoreFunc func(times []time.Time) (*float64, *time.Time)

// DailyCount is the number of events in one UTC day.
type DailyCount struct {
	Day   time.Time
	Count int
}

// StateChange describes one lifecycle transition. Next receives the current
// state under lock and returns the new one, or an error to abort.
type StateChange struct {
	Event string
	Actor string
	Next  func(current models.GroupState) (models.GroupState, error)
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// normalizePage clamps pagination parameters and returns (limit, offset).
func normalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

func filterStates(state models.GroupState) []string {
	if state == "" {
		return []string{string(models.GroupStateActive), string(models.GroupStateAcknowledged)}
	}
	return []string{string(state)}
}
