package grouping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// ErrInvalidTransition matches every *TransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrSignatureTaken is returned when reactivating a group whose signature is
// already held by another open group.
var ErrSignatureTaken = errors.New("an open group with the same signature exists")

// ErrEmptyNote is returned when a note body is blank.
var ErrEmptyNote = errors.New("note body is empty")

// LifecycleEvent is a command applied to a group's state machine.
type LifecycleEvent string

const (
	EventActivate    LifecycleEvent = "activate"
	EventResolve     LifecycleEvent = "resolve"
	EventAcknowledge LifecycleEvent = "acknowledge"
)

type transition struct {
	from []models.GroupState
	to   models.GroupState
}

var transitions = map[LifecycleEvent]transition{
	EventActivate: {
		from: []models.GroupState{models.GroupStateResolved, models.GroupStateAcknowledged},
		to:   models.GroupStateActive,
	},
	EventResolve: {
		from: []models.GroupState{models.GroupStateAcknowledged, models.GroupStateActive},
		to:   models.GroupStateResolved,
	},
	EventAcknowledge: {
		from: []models.GroupState{models.GroupStateActive},
		to:   models.GroupStateAcknowledged,
	},
}

// TransitionError reports a lifecycle event that is not allowed from the
// group's current state.
type TransitionError struct {
	Event LifecycleEvent
	From  models.GroupState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a group that is %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Next returns the state reached by applying event to from.
func Next(event LifecycleEvent, from models.GroupState) (models.GroupState, error) {
	t, ok := transitions[event]
	if !ok {
		return "", &TransitionError{Event: event, From: from}
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return "", &TransitionError{Event: event, From: from}
}

// Lifecycle applies collaborator commands to groups.
type Lifecycle struct {
	store store.Store
	now   func() time.Time
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(s store.Store) *Lifecycle {
	return &Lifecycle{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Activate reopens a resolved or acknowledged group.
func (l *Lifecycle) Activate(ctx context.Context, groupID uuid.UUID, actor string) (*models.Group, error) {
	return l.apply(ctx, groupID, EventActivate, actor)
}

// Resolve closes an open group. Later events with the same signature start a new group.
func (l *Lifecycle) Resolve(ctx context.Context, groupID uuid.UUID, actor string) (*models.Group, error) {
	return l.apply(ctx, groupID, EventResolve, actor)
}

// Acknowledge marks an active group as known. A non-empty note is recorded
// after the transition succeeds.
func (l *Lifecycle) Acknowledge(ctx context.Context, groupID uuid.UUID, actor, note string) (*models.Group, error) {
	g, err := l.apply(ctx, groupID, EventAcknowledge, actor)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(note) != "" {
		if _, err := l.AddNote(ctx, groupID, actor, note); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddNote attaches a collaborator note to a group.
func (l *Lifecycle) AddNote(ctx context.Context, groupID uuid.UUID, author, body string) (*models.Note, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyNote
	}
	n := &models.Note{
		ID:        uuid.New(),
		GroupID:   groupID,
		Author:    author,
		Body:      body,
		CreatedAt: l.now(),
	}
	if err := l.store.CreateNote(ctx, n); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	return n, nil
}

func (l *Lifecycle) apply(ctx context.Context, groupID uuid.UUID, event LifecycleEvent, actor string) (*models.Group, error) {
	g, err := l.store.UpdateGroupState(ctx, groupID, store.StateChange{
		Event: string(event),
		Actor: actor,
		Next: func(from models.GroupState) (models.GroupState, error) {
			return Next(event, from)
		},
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		return nil, ErrSignatureTaken
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}
