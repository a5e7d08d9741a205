package grouping

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// ErrMatchRaceConflict is returned when find-or-create kept colliding with
// concurrent writers after every retry.
var ErrMatchRaceConflict = errors.New("group match race conflict")

const maxMatchAttempts = 3

// Rule finds the open groups an event belongs to under one matching policy.
type Rule interface {
	Name() string
	Match(ctx context.Context, event *models.Event) ([]*models.Group, error)
}

// Signature is the exact matching key of a group.
type Signature struct {
	ErrorClass string
	KeyLine    string
}

// SignatureOf derives the exact signature of event.
func SignatureOf(event *models.Event, excludes []*regexp.Regexp) Signature {
	return Signature{ErrorClass: event.ErrorClass, KeyLine: event.KeyLine(excludes)}
}

// ExactRule matches on (error_class, key_line) and creates the group when no
// open one exists. It is the only rule that creates groups.
type ExactRule struct {
	store    store.Store
	excludes []*regexp.Regexp
	now      func() time.Time
}

// NewExactRule creates an ExactRule that skips backtrace frames matching excludes.
func NewExactRule(s store.Store, excludes []*regexp.Regexp) *ExactRule {
	return &ExactRule{store: s, excludes: excludes, now: func() time.Time { return time.Now().UTC() }}
}

func (r *ExactRule) Name() string { return "exact" }

func (r *ExactRule) Match(ctx context.Context, event *models.Event) ([]*models.Group, error) {
	sig := SignatureOf(event, r.excludes)

	var lastErr error
	for attempt := 0; attempt < maxMatchAttempts; attempt++ {
		seed := &models.Group{
			ID:                 uuid.New(),
			ErrorClass:         sig.ErrorClass,
			KeyLine:            sig.KeyLine,
			Language:           event.Language,
			MessageFingerprint: Fingerprint(event.ErrorClass, event.Message),
			State:              models.GroupStateActive,
			CreatedAt:          r.now(),
		}
		group, created, err := r.store.FindOrCreateOpenGroup(ctx, seed)
		if errors.Is(err, store.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find or create group: %w", err)
		}
		if created {
			groupsCreated.Inc()
		}
		return []*models.Group{group}, nil
	}
	return nil, fmt.Errorf("%w: %s/%s: %v", ErrMatchRaceConflict, sig.ErrorClass, sig.KeyLine, lastErr)
}

// SelectorRule attaches events of selected languages to every open group of
// the same language whose message fingerprint matches. It never creates groups.
type SelectorRule struct {
	store     store.Store
	languages map[string]bool
}

// NewSelectorRule creates a SelectorRule active for the given languages.
func NewSelectorRule(s store.Store, languages []string) *SelectorRule {
	set := make(map[string]bool, len(languages))
	for _, l := range languages {
		set[l] = true
	}
	return &SelectorRule{store: s, languages: set}
}

func (r *SelectorRule) Name() string { return "language_selector" }

func (r *SelectorRule) Match(ctx context.Context, event *models.Event) ([]*models.Group, error) {
	if !r.languages[event.Language] {
		return nil, nil
	}
	groups, err := r.store.FindOpenGroupsBySelector(ctx, event.Language, Fingerprint(event.ErrorClass, event.Message))
	if err != nil {
		return nil, fmt.Errorf("match by selector: %w", err)
	}
	return groups, nil
}
