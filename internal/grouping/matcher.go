package grouping

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// Matcher attaches events to the groups selected by its rules.
type Matcher struct {
	store  store.Store
	rules  []Rule
	scorer *Scorer
}

// NewMatcher creates a Matcher. The exact rule always runs; extra rules add
// candidate groups.
func NewMatcher(s store.Store, scorer *Scorer, exact *ExactRule, extra ...Rule) *Matcher {
	rules := append([]Rule{exact}, extra...)
	return &Matcher{store: s, rules: rules, scorer: scorer}
}

// Attach links event to the union of all rules' groups, creating the exact
// signature group if needed, and upvotes each of them. The returned groups
// reflect the upvote. Re-attaching the same event does not count it twice.
func (m *Matcher) Attach(ctx context.Context, event *models.Event) ([]*models.Group, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID

	for _, rule := range m.rules {
		groups, err := rule.Match(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		for _, g := range groups {
			if seen[g.ID] {
				continue
			}
			seen[g.ID] = true
			ids = append(ids, g.ID)
		}
	}

	out := make([]*models.Group, 0, len(ids))
	for _, id := range ids {
		if err := m.scorer.Upvote(ctx, id, event.ID, event.CreatedAt); err != nil {
			return nil, err
		}
		g, err := m.store.GetGroup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reload group: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}
