package grouping

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixedEpoch time.Time

func (f fixedEpoch) Epoch(context.Context) (time.Time, error) { return time.Time(f), nil }

func newTestMatcher(s store.Store, selectorLanguages ...string) *Matcher {
	scorer := NewScorer(s, fixedEpoch(testEpoch))
	return NewMatcher(s, scorer, NewExactRule(s, nil), NewSelectorRule(s, selectorLanguages))
}

func newEvent(errorClass, message, language string, backtrace ...string) *models.Event {
	now := testEpoch.Add(48 * time.Hour)
	return &models.Event{
		ID:         uuid.New(),
		Message:    message,
		ErrorClass: errorClass,
		Backtrace:  backtrace,
		AppName:    "billing-api",
		AppEnv:     "production",
		Language:   language,
		CapturedAt: now,
		CreatedAt:  now,
	}
}

func ingestEvent(t *testing.T, ctx context.Context, s store.Store, m *Matcher, e *models.Event) []*models.Group {
	t.Helper()
	require.NoError(t, s.CreateEvent(ctx, e))
	groups, err := m.Attach(ctx, e)
	require.NoError(t, err)
	return groups
}
