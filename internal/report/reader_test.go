package report

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedGroup(t *testing.T, s *store.MemoryStore, keyLine string, users ...string) *models.Group {
	t.Helper()
	ctx := context.Background()
	g, _, err := s.FindOrCreateOpenGroup(ctx, &models.Group{
		ID:         uuid.New(),
		ErrorClass: "KeyError",
		KeyLine:    keyLine,
		Language:   "ruby",
		CreatedAt:  day0,
	})
	require.NoError(t, err)
	for i, u := range users {
		at := day0.Add(time.Duration(i) * day)
		e := &models.Event{
			ID:         uuid.New(),
			ErrorClass: "KeyError",
			AppName:    "billing-api",
			AppEnv:     "production",
			Language:   "ruby",
			AppUser:    map[string]string{"id": u},
			CapturedAt: at,
			CreatedAt:  at,
		}
		require.NoError(t, s.CreateEvent(ctx, e))
		_, err := s.AttachEvent(ctx, g.ID, e.ID, 0.1, at)
		require.NoError(t, err)
	}
	return g
}

func TestDetail(t *testing.T) {
	s := store.NewMemoryStore()
	g := seedGroup(t, s, "a.rb:1", "7", "7", "9")
	r := NewReader(s)

	d, err := r.Detail(context.Background(), g.ID, store.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, g.ID, d.Group.ID)
	assert.Equal(t, []string{"production"}, d.AppEnvs)
	assert.Len(t, d.DailyCounts, 3)
	assert.Len(t, d.RecentEvents, 3)
	assert.Equal(t, 2, d.UserCount)
	require.NotEmpty(t, d.TopUsers)
	assert.Equal(t, models.AppUserCount{User: "7", Count: 2}, d.TopUsers[0])
}

func TestDetail_NotFound(t *testing.T) {
	r := NewReader(store.NewMemoryStore())
	_, err := r.Detail(context.Background(), uuid.New(), store.EventFilter{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListGroups_RejectsUnknownState(t *testing.T) {
	r := NewReader(store.NewMemoryStore())
	_, _, err := r.ListGroups(context.Background(), store.GroupFilter{State: "sleeping"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestListGroups_MostRecentFirst(t *testing.T) {
	s := store.NewMemoryStore()
	older := seedGroup(t, s, "a.rb:1", "1")
	newer := seedGroup(t, s, "b.rb:1", "1", "2")
	r := NewReader(s)

	groups, total, err := r.ListGroups(context.Background(), store.GroupFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, groups, 2)
	assert.Equal(t, newer.ID, groups[0].ID)
	assert.Equal(t, older.ID, groups[1].ID)

	groups, _, err = r.ListGroups(context.Background(), store.GroupFilter{Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, older.ID, groups[0].ID)
}

func TestStats(t *testing.T) {
	s := store.NewMemoryStore()
	seedGroup(t, s, "a.rb:1", "1", "2")
	seedGroup(t, s, "b.rb:1", "1")
	r := NewReader(s)

	st, err := r.Stats(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, st.EventCounts, 2)
	assert.Equal(t, float64(2), st.EventCounts[0][1])
	assert.Equal(t, float64(1), st.EventCounts[1][1])
	assert.Equal(t, float64(2), st.GroupCounts[0][1])
	assert.Len(t, st.EventCountsSmoothed, 2)
}
