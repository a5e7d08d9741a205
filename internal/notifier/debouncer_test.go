package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var testPolicy = Policy{
	Debounce:             60 * time.Minute,
	AcknowledgedDebounce: 60 * time.Minute,
	JobRetryGrace:        10 * time.Minute,
	ExcludedEnvs:         []string{"honeypot"},
	NoisyLanguages:       []string{"javascript"},
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []models.Notification
	fail map[string]bool
}

func (d *recordingDeliverer) Deliver(_ context.Context, n models.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[n.Email] {
		return errors.New("smtp: connection refused")
	}
	d.sent = append(d.sent, n)
	return nil
}

// countingStore overrides event volume counts so noise rules can be exercised
// without storing thousands of events.
type countingStore struct {
	*store.MemoryStore
	baseline int
	recent   int
}

func (s *countingStore) CountEvents(_ context.Context, filter store.EventCountFilter) (int, error) {
	if filter.Since.Before(testNow.Add(-48 * time.Hour)) {
		return s.baseline, nil
	}
	return s.recent, nil
}

type fixture struct {
	store     store.Store
	mem       *store.MemoryStore
	deliverer *recordingDeliverer
	debouncer *Debouncer
	group     *models.Group
}

func newFixture(t *testing.T, s store.Store, mem *store.MemoryStore, language string) *fixture {
	t.Helper()
	ctx := context.Background()
	d := &recordingDeliverer{fail: map[string]bool{}}
	deb := NewDebouncer(s, d, testPolicy)
	deb.now = func() time.Time { return testNow }

	g, _, err := mem.FindOrCreateOpenGroup(ctx, &models.Group{
		ID:         uuid.New(),
		ErrorClass: "NoMethodError",
		KeyLine:    "app/models/invoice.rb:42",
		Language:   language,
		CreatedAt:  testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, mem.CreateWatcher(ctx, &models.Watcher{ID: uuid.New(), Name: "Ops", Email: "ops@example.com", Global: true, CreatedAt: testNow}))

	return &fixture{store: s, mem: mem, deliverer: d, debouncer: deb, group: g}
}

func newMemoryFixture(t *testing.T) *fixture {
	mem := store.NewMemoryStore()
	return newFixture(t, mem, mem, "ruby")
}

func (f *fixture) addEvent(t *testing.T, createdAt time.Time, mutate ...func(*models.Event)) *models.Event {
	t.Helper()
	ctx := context.Background()
	e := &models.Event{
		ID:         uuid.New(),
		ErrorClass: f.group.ErrorClass,
		Message:    "undefined method",
		AppName:    "billing-api",
		AppEnv:     "production",
		Language:   f.group.Language,
		CapturedAt: createdAt,
		CreatedAt:  createdAt,
	}
	for _, m := range mutate {
		m(e)
	}
	require.NoError(t, f.mem.CreateEvent(ctx, e))
	f.attach(t, f.group.ID, e)
	return e
}

func (f *fixture) attach(t *testing.T, groupID uuid.UUID, e *models.Event) {
	t.Helper()
	_, err := f.mem.AttachEvent(context.Background(), groupID, e.ID, 0, e.CreatedAt)
	require.NoError(t, err)
}

func TestEvaluate_FirstNotificationSends(t *testing.T) {
	f := newMemoryFixture(t)
	f.addEvent(t, testNow.Add(-time.Minute))

	d, err := f.debouncer.Evaluate(context.Background(), f.group.ID)
	require.NoError(t, err)
	assert.True(t, d.Send)
	assert.Equal(t, ReasonSend, d.Reason)

	require.Len(t, f.deliverer.sent, 1)
	assert.Equal(t, "ops@example.com", f.deliverer.sent[0].Email)
	assert.Equal(t, f.group.ID.String(), f.deliverer.sent[0].GroupID)

	g, err := f.store.GetGroup(context.Background(), f.group.ID)
	require.NoError(t, err)
	require.NotNil(t, g.LastNotifiedAt)
	assert.Equal(t, testNow, *g.LastNotifiedAt)
}

func TestEvaluate_DebounceWindow(t *testing.T) {
	tests := []struct {
		name      string
		notified  time.Duration
		wantSend  bool
		wantCheck time.Time
	}{
		{name: "30 minutes ago", notified: 30 * time.Minute, wantSend: false, wantCheck: testNow.Add(30 * time.Minute)},
		{name: "61 minutes ago", notified: 61 * time.Minute, wantSend: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t)
			ctx := context.Background()
			last := testNow.Add(-tt.notified)
			f.addEvent(t, last.Add(-time.Minute))
			require.NoError(t, f.mem.MarkGroupNotified(ctx, f.group.ID, last))
			f.addEvent(t, last.Add(time.Minute))

			d, err := f.debouncer.Evaluate(ctx, f.group.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSend, d.Send)
			assert.Equal(t, tt.wantCheck, d.RecheckAt)
			if !tt.wantSend {
				assert.Equal(t, ReasonDebounced, d.Reason)
				assert.Empty(t, f.deliverer.sent)
			}
		})
	}
}

func TestEvaluate_NoNewEventsSinceNotification(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.addEvent(t, testNow.Add(-3*time.Hour))
	require.NoError(t, f.mem.MarkGroupNotified(ctx, f.group.ID, testNow.Add(-2*time.Hour)))

	d, err := f.debouncer.Evaluate(ctx, f.group.ID)
	require.NoError(t, err)
	assert.False(t, d.Send)
	assert.Equal(t, ReasonNoNewEvents, d.Reason)
}

func TestEvaluate_JobRetryGrace(t *testing.T) {
	enqueued := float64(testNow.Add(-time.Minute).Unix())
	tests := []struct {
		name     string
		retry    any
		wantSend bool
	}{
		{name: "job will retry", retry: true, wantSend: false},
		{name: "retry count", retry: "3", wantSend: false},
		{name: "job will not retry", retry: false, wantSend: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t)
			f.addEvent(t, testNow.Add(-time.Minute), func(e *models.Event) {
				e.JobRetry = &models.JobRetry{Retry: tt.retry, EnqueuedAt: enqueued, JobClass: "InvoiceJob"}
			})

			d, err := f.debouncer.Evaluate(context.Background(), f.group.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSend, d.Send)
			if !tt.wantSend {
				assert.Equal(t, ReasonJobRetryGrace, d.Reason)
				assert.Equal(t, testNow.Add(9*time.Minute), d.RecheckAt.UTC())
			}
		})
	}
}

func TestEvaluate_JobRetryGraceElapsed(t *testing.T) {
	f := newMemoryFixture(t)
	notifyAfter := 60.0
	f.addEvent(t, testNow.Add(-time.Minute), func(e *models.Event) {
		e.JobRetry = &models.JobRetry{Retry: true, EnqueuedAt: float64(testNow.Add(-2 * time.Minute).Unix()), NotifyAfter: &notifyAfter}
	})

	d, err := f.debouncer.Evaluate(context.Background(), f.group.ID)
	require.NoError(t, err)
	assert.True(t, d.Send)
}

func TestEvaluate_ExcludedEnv(t *testing.T) {
	f := newMemoryFixture(t)
	f.addEvent(t, testNow.Add(-time.Minute))
	f.addEvent(t, testNow.Add(-time.Minute), func(e *models.Event) { e.AppEnv = "honeypot" })

	d, err := f.debouncer.Evaluate(context.Background(), f.group.ID)
	require.NoError(t, err)
	assert.False(t, d.Send)
	assert.Equal(t, ReasonExcludedEnv, d.Reason)
}

func TestEvaluate_NoisyLanguage(t *testing.T) {
	tests := []struct {
		name     string
		recent   int
		wantSend bool
	}{
		{name: "quiet day is suppressed", recent: 15, wantSend: false},
		{name: "spike is sent", recent: 500, wantSend: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			s := &countingStore{MemoryStore: mem, baseline: 5760, recent: tt.recent}
			f := newFixture(t, s, mem, "javascript")
			f.addEvent(t, testNow.Add(-time.Minute))

			d, err := f.debouncer.Evaluate(context.Background(), f.group.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSend, d.Send)
			if !tt.wantSend {
				assert.Equal(t, ReasonNoisyLanguage, d.Reason)
			}
		})
	}
}

func TestEvaluate_NoisyAcknowledged(t *testing.T) {
	mem := store.NewMemoryStore()
	s := &countingStore{MemoryStore: mem, baseline: 5760, recent: 15}
	f := newFixture(t, s, mem, "ruby")
	f.addEvent(t, testNow.Add(-time.Minute))
	_, err := mem.UpdateGroupState(context.Background(), f.group.ID, store.StateChange{
		Event: "acknowledge",
		Actor: "alice",
		Next:  func(models.GroupState) (models.GroupState, error) { return models.GroupStateAcknowledged, nil },
	})
	require.NoError(t, err)

	d, err := f.debouncer.Evaluate(context.Background(), f.group.ID)
	require.NoError(t, err)
	assert.False(t, d.Send)
	assert.Equal(t, ReasonNoisyAcknowledged, d.Reason)
}

func setState(t *testing.T, mem *store.MemoryStore, groupID uuid.UUID, state models.GroupState) {
	t.Helper()
	_, err := mem.UpdateGroupState(context.Background(), groupID, store.StateChange{
		Event: "test",
		Actor: "alice",
		Next:  func(models.GroupState) (models.GroupState, error) { return state, nil },
	})
	require.NoError(t, err)
}

// addSiblingGroup stores a second group of the same language and class with
// n events created at createdAt.
func (f *fixture) addSiblingGroup(t *testing.T, n int, createdAt time.Time) *models.Group {
	t.Helper()
	ctx := context.Background()
	g, _, err := f.mem.FindOrCreateOpenGroup(ctx, &models.Group{
		ID:         uuid.New(),
		ErrorClass: f.group.ErrorClass,
		KeyLine:    "app/models/payment.rb:7",
		Language:   f.group.Language,
		CreatedAt:  createdAt,
	})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		e := &models.Event{
			ID:         uuid.New(),
			ErrorClass: f.group.ErrorClass,
			AppName:    "billing-api",
			AppEnv:     "production",
			Language:   f.group.Language,
			CapturedAt: createdAt,
			CreatedAt:  createdAt,
		}
		require.NoError(t, f.mem.CreateEvent(ctx, e))
		f.attach(t, g.ID, e)
	}
	return g
}

func TestEvaluate_AcknowledgedNoiseCountsOpenEventsOnly(t *testing.T) {
	tests := []struct {
		name         string
		siblingState models.GroupState
		wantSend     bool
		wantReason   string
	}{
		{"resolved history ignored", models.GroupStateResolved, true, ReasonSend},
		{"open history counted", models.GroupStateActive, false, ReasonNoisyAcknowledged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t)
			f.addEvent(t, testNow.Add(-time.Minute))
			setState(t, f.mem, f.group.ID, models.GroupStateAcknowledged)

			sibling := f.addSiblingGroup(t, 48, testNow.Add(-72*time.Hour))
			if tt.siblingState != models.GroupStateActive {
				setState(t, f.mem, sibling.ID, tt.siblingState)
			}

			d, err := f.debouncer.Evaluate(context.Background(), f.group.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSend, d.Send)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestEvaluate_AcknowledgedNoiseSpansErrorClasses(t *testing.T) {
	f := newMemoryFixture(t)
	f.addEvent(t, testNow.Add(-time.Minute))
	setState(t, f.mem, f.group.ID, models.GroupStateAcknowledged)

	ctx := context.Background()
	other, _, err := f.mem.FindOrCreateOpenGroup(ctx, &models.Group{
		ID: uuid.New(), ErrorClass: "ArgumentError", KeyLine: "lib/parse.rb:3", Language: "ruby", CreatedAt: testNow,
	})
	require.NoError(t, err)
	for i := 0; i < 48; i++ {
		e := &models.Event{
			ID: uuid.New(), ErrorClass: "ArgumentError", AppName: "billing-api", AppEnv: "production",
			Language: "ruby", CapturedAt: testNow.Add(-72 * time.Hour), CreatedAt: testNow.Add(-72 * time.Hour),
		}
		require.NoError(t, f.mem.CreateEvent(ctx, e))
		f.attach(t, other.ID, e)
	}

	d, err := f.debouncer.Evaluate(ctx, f.group.ID)
	require.NoError(t, err)
	assert.False(t, d.Send)
	assert.Equal(t, ReasonNoisyAcknowledged, d.Reason)
}

func TestEvaluate_ResolvedGroup(t *testing.T) {
	f := newMemoryFixture(t)
	f.addEvent(t, testNow.Add(-time.Minute))
	_, err := f.mem.UpdateGroupState(context.Background(), f.group.ID, store.StateChange{
		Event: "resolve",
		Next:  func(models.GroupState) (models.GroupState, error) { return models.GroupStateResolved, nil },
	})
	require.NoError(t, err)

	d, err := f.debouncer.Evaluate(context.Background(), f.group.ID)
	require.NoError(t, err)
	assert.False(t, d.Send)
	assert.Equal(t, ReasonNotOpen, d.Reason)
}

func TestEvaluate_DeliveryFailureReleasesLock(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.mem.SetLockTimeout(100 * time.Millisecond)
	f.addEvent(t, testNow.Add(-time.Minute))
	f.deliverer.fail["ops@example.com"] = true

	d, err := f.debouncer.Evaluate(ctx, f.group.ID)
	require.Error(t, err)
	assert.True(t, d.Send)
	assert.ErrorIs(t, err, ErrDeliveryFailure)
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "ops@example.com", de.Watcher)

	g, err := f.store.GetGroup(ctx, f.group.ID)
	require.NoError(t, err)
	assert.Nil(t, g.LastNotifiedAt)

	err = f.mem.WithGroupLock(ctx, f.group.ID, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestEvaluate_PartialDeliveryFailureMarksNotified(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.CreateWatcher(ctx, &models.Watcher{ID: uuid.New(), Name: "Dev", Email: "dev@example.com", Global: true, CreatedAt: testNow.Add(time.Second)}))
	f.addEvent(t, testNow.Add(-time.Minute))
	f.deliverer.fail["dev@example.com"] = true

	_, err := f.debouncer.Evaluate(ctx, f.group.ID)
	assert.ErrorIs(t, err, ErrDeliveryFailure)
	require.Len(t, f.deliverer.sent, 1)

	g, err := f.store.GetGroup(ctx, f.group.ID)
	require.NoError(t, err)
	assert.NotNil(t, g.LastNotifiedAt)
}

func TestEvaluate_LockTimeout(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.mem.SetLockTimeout(50 * time.Millisecond)
	f.addEvent(t, testNow.Add(-time.Minute))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.mem.WithGroupLock(ctx, f.group.ID, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err := f.debouncer.Evaluate(ctx, f.group.ID)
	assert.ErrorIs(t, err, store.ErrLockTimeout)
	assert.Empty(t, f.deliverer.sent)
}

func TestNoisy(t *testing.T) {
	assert.True(t, noisy(5760, 15))
	assert.False(t, noisy(5760, 500))
	assert.False(t, noisy(0, 0))
	assert.False(t, noisy(23, 0))
}
