package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// MemoryStore keeps all data in process memory. It is meant for single-instance
// deployments and tests; every method is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[uuid.UUID]*models.Event
	eventOrder  []uuid.UUID
	groups      map[uuid.UUID]*models.Group
	memberships map[uuid.UUID]map[uuid.UUID]*models.Membership // group -> event -> membership
	transitions map[uuid.UUID][]*models.Transition
	notes       map[uuid.UUID][]*models.Note
	watchers    map[uuid.UUID]*models.Watcher
	groupWatch  map[uuid.UUID]map[uuid.UUID]bool

	locks       *keyedLock
	lockTimeout time.Duration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[uuid.UUID]*models.Event),
		groups:      make(map[uuid.UUID]*models.Group),
		memberships: make(map[uuid.UUID]map[uuid.UUID]*models.Membership),
		transitions: make(map[uuid.UUID][]*models.Transition),
		notes:       make(map[uuid.UUID][]*models.Note),
		watchers:    make(map[uuid.UUID]*models.Watcher),
		groupWatch:  make(map[uuid.UUID]map[uuid.UUID]bool),
		locks:       newKeyedLock(),
		lockTimeout: defaultLockTimeout,
	}
}

// SetLockTimeout bounds how long WithGroupLock waits for a held lock.
func (s *MemoryStore) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Events ---

func (s *MemoryStore) CreateEvent(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.ID]; ok {
		return ErrDuplicateKey
	}
	e := *event
	s.events[e.ID] = &e
	s.eventOrder = append(s.eventOrder, e.ID)
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) FirstEventAt(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first time.Time
	found := false
	for _, e := range s.events {
		if !found || e.CreatedAt.Before(first) {
			first, found = e.CreatedAt, true
		}
	}
	return first.UTC(), found, nil
}

// groupEventsLocked returns the group's events in insertion order. Caller holds mu.
func (s *MemoryStore) groupEventsLocked(groupID uuid.UUID) []*models.Event {
	members := s.memberships[groupID]
	var out []*models.Event
	for _, id := range s.eventOrder {
		if _, ok := members[id]; ok {
			out = append(out, s.events[id])
		}
	}
	return out
}

func (s *MemoryStore) LatestGroupEvent(_ context.Context, groupID uuid.UUID) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Event
	for _, e := range s.groupEventsLocked(groupID) {
		if latest == nil || !e.CapturedAt.Before(latest.CapturedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (s *MemoryStore) ListGroupEvents(_ context.Context, groupID uuid.UUID, filter EventFilter, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = defaultPageLimit
	}
	events := s.groupEventsLocked(groupID)
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	var out []*models.Event
	for _, e := range events {
		if !matchesEventFilter(e, filter) {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) HasGroupEventsSince(_ context.Context, groupID uuid.UUID, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.groupEventsLocked(groupID) {
		if e.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CountEvents(_ context.Context, filter EventCountFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.CreatedAt.Before(filter.Since) {
			continue
		}
		if filter.Language != "" && e.Language != filter.Language {
			continue
		}
		if filter.OpenOnly && !s.inOpenGroupLocked(e.ID) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) inOpenGroupLocked(eventID uuid.UUID) bool {
	for groupID, members := range s.memberships {
		if _, ok := members[eventID]; ok && s.groups[groupID].IsOpen() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) groupStrings(groupID uuid.UUID, pick func(*models.Event) string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.groupEventsLocked(groupID) {
		v := pick(e)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) GroupAppEnvs(_ context.Context, groupID uuid.UUID) ([]string, error) {
	return s.groupStrings(groupID, func(e *models.Event) string { return e.AppEnv }), nil
}

func (s *MemoryStore) GroupLanguages(_ context.Context, groupID uuid.UUID) ([]string, error) {
	return s.groupStrings(groupID, func(e *models.Event) string { return e.Language }), nil
}

func (s *MemoryStore) GroupAppUserStats(_ context.Context, groupID uuid.UUID, key string, limit int) ([]models.AppUserCount, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	counts := make(map[string]int)
	for _, e := range s.groupEventsLocked(groupID) {
		if u, ok := e.AppUser[key]; ok {
			counts[u]++
		}
	}
	stats := make([]models.AppUserCount, 0, len(counts))
	for u, c := range counts {
		stats = append(stats, models.AppUserCount{User: u, Count: c})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].User < stats[j].User
	})
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, len(counts), nil
}

func (s *MemoryStore) DailyGroupEventCounts(_ context.Context, groupID uuid.UUID, filter EventFilter) ([]DailyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := make(map[time.Time]int)
	for _, e := range s.groupEventsLocked(groupID) {
		if matchesEventFilter(e, filter) {
			buckets[truncateDay(e.CreatedAt)]++
		}
	}
	return sortedDaily(buckets), nil
}

func (s *MemoryStore) DailyEventCounts(_ context.Context, filter EventFilter) ([]DailyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := make(map[time.Time]int)
	for _, e := range s.events {
		if matchesEventFilter(e, filter) {
			buckets[truncateDay(e.CreatedAt)]++
		}
	}
	return sortedDaily(buckets), nil
}

func (s *MemoryStore) DailyGroupCounts(_ context.Context, filter EventFilter) ([]DailyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perDay := make(map[time.Time]map[uuid.UUID]bool)
	for groupID, members := range s.memberships {
		for eventID := range members {
			e := s.events[eventID]
			if !matchesEventFilter(e, filter) {
				continue
			}
			day := truncateDay(e.CreatedAt)
			if perDay[day] == nil {
				perDay[day] = make(map[uuid.UUID]bool)
			}
			perDay[day][groupID] = true
		}
	}
	buckets := make(map[time.Time]int, len(perDay))
	for day, groups := range perDay {
		buckets[day] = len(groups)
	}
	return sortedDaily(buckets), nil
}

// --- Groups ---

func (s *MemoryStore) FindOrCreateOpenGroup(_ context.Context, seed *models.Group) (*models.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.IsOpen() && g.ErrorClass == seed.ErrorClass && g.KeyLine == seed.KeyLine {
			return g.Clone(), false, nil
		}
	}
	g := seed.Clone()
	g.State = models.GroupStateActive
	g.UpdatedAt = g.CreatedAt
	s.groups[g.ID] = g
	s.memberships[g.ID] = make(map[uuid.UUID]*models.Membership)
	return g.Clone(), true, nil
}

func (s *MemoryStore) FindOpenGroupsBySelector(_ context.Context, language, fingerprint string) ([]*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Group
	for _, g := range s.groups {
		if g.IsOpen() && g.Language == language && g.MessageFingerprint == fingerprint {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id uuid.UUID) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (s *MemoryStore) ListGroups(_ context.Context, filter GroupFilter) ([]*models.Group, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[models.GroupState]bool)
	for _, st := range filterStates(filter.State) {
		states[models.GroupState(st)] = true
	}
	ef := EventFilter{AppName: filter.AppName, AppEnv: filter.AppEnv, Language: filter.Language}
	needsEvent := ef != (EventFilter{})

	var matched []*models.Group
	for _, g := range s.groups {
		if !states[g.State] {
			continue
		}
		if needsEvent && !s.groupHasEventLocked(g.ID, ef) {
			continue
		}
		matched = append(matched, g)
	}

	sort.Slice(matched, func(i, j int) bool {
		less := latestLess(matched[i], matched[j])
		if filter.Ascending {
			return less
		}
		return latestLess(matched[j], matched[i])
	})

	total := len(matched)
	limit, offset := normalizePage(filter.Page, filter.Limit)
	if offset >= total {
		return []*models.Group{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*models.Group, 0, end-offset)
	for _, g := range matched[offset:end] {
		out = append(out, g.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) groupHasEventLocked(groupID uuid.UUID, filter EventFilter) bool {
	for eventID := range s.memberships[groupID] {
		if matchesEventFilter(s.events[eventID], filter) {
			return true
		}
	}
	return false
}

// latestLess orders by latest_event_at with unset values first, then by ID.
func latestLess(a, b *models.Group) bool {
	switch {
	case a.LatestEventAt == nil && b.LatestEventAt != nil:
		return true
	case a.LatestEventAt != nil && b.LatestEventAt == nil:
		return false
	case a.LatestEventAt != nil && !a.LatestEventAt.Equal(*b.LatestEventAt):
		return a.LatestEventAt.Before(*b.LatestEventAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func (s *MemoryStore) ListGroupIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]*models.Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.Before(groups[j].CreatedAt) })
	ids := make([]uuid.UUID, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	return ids, nil
}

// AttachEvent links eventID to the group and upvotes it in one critical
// section. It reports false, leaving the score alone, when already linked.
func (s *MemoryStore) AttachEvent(_ context.Context, groupID, eventID uuid.UUID, addin float64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return false, ErrNotFound
	}
	if _, ok := s.events[eventID]; !ok {
		return false, ErrNotFound
	}
	members := s.memberships[groupID]
	if _, exists := members[eventID]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	members[eventID] = &models.Membership{EventID: eventID, GroupID: groupID, State: models.MembershipStateOpen, CreatedAt: now}

	p := models.InitialPopularity
	if g.Popularity != nil {
		p = *g.Popularity
	}
	p += addin
	t := at
	g.Popularity = &p
	g.LatestEventAt = &t
	g.UpdatedAt = now
	return true, nil
}

// RescoreGroup recomputes the group's score while holding the store lock, so
// no attach can land between reading the events and writing the score.
func (s *MemoryStore) RescoreGroup(_ context.Context, groupID uuid.UUID, score ScoreFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	var times []time.Time
	for eventID, m := range s.memberships[groupID] {
		if m.State == models.MembershipStateResolved {
			continue
		}
		times = append(times, s.events[eventID].CreatedAt.UTC())
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	popularity, latest := score(times)
	g.Popularity, g.LatestEventAt = nil, nil
	if popularity != nil {
		p := *popularity
		g.Popularity = &p
	}
	if latest != nil {
		t := *latest
		g.LatestEventAt = &t
	}
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateGroupState(_ context.Context, id uuid.UUID, change StateChange) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	from := g.State
	to, err := change.Next(from)
	if err != nil {
		return nil, err
	}
	if to.IsOpen() && !from.IsOpen() {
		for _, other := range s.groups {
			if other.ID != g.ID && other.IsOpen() && other.ErrorClass == g.ErrorClass && other.KeyLine == g.KeyLine {
				return nil, ErrDuplicateKey
			}
		}
	}
	now := time.Now().UTC()
	g.State = to
	g.UpdatedAt = now
	s.transitions[id] = append(s.transitions[id], &models.Transition{
		ID:        uuid.New(),
		GroupID:   id,
		Event:     change.Event,
		FromState: from,
		ToState:   to,
		Actor:     change.Actor,
		CreatedAt: now,
	})
	return g.Clone(), nil
}

func (s *MemoryStore) ListTransitions(_ context.Context, groupID uuid.UUID) ([]*models.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Transition, 0, len(s.transitions[groupID]))
	for _, t := range s.transitions[groupID] {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) MarkGroupNotified(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	g.LastNotifiedAt = &t
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) WithGroupLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	release, err := s.locks.acquire(ctx, id, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// --- Memberships ---

func (s *MemoryStore) SetMembershipState(_ context.Context, groupID, eventID uuid.UUID, state models.MembershipState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[groupID][eventID]
	if !ok {
		return ErrNotFound
	}
	m.State = state
	return nil
}


// --- Notes & Watchers ---

func (s *MemoryStore) CreateNote(_ context.Context, note *models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[note.GroupID]; !ok {
		return ErrNotFound
	}
	n := *note
	s.notes[n.GroupID] = append(s.notes[n.GroupID], &n)
	return nil
}

func (s *MemoryStore) ListNotes(_ context.Context, groupID uuid.UUID) ([]*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Note, 0, len(s.notes[groupID]))
	for _, n := range s.notes[groupID] {
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) CreateWatcher(_ context.Context, watcher *models.Watcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		if w.Email == watcher.Email {
			return ErrDuplicateKey
		}
	}
	w := *watcher
	s.watchers[w.ID] = &w
	return nil
}

func (s *MemoryStore) AddGroupWatcher(_ context.Context, groupID, watcherID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.watchers[watcherID]; !ok {
		return ErrNotFound
	}
	if s.groupWatch[groupID] == nil {
		s.groupWatch[groupID] = make(map[uuid.UUID]bool)
	}
	s.groupWatch[groupID][watcherID] = true
	return nil
}

func (s *MemoryStore) ListGroupWatchers(_ context.Context, groupID uuid.UUID) ([]*models.Watcher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Watcher
	for _, w := range s.watchers {
		if w.Global || s.groupWatch[groupID][w.ID] {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchesEventFilter(e *models.Event, f EventFilter) bool {
	if f.AppName != "" && e.AppName != f.AppName {
		return false
	}
	if f.AppEnv != "" && e.AppEnv != f.AppEnv {
		return false
	}
	if f.Language != "" && e.Language != f.Language {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func sortedDaily(buckets map[time.Time]int) []DailyCount {
	out := make([]DailyCount, 0, len(buckets))
	for day, n := range buckets {
		out = append(out, DailyCount{Day: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

// keyedLock is a per-key mutex whose acquisition honours a context and a timeout.
type keyedLock struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*lockSlot
}

type lockSlot struct {
	ch      chan struct{}
	waiters int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[uuid.UUID]*lockSlot)}
}

func (k *keyedLock) acquire(ctx context.Context, key uuid.UUID, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.waiters++
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return func() { k.release(key, slot) }, nil
	case <-ctx.Done():
		k.forget(key, slot)
		return nil, ctx.Err()
	case <-timer.C:
		k.forget(key, slot)
		return nil, ErrLockTimeout
	}
}

func (k *keyedLock) release(key uuid.UUID, slot *lockSlot) {
	<-slot.ch
	k.forget(key, slot)
}

// forget drops the slot once nobody holds or waits on it.
func (k *keyedLock) forget(key uuid.UUID, slot *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.waiters--
	if slot.waiters == 0 {
		delete(k.slots, key)
	}
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
