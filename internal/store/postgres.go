package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

const defaultLockTimeout = 30 * time.Second

const groupColumns = `g.id, g.error_class, g.key_line, g.language, g.message_fingerprint, g.state,
	g.popularity, g.latest_event_at, g.last_notified_at, g.created_at, g.updated_at`

const eventColumns = `e.id, e.message, e.error_class, e.backtrace, e.app_name, e.app_env, e.language,
	e.app_user, e.request_headers, e.sidekiq_msg, e.captured_at, e.created_at`

const openStatesSQL = `('active', 'acknowledged')`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// PostgresOption customises a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithLockTimeout bounds how long WithGroupLock waits for a held lock.
func WithLockTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{pool: pool, lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*models.Group, error) {
	var g models.Group
	var state string
	if err := row.Scan(&g.ID, &g.ErrorClass, &g.KeyLine, &g.Language, &g.MessageFingerprint, &state,
		&g.Popularity, &g.LatestEventAt, &g.LastNotifiedAt, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.State = models.GroupState(state)
	return &g, nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var e models.Event
	if err := row.Scan(&e.ID, &e.Message, &e.ErrorClass, &e.Backtrace, &e.AppName, &e.AppEnv, &e.Language,
		&e.AppUser, &e.RequestHeaders, &e.JobRetry, &e.CapturedAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectGroups(rows pgx.Rows) ([]*models.Group, error) {
	defer rows.Close()
	var groups []*models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]*models.Event, error) {
	defer rows.Close()
	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func collectDaily(rows pgx.Rows) ([]DailyCount, error) {
	defer rows.Close()
	var out []DailyCount
	for rows.Next() {
		var d DailyCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		d.Day = d.Day.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// whereBuilder accumulates AND conditions with positional arguments.
type whereBuilder struct {
	conditions []string
	args       []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conditions = append(w.conditions, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) raw(cond string) {
	w.conditions = append(w.conditions, cond)
}

func (w *whereBuilder) next() int {
	return len(w.args) + 1
}

func (w *whereBuilder) sql() string {
	if len(w.conditions) == 0 {
		return "TRUE"
	}
	return strings.Join(w.conditions, " AND ")
}

func (w *whereBuilder) eventFilter(f EventFilter) {
	if f.AppName != "" {
		w.add("e.app_name = $%d", f.AppName)
	}
	if f.AppEnv != "" {
		w.add("e.app_env = $%d", f.AppEnv)
	}
	if f.Language != "" {
		w.add("e.language = $%d", f.Language)
	}
}

// --- Events ---

func (s *PostgresStore) CreateEvent(ctx context.Context, event *models.Event) error {
	backtrace := event.Backtrace
	if backtrace == nil {
		backtrace = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, message, error_class, backtrace, app_name, app_env, language,
		   app_user, request_headers, sidekiq_msg, captured_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID, event.Message, event.ErrorClass, backtrace, event.AppName, event.AppEnv, event.Language,
		event.AppUser, event.RequestHeaders, event.JobRetry, event.CapturedAt, event.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events e WHERE e.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) FirstEventAt(ctx context.Context) (time.Time, bool, error) {
	var first *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MIN(created_at) FROM events`).Scan(&first); err != nil {
		return time.Time{}, false, fmt.Errorf("first event at: %w", err)
	}
	if first == nil {
		return time.Time{}, false, nil
	}
	return first.UTC(), true, nil
}

func (s *PostgresStore) LatestGroupEvent(ctx context.Context, groupID uuid.UUID) (*models.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events e
		 JOIN memberships m ON m.event_id = e.id
		 WHERE m.group_id = $1
		 ORDER BY e.captured_at DESC, e.created_at DESC LIMIT 1`, groupID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest group event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListGroupEvents(ctx context.Context, groupID uuid.UUID, filter EventFilter, limit int) ([]*models.Event, error) {
	w := &whereBuilder{}
	w.add("m.group_id = $%d", groupID)
	w.eventFilter(filter)
	if limit <= 0 {
		limit = defaultPageLimit
	}
	query := fmt.Sprintf(
		`SELECT %s FROM events e JOIN memberships m ON m.event_id = e.id
		 WHERE %s ORDER BY e.created_at DESC LIMIT $%d`, eventColumns, w.sql(), w.next())
	rows, err := s.pool.Query(ctx, query, append(w.args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list group events: %w", err)
	}
	return collectEvents(rows)
}

func (s *PostgresStore) HasGroupEventsSince(ctx context.Context, groupID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM events e JOIN memberships m ON m.event_id = e.id
		   WHERE m.group_id = $1 AND e.created_at > $2)`, groupID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("group events since: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CountEvents(ctx context.Context, filter EventCountFilter) (int, error) {
	w := &whereBuilder{}
	w.add("e.created_at >= $%d", filter.Since)
	if filter.Language != "" {
		w.add("e.language = $%d", filter.Language)
	}
	if filter.OpenOnly {
		w.raw(`EXISTS (SELECT 1 FROM memberships m JOIN error_groups g ON g.id = m.group_id
		        WHERE m.event_id = e.id AND g.state IN ` + openStatesSQL + `)`)
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events e WHERE `+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) groupStrings(ctx context.Context, column string, groupID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT e.%s FROM events e JOIN memberships m ON m.event_id = e.id
		 WHERE m.group_id = $1 ORDER BY 1`, column), groupID)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", column, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan group %s: %w", column, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GroupAppEnvs(ctx context.Context, groupID uuid.UUID) ([]string, error) {
	return s.groupStrings(ctx, "app_env", groupID)
}

func (s *PostgresStore) GroupLanguages(ctx context.Context, groupID uuid.UUID) ([]string, error) {
	return s.groupStrings(ctx, "language", groupID)
}

func (s *PostgresStore) GroupAppUserStats(ctx context.Context, groupID uuid.UUID, key string, limit int) ([]models.AppUserCount, int, error) {
	var distinct int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT e.app_user ->> $2) FROM events e
		 JOIN memberships m ON m.event_id = e.id WHERE m.group_id = $1`, groupID, key).Scan(&distinct)
	if err != nil {
		return nil, 0, fmt.Errorf("count app users: %w", err)
	}

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT e.app_user ->> $2 AS app_user_key, COUNT(*) FROM events e
		 JOIN memberships m ON m.event_id = e.id
		 WHERE m.group_id = $1 AND e.app_user ->> $2 IS NOT NULL
		 GROUP BY app_user_key ORDER BY COUNT(*) DESC, app_user_key LIMIT $3`, groupID, key, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("app user stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AppUserCount
	for rows.Next() {
		var c models.AppUserCount
		if err := rows.Scan(&c.User, &c.Count); err != nil {
			return nil, 0, fmt.Errorf("scan app user stats: %w", err)
		}
		stats = append(stats, c)
	}
	return stats, distinct, rows.Err()
}

func (s *PostgresStore) DailyGroupEventCounts(ctx context.Context, groupID uuid.UUID, filter EventFilter) ([]DailyCount, error) {
	w := &whereBuilder{}
	w.add("m.group_id = $%d", groupID)
	w.eventFilter(filter)
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', e.created_at AT TIME ZONE 'UTC') AS day, COUNT(*)
		 FROM events e JOIN memberships m ON m.event_id = e.id
		 WHERE `+w.sql()+` GROUP BY day ORDER BY day`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("daily group event counts: %w", err)
	}
	return collectDaily(rows)
}

func (s *PostgresStore) DailyEventCounts(ctx context.Context, filter EventFilter) ([]DailyCount, error) {
	w := &whereBuilder{}
	w.eventFilter(filter)
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', e.created_at AT TIME ZONE 'UTC') AS day, COUNT(*)
		 FROM events e WHERE `+w.sql()+` GROUP BY day ORDER BY day`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("daily event counts: %w", err)
	}
	return collectDaily(rows)
}

func (s *PostgresStore) DailyGroupCounts(ctx context.Context, filter EventFilter) ([]DailyCount, error) {
	w := &whereBuilder{}
	w.eventFilter(filter)
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', e.created_at AT TIME ZONE 'UTC') AS day, COUNT(DISTINCT m.group_id)
		 FROM events e JOIN memberships m ON m.event_id = e.id
		 WHERE `+w.sql()+` GROUP BY day ORDER BY day`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("daily group counts: %w", err)
	}
	return collectDaily(rows)
}

// --- Groups ---

// FindOrCreateOpenGroup returns the open group for seed's signature, inserting
// seed when none exists. The partial unique index on (error_class, key_line)
// over open states serialises concurrent inserts for the same signature.
func (s *PostgresStore) FindOrCreateOpenGroup(ctx context.Context, seed *models.Group) (*models.Group, bool, error) {
	created, err := scanGroup(s.pool.QueryRow(ctx,
		`INSERT INTO error_groups AS g (id, error_class, key_line, language, message_fingerprint, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (error_class, key_line) WHERE state IN `+openStatesSQL+` DO NOTHING
		 RETURNING `+groupColumns,
		seed.ID, seed.ErrorClass, seed.KeyLine, seed.Language, seed.MessageFingerprint,
		string(models.GroupStateActive), seed.CreatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert group: %w", err)
	}

	existing, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM error_groups g
		 WHERE g.error_class = $1 AND g.key_line = $2 AND g.state IN `+openStatesSQL,
		seed.ErrorClass, seed.KeyLine))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrConflict
	}
	if err != nil {
		return nil, false, fmt.Errorf("find open group: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) FindOpenGroupsBySelector(ctx context.Context, language, fingerprint string) ([]*models.Group, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM error_groups g
		 WHERE g.language = $1 AND g.message_fingerprint = $2 AND g.state IN `+openStatesSQL+`
		 ORDER BY g.created_at`, language, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("find groups by selector: %w", err)
	}
	return collectGroups(rows)
}

func (s *PostgresStore) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM error_groups g WHERE g.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, filter GroupFilter) ([]*models.Group, int, error) {
	w := &whereBuilder{}
	w.add("g.state = ANY($%d)", filterStates(filter.State))

	if filter.AppName != "" || filter.AppEnv != "" || filter.Language != "" {
		inner := &whereBuilder{args: w.args}
		inner.raw("m.group_id = g.id")
		inner.eventFilter(EventFilter{AppName: filter.AppName, AppEnv: filter.AppEnv, Language: filter.Language})
		w.args = inner.args
		w.raw(`EXISTS (SELECT 1 FROM memberships m JOIN events e ON e.id = m.event_id WHERE ` + inner.sql() + `)`)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM error_groups g WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count groups: %w", err)
	}

	limit, offset := normalizePage(filter.Page, filter.Limit)
	order := "g.latest_event_at DESC NULLS LAST, g.id DESC"
	if filter.Ascending {
		order = "g.latest_event_at ASC NULLS FIRST, g.id ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM error_groups g WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		groupColumns, w.sql(), order, w.next(), w.next()+1)

	rows, err := s.pool.Query(ctx, query, append(w.args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list groups: %w", err)
	}
	groups, err := collectGroups(rows)
	if err != nil {
		return nil, 0, err
	}
	return groups, total, nil
}

func (s *PostgresStore) ListGroupIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM error_groups ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list group ids: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// lockGroupRow holds the group's row lock until tx ends. Attach and rescore
// both take it, so they serialise per group.
func lockGroupRow(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var locked uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM error_groups WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock group: %w", err)
	}
	return nil
}

// AttachEvent links eventID to the group and upvotes it in one transaction.
// It reports false, leaving the score alone, when the link already exists.
func (s *PostgresStore) AttachEvent(ctx context.Context, groupID, eventID uuid.UUID, addin float64, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin attach: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockGroupRow(ctx, tx, groupID); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO memberships (event_id, group_id, state, created_at)
		 VALUES ($1, $2, 'open', NOW())
		 ON CONFLICT (event_id, group_id) DO NOTHING`, eventID, groupID)
	if err != nil {
		if isForeignKeyError(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("add membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE error_groups
		 SET popularity = COALESCE(popularity, $4) + $2,
		     latest_event_at = $3,
		     updated_at = NOW()
		 WHERE id = $1`, groupID, addin, at, models.InitialPopularity)
	if err != nil {
		return false, fmt.Errorf("upvote group: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit attach: %w", err)
	}
	return true, nil
}

// RescoreGroup recomputes the group's score under its row lock.
func (s *PostgresStore) RescoreGroup(ctx context.Context, groupID uuid.UUID, score ScoreFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rescore: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockGroupRow(ctx, tx, groupID); err != nil {
		return err
	}
	rows, err := tx.Query(ctx,
		`SELECT e.created_at FROM events e JOIN memberships m ON m.event_id = e.id
		 WHERE m.group_id = $1 AND m.state <> 'resolved'
		 ORDER BY e.created_at, e.id`, groupID)
	if err != nil {
		return fmt.Errorf("list scored event times: %w", err)
	}
	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return fmt.Errorf("scan event time: %w", err)
		}
		times = append(times, t.UTC())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list scored event times: %w", err)
	}

	popularity, latest := score(times)
	if _, err := tx.Exec(ctx,
		`UPDATE error_groups SET popularity = $2, latest_event_at = $3, updated_at = NOW() WHERE id = $1`,
		groupID, popularity, latest); err != nil {
		return fmt.Errorf("set group score: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rescore: %w", err)
	}
	return nil
}

// UpdateGroupState applies change under a row lock and records the transition
// in the same transaction.
func (s *PostgresStore) UpdateGroupState(ctx context.Context, id uuid.UUID, change StateChange) (*models.Group, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin state change: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT state FROM error_groups WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock group state: %w", err)
	}

	from := models.GroupState(current)
	to, err := change.Next(from)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := scanGroup(tx.QueryRow(ctx,
		`UPDATE error_groups AS g SET state = $2, updated_at = $3 WHERE g.id = $1 RETURNING `+groupColumns,
		id, string(to), now))
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("update group state: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO group_transitions (id, group_id, event, from_state, to_state, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), id, change.Event, string(from), string(to), change.Actor, now)
	if err != nil {
		return nil, fmt.Errorf("record transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("commit state change: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ListTransitions(ctx context.Context, groupID uuid.UUID) ([]*models.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_id, event, from_state, to_state, actor, created_at
		 FROM group_transitions WHERE group_id = $1 ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	var out []*models.Transition
	for rows.Next() {
		var t models.Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Event, &from, &to, &t.Actor, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.FromState, t.ToState = models.GroupState(from), models.GroupState(to)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkGroupNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_groups SET last_notified_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark group notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WithGroupLock runs fn while holding a transaction-scoped advisory lock keyed
// by the group ID. The lock is released on commit, rollback, or when the
// session dies, so a crashed worker never leaves it behind.
func (s *PostgresStore) WithGroupLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin group lock: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id.String()); err != nil {
		if isLockNotAvailable(err) {
			return ErrLockTimeout
		}
		return fmt.Errorf("acquire group lock: %w", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Memberships ---

func (s *PostgresStore) SetMembershipState(ctx context.Context, groupID, eventID uuid.UUID, state models.MembershipState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memberships SET state = $3 WHERE group_id = $1 AND event_id = $2`,
		groupID, eventID, string(state))
	if err != nil {
		return fmt.Errorf("set membership state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Notes & Watchers ---

func (s *PostgresStore) CreateNote(ctx context.Context, note *models.Note) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notes (id, group_id, author, body, created_at) VALUES ($1, $2, $3, $4, $5)`,
		note.ID, note.GroupID, note.Author, note.Body, note.CreatedAt)
	if err != nil {
		return fmt.Errorf("create note: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, groupID uuid.UUID) ([]*models.Note, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_id, author, body, created_at FROM notes WHERE group_id = $1 ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()
	var out []*models.Note
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.ID, &n.GroupID, &n.Author, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateWatcher(ctx context.Context, watcher *models.Watcher) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watchers (id, name, email, global, created_at) VALUES ($1, $2, $3, $4, $5)`,
		watcher.ID, watcher.Name, watcher.Email, watcher.Global, watcher.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create watcher: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddGroupWatcher(ctx context.Context, groupID, watcherID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO group_watchers (group_id, watcher_id) VALUES ($1, $2)
		 ON CONFLICT (group_id, watcher_id) DO NOTHING`, groupID, watcherID)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("add group watcher: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGroupWatchers(ctx context.Context, groupID uuid.UUID) ([]*models.Watcher, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT w.id, w.name, w.email, w.global, w.created_at FROM watchers w
		 WHERE w.global OR EXISTS (
		   SELECT 1 FROM group_watchers gw WHERE gw.watcher_id = w.id AND gw.group_id = $1)
		 ORDER BY w.created_at, w.id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group watchers: %w", err)
	}
	defer rows.Close()
	var out []*models.Watcher
	for rows.Next() {
		var w models.Watcher
		if err := rows.Scan(&w.ID, &w.Name, &w.Email, &w.Global, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	return pgErrorCode(err) == "23505" // unique_violation
}

func isForeignKeyError(err error) bool {
	return pgErrorCode(err) == "23503" // foreign_key_violation
}

func isLockNotAvailable(err error) bool {
	return pgErrorCode(err) == "55P03" // lock_not_available
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
