package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/cache"
	"github.com/redis/go-redis/v9"
)

const (
	defaultClaimBatch   = 100
	defaultPollInterval = time.Second
)

// claimScript atomically pops every member due at ARGV[1] (unix ms), up to
// ARGV[2] members, so each job is claimed by exactly one poller.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
end
return due
`)

// RedisScheduler keeps pending jobs in a sorted set scored by fire time, so
// they survive restarts and are shared across instances.
type RedisScheduler struct {
	client *redis.Client
	key    string
	poll   time.Duration
	batch  int
	now    func() time.Time
}

// NewRedisScheduler creates a RedisScheduler polling every poll interval.
func NewRedisScheduler(client *redis.Client, poll time.Duration) *RedisScheduler {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &RedisScheduler{
		client: client,
		key:    cache.PendingNotificationsKey(),
		poll:   poll,
		batch:  defaultClaimBatch,
		now:    time.Now,
	}
}

func (s *RedisScheduler) Schedule(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	err := s.client.ZAddLT(ctx, s.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: groupID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule group %s: %w", groupID, err)
	}
	jobsScheduled.WithLabelValues("redis").Inc()
	return nil
}

// Pending returns the fire time of groupID's pending job.
func (s *RedisScheduler) Pending(ctx context.Context, groupID uuid.UUID) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, s.key, groupID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// Claim removes and returns the groups whose jobs are due.
func (s *RedisScheduler) Claim(ctx context.Context) ([]uuid.UUID, error) {
	members, err := claimScript.Run(ctx, s.client, []string{s.key}, s.now().UnixMilli(), s.batch).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			slog.Warn("dropping malformed pending job", "member", m, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisScheduler) Run(ctx context.Context, due func(ctx context.Context, groupID uuid.UUID)) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		ids, err := s.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("scheduler poll failed", "error", err)
			continue
		}
		for _, id := range ids {
			jobsDue.WithLabelValues("redis").Inc()
			due(ctx, id)
		}
	}
}
