package grouping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/errwatch/internal/cache"
)

// FallbackEpoch is used while no event has ever been recorded. It is never cached.
var FallbackEpoch = time.Date(2015, 10, 1, 0, 0, 0, 0, time.UTC)

// FirstEventSource reports the creation time of the earliest stored event.
type FirstEventSource interface {
	FirstEventAt(ctx context.Context) (time.Time, bool, error)
}

// EpochCache memoizes the scoring epoch in process and, when a shared cache is
// configured, across processes. The epoch only changes through Invalidate.
type EpochCache struct {
	source FirstEventSource
	shared cache.Cache

	mu    sync.RWMutex
	value time.Time
	known bool
}

// NewEpochCache creates an EpochCache. shared may be nil.
func NewEpochCache(source FirstEventSource, shared cache.Cache) *EpochCache {
	return &EpochCache{source: source, shared: shared}
}

// Epoch returns the creation time of the first event ever stored, or
// FallbackEpoch when there is none yet.
func (c *EpochCache) Epoch(ctx context.Context) (time.Time, error) {
	c.mu.RLock()
	if c.known {
		v := c.value
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	if v, ok := c.loadShared(ctx); ok {
		c.set(v)
		return v, nil
	}

	first, ok, err := c.source.FirstEventAt(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("first event: %w", err)
	}
	if !ok {
		return FallbackEpoch, nil
	}
	first = first.UTC()
	c.set(first)
	c.storeShared(ctx, first)
	return first, nil
}

// Known reports whether an epoch derived from a real event is memoized.
func (c *EpochCache) Known() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known
}

// Invalidate drops the memoized epoch so the next read consults the store.
func (c *EpochCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.value, c.known = time.Time{}, false
	c.mu.Unlock()
	if c.shared == nil {
		return
	}
	if err := c.shared.Delete(ctx, cache.EpochKey()); err != nil {
		slog.Warn("epoch cache delete failed", "error", err)
	}
}

func (c *EpochCache) set(v time.Time) {
	c.mu.Lock()
	c.value, c.known = v, true
	c.mu.Unlock()
}

func (c *EpochCache) loadShared(ctx context.Context) (time.Time, bool) {
	if c.shared == nil {
		return time.Time{}, false
	}
	raw, ok, err := c.shared.Get(ctx, cache.EpochKey())
	if err != nil {
		slog.Warn("epoch cache read failed", "error", err)
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	v, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		slog.Warn("epoch cache holds invalid value", "value", string(raw), "error", err)
		return time.Time{}, false
	}
	return v.UTC(), true
}

func (c *EpochCache) storeShared(ctx context.Context, v time.Time) {
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, cache.EpochKey(), []byte(v.Format(time.RFC3339Nano)), 0); err != nil {
		slog.Warn("epoch cache write failed", "error", err)
	}
}
