// Package cache holds the request-keyed query cache and the coordinator that
// tears every cache backend down on a session transition.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/metrics"
	"github.com/mark-chris/plansync/internal/session"
)

// DefaultTTL is how long an entry is served without refetching.
const DefaultTTL = 30 * time.Second

// QueryCache caches read results by key. Keys are slash-separated paths such
// as "plans/42/collaborators"; invalidating "plans/42" drops every key under
// it.
//
// Each ClearAll starts a new generation. A fetch that began in an earlier
// generation never populates the cache: its result is replaced by
// apierr.ErrStaleResponse, while a fetch error is returned unchanged.
type QueryCache struct {
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group

	mu         sync.Mutex
	entries    map[string]entry
	generation uint64
	// invalSeq numbers Invalidate calls; invalidated keeps the latest seq per
	// prefix while fetches are in flight so a fetch that overlaps an
	// invalidation of its key does not store its result.
	invalSeq    uint64
	invalidated map[string]uint64
	inflight    int
}

type entry struct {
	value     any
	fetchedAt time.Time
}

// Option configures a QueryCache.
type Option func(*QueryCache)

// WithTTL sets the entry lifetime. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(c *QueryCache) {
		c.ttl = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *QueryCache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *QueryCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records hits, misses and invalidations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *QueryCache) {
		c.metrics = m
	}
}

// NewQueryCache creates an empty cache.
func NewQueryCache(opts ...Option) *QueryCache {
	c := &QueryCache{
		ttl:         DefaultTTL,
		now:         time.Now,
		logger:      zap.NewNop(),
		entries:     make(map[string]entry),
		invalidated: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generation returns the current generation.
func (c *QueryCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Fetch returns the cached value for key or calls fetch. Concurrent misses
// for the same key in the same generation share one call, which runs with the
// first caller's ctx.
func Fetch[T any](ctx context.Context, c *QueryCache, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.expired(e) {
		c.mu.Unlock()
		c.metrics.IncCacheRequest("hit")
		if v, ok := e.value.(T); ok {
			return v, nil
		}
		return zero, fmt.Errorf("cache entry %q has type %T", key, e.value)
	}
	gen := c.generation
	c.mu.Unlock()

	flightKey := strconv.FormatUint(gen, 10) + "|" + key
	v, err, shared := c.group.Do(flightKey, func() (any, error) {
		return c.load(ctx, key, gen, func(ctx context.Context) (any, error) {
			return fetch(ctx)
		})
	})
	if shared {
		c.metrics.IncCacheRequest("shared")
	} else {
		c.metrics.IncCacheRequest("miss")
	}
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %q has type %T", key, v)
	}
	return out, nil
}

func (c *QueryCache) load(ctx context.Context, key string, gen uint64, fetch func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	c.inflight++
	startSeq := c.invalSeq
	c.mu.Unlock()

	v, err := fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	defer func() {
		if c.inflight == 0 && len(c.invalidated) > 0 {
			c.invalidated = make(map[string]uint64)
		}
	}()

	if err != nil {
		return nil, err
	}
	if c.generation != gen {
		c.metrics.IncCacheRequest("stale")
		c.logger.Debug("discarding response from previous session",
			zap.String("key", key),
			zap.Uint64("generation", gen),
			zap.Uint64("current", c.generation))
		return nil, &apierr.Error{Kind: apierr.ErrStaleResponse, Message: key}
	}
	if !c.invalidatedSince(key, startSeq) {
		c.entries[key] = entry{value: v, fetchedAt: c.now()}
	}
	return v, nil
}

// invalidatedSince must be called with c.mu held.
func (c *QueryCache) invalidatedSince(key string, seq uint64) bool {
	for prefix, at := range c.invalidated {
		if at > seq && matches(key, prefix) {
			return true
		}
	}
	return false
}

// expired must be called with c.mu held.
func (c *QueryCache) expired(e entry) bool {
	return c.ttl > 0 && c.now().Sub(e.fetchedAt) >= c.ttl
}

// Invalidate drops key and every key below it so the next read refetches.
func (c *QueryCache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if matches(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.invalSeq++
	if c.inflight > 0 {
		c.invalidated[prefix] = c.invalSeq
	}
	c.metrics.IncCacheInvalidation("prefix")
}

// ClearAll drops every entry and starts a new generation.
func (c *QueryCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
	c.invalidated = make(map[string]uint64)
	c.generation++
	c.metrics.IncCacheInvalidation("all")
	c.logger.Debug("query cache cleared", zap.Uint64("generation", c.generation))
}

// Len returns the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Mutate runs a write. On success every affected prefix is invalidated; on
// failure the cache is untouched and the error is returned as-is
// (apierr.ErrValidation for 4xx, apierr.ErrServer for 5xx).
func Mutate[T any](ctx context.Context, c *QueryCache, affected []string, do func(context.Context) (T, error)) (T, error) {
	v, err := do(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	for _, prefix := range affected {
		c.Invalidate(prefix)
	}
	return v, nil
}

// Name implements Backend.
func (c *QueryCache) Name() string { return "query" }

// Teardown implements Backend by clearing everything.
func (c *QueryCache) Teardown(context.Context, session.Session) error {
	c.ClearAll()
	return nil
}

func matches(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}
