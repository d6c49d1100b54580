// Package settings holds per-account, read-mostly configuration documents.
//
// Each settings kind (concurrency, pacing, retry, rate limits) is stored as one
// JSON document per account. Cache is the only coherence mechanism: reads are
// served from memory until the TTL lapses, and every write through Update
// invalidates the cached copy and bumps the version counter.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// Store persists settings documents keyed by (account_id, kind).
type Store interface {
	Load(ctx context.Context, accountID, kind string) ([]byte, bool, error)
	Save(ctx context.Context, accountID, kind string, payload []byte, now time.Time) error
}

// Cache is a typed read-through cache for one settings kind.
type Cache[T any] struct {
	kind     string
	store    Store
	defaults func() T
	items    *cache.Cache
	version  atomic.Uint64

	clock func() time.Time
}

const defaultTTL = 5 * time.Minute

// NewCache builds a cache for kind. defaults supplies the document written on
// first access for an account that has none yet.
func NewCache[T any](kind string, store Store, defaults func() T, ttl time.Duration) *Cache[T] {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache[T]{
		kind:     kind,
		store:    store,
		defaults: defaults,
		items:    cache.New(ttl, 2*ttl),
		clock:    time.Now,
	}
}

// Kind returns the settings kind this cache serves.
func (c *Cache[T]) Kind() string { return c.kind }

// Version increases by one on every successful Update or Invalidate.
func (c *Cache[T]) Version() uint64 { return c.version.Load() }

// Get returns the account's settings, creating them with defaults if absent.
func (c *Cache[T]) Get(ctx context.Context, accountID string) (T, error) {
	var zero T
	if accountID == "" {
		return zero, ErrInvalid
	}
	if v, ok := c.items.Get(accountID); ok {
		return v.(T), nil
	}
	if c.store == nil {
		return zero, fmt.Errorf("settings: %s store not configured", c.kind)
	}

	// An Update that lands while this load is in flight must win.
	version := c.Version()
	raw, ok, err := c.store.Load(ctx, accountID, c.kind)
	if err != nil {
		return zero, fmt.Errorf("settings: load %s: %w", c.kind, err)
	}

	out := c.defaults()
	if ok {
		// Unmarshal over defaults so fields added later keep sane values.
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("settings: decode %s: %w", c.kind, err)
		}
	} else if c.Version() == version {
		payload, err := json.Marshal(out)
		if err != nil {
			return zero, err
		}
		if err := c.store.Save(ctx, accountID, c.kind, payload, c.clock().UTC()); err != nil {
			return zero, fmt.Errorf("settings: create default %s: %w", c.kind, err)
		}
	}

	if c.Version() == version {
		c.items.SetDefault(accountID, out)
	}
	return out, nil
}

// Update validates and persists v, then invalidates the cached copy.
func (c *Cache[T]) Update(ctx context.Context, accountID string, v T) (T, error) {
	var zero T
	if accountID == "" {
		return zero, ErrInvalid
	}
	if err := Validate(v); err != nil {
		return zero, err
	}
	if c.store == nil {
		return zero, fmt.Errorf("settings: %s store not configured", c.kind)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	if err := c.store.Save(ctx, accountID, c.kind, payload, c.clock().UTC()); err != nil {
		return zero, fmt.Errorf("settings: save %s: %w", c.kind, err)
	}
	c.Invalidate(accountID)
	return v, nil
}

// Invalidate drops the cached copy for accountID.
func (c *Cache[T]) Invalidate(accountID string) {
	c.items.Delete(accountID)
	c.version.Add(1)
}
