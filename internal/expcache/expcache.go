// Package expcache provides a generic, expiring, single-flight cache.
//
// It is a direct port of the AsyncCache used throughout the reference
// server for certificate-assignment lookups, Azure AD JWKS, and dynamic
// database credentials: a miss (or an expired entry) escalates from a
// shared read to an exclusive update, and the update function always
// returns the entire replacement contents of the cache rather than a
// single key — the cache is all-or-nothing on every refresh.
package expcache

import (
	"context"
	"time"

	"github.com/gridedge/der-utility-server/internal/retry"
)

// Entry pairs a cached value with its expiry instant. A zero Expiry never expires.
type Entry[V any] struct {
	Value  V
	Expiry time.Time
}

func (e Entry[V]) isExpired(now time.Time) bool {
	return !e.Expiry.IsZero() && now.After(e.Expiry)
}

// UpdateFunc produces the entire replacement contents of the cache. arg is
// passed through from the triggering Get call so the update function can
// scope its refresh (e.g. "reload this aggregator's certs").
type UpdateFunc[K comparable, V any] func(ctx context.Context, arg any) (map[K]Entry[V], error)

// Cache is a keyed store with per-entry expiry and single-flight refresh.
type Cache[K comparable, V any] struct {
	updateFn         UpdateFunc[K, V]
	forceUpdateDelay time.Duration

	mu      chanMutex
	entries map[K]Entry[V]
}

// chanMutex is a channel-based mutex so Lock can be attempted inside a
// select alongside context cancellation, unlike sync.Mutex.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}

	return m
}

func (m chanMutex) Lock(ctx context.Context) error {
	select {
	case <-m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chanMutex) Unlock() { m <- struct{}{} }

// New builds a Cache. forceUpdateDelay is the pause between failed
// ForceUpdate attempts; it defaults to one second, matching the reference
// cache's default.
func New[K comparable, V any](updateFn UpdateFunc[K, V], forceUpdateDelay time.Duration) *Cache[K, V] {
	if forceUpdateDelay <= 0 {
		forceUpdateDelay = time.Second
	}

	return &Cache[K, V]{
		updateFn:         updateFn,
		forceUpdateDelay: forceUpdateDelay,
		mu:               newChanMutex(),
		entries:          map[K]Entry[V]{},
	}
}

// Get returns the value for key, excluding expired entries, refreshing the
// cache first on a miss or an expired entry.
func (c *Cache[K, V]) Get(ctx context.Context, arg any, key K) (V, bool, error) {
	var zero V

	e, ok, err := c.getEntry(ctx, arg, key)
	if err != nil || !ok {
		return zero, false, err
	}

	if e.isExpired(time.Now().UTC()) {
		return zero, false, nil
	}

	return e.Value, true, nil
}

// GetIgnoreExpiry returns the value for key even if expired. A miss or an
// expired entry first triggers a refresh; an entry that is still expired
// after the refresh is returned to the caller, which decides whether an
// expired cert is still actionable.
func (c *Cache[K, V]) GetIgnoreExpiry(ctx context.Context, arg any, key K) (V, bool, error) {
	var zero V

	e, ok, err := c.getEntry(ctx, arg, key)
	if err != nil || !ok {
		return zero, false, err
	}

	return e.Value, true, nil
}

// getEntry returns the raw Entry (expiry included) for key, refreshing on a
// miss or an expired entry. Shared by Get and GetIgnoreExpiry, which differ
// only in whether they filter the result by expiry.
func (c *Cache[K, V]) getEntry(ctx context.Context, arg any, key K) (Entry[V], bool, error) {
	var zero Entry[V]

	if e, ok := c.fastRead(key); ok && !e.isExpired(time.Now().UTC()) {
		return e, true, nil
	}

	if err := c.mu.Lock(ctx); err != nil {
		return zero, false, err
	}
	defer c.mu.Unlock()

	// Double-check: another goroutine may have refreshed while we waited.
	if e, ok := c.entries[key]; ok && !e.isExpired(time.Now().UTC()) {
		return e, true, nil
	}

	fresh, err := c.updateFn(ctx, arg)
	if err != nil {
		return zero, false, err
	}

	c.entries = fresh

	if e, ok := c.entries[key]; ok {
		return e, true, nil
	}

	return zero, false, nil
}

func (c *Cache[K, V]) fastRead(key K) (Entry[V], bool) {
	e, ok := c.entries[key]

	return e, ok
}

// ForceUpdate acquires the exclusive lock and retries updateFn until it
// succeeds, waiting forceUpdateDelay between failures. It never returns
// until the context is cancelled or the update succeeds.
func (c *Cache[K, V]) ForceUpdate(ctx context.Context, arg any) error {
	if err := c.mu.Lock(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	fresh, err := retry.DoWithResultConfig(ctx, retry.ForceUpdateConfig(c.forceUpdateDelay), func() (map[K]Entry[V], error) {
		return c.updateFn(ctx, arg)
	})
	if err != nil {
		return err
	}

	c.entries = fresh

	return nil
}

// GetSync is a lock-free read. On a miss it returns immediately with
// ok=false and does not start a refresh itself (ScheduleBackgroundRefresh
// does that); it never blocks on the cache lock.
func (c *Cache[K, V]) GetSync(key K) (V, bool) {
	var zero V

	if e, ok := c.fastRead(key); ok {
		return e.Value, true
	}

	return zero, false
}

// ScheduleBackgroundRefresh fires ForceUpdate in its own goroutine, for
// callers of GetSync that want the next read to have a chance of hitting.
func (c *Cache[K, V]) ScheduleBackgroundRefresh(ctx context.Context, arg any) {
	go func() {
		_ = c.ForceUpdate(ctx, arg)
	}()
}

// Clear drops the cache atomically.
func (c *Cache[K, V]) Clear(ctx context.Context) error {
	if err := c.mu.Lock(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	c.entries = map[K]Entry[V]{}

	return nil
}

// IsExpired reports whether e would be treated as expired right now.
func IsExpired[V any](e Entry[V]) bool {
	return e.isExpired(time.Now().UTC())
}
