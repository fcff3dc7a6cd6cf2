package expcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetPopulatesOnMiss(t *testing.T) {
	calls := atomic.Int32{}
	cache := New(func(_ context.Context, _ any) (map[string]Entry[int], error) {
		calls.Add(1)

		return map[string]Entry[int]{"a": {Value: 1}}, nil
	}, time.Millisecond)

	v, ok, err := cache.Get(context.Background(), nil, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), calls.Load())

	// Second read is a cache hit, no further update_fn call.
	v, ok, err = cache.Get(context.Background(), nil, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_GetExcludesExpiredEntries(t *testing.T) {
	cache := New(func(_ context.Context, _ any) (map[string]Entry[int], error) {
		return map[string]Entry[int]{"a": {Value: 1, Expiry: time.Now().Add(-time.Hour)}}, nil
	}, time.Millisecond)

	_, ok, err := cache.Get(context.Background(), nil, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_GetIgnoreExpiryReturnsExpiredEntry(t *testing.T) {
	cache := New(func(_ context.Context, _ any) (map[string]Entry[int], error) {
		return map[string]Entry[int]{"a": {Value: 1, Expiry: time.Now().Add(-time.Hour)}}, nil
	}, time.Millisecond)

	v, ok, err := cache.GetIgnoreExpiry(context.Background(), nil, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestCache_UpdateFnErrorDoesNotMutateCache(t *testing.T) {
	first := true
	cache := New(func(_ context.Context, _ any) (map[string]Entry[int], error) {
		if first {
			first = false

			return nil, errors.New("boom")
		}

		return map[string]Entry[int]{"a": {Value: 42}}, nil
	}, time.Millisecond)

	_, ok, err := cache.Get(context.Background(), nil, "a")
	require.Error(t, err)
	assert.False(t, ok)

	v, ok, err := cache.Get(context.Background(), nil, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestCache_SingleFlightUnderConcurrentMisses(t *testing.T) {
	calls := atomic.Int32{}
	cache := New(func(_ context.Context, _ any) (map[string]Entry[int], error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)

		return map[string]Entry[int]{"a": {Value: 7}}, nil
	}, time.Millisecond)

	const goroutines = 20

	done := make(chan struct{}, goroutines)
	for range goroutines {
		go func() {
			defer func() { done <- struct{}{} }()

			_, _, _ = cache.Get(context.Background(), nil, "a")
		}()
	}

	for range goroutines {
		<-done
	}

	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_ForceUpdateRetriesUntilSuccess(t *testing.T) {
	attempts := atomic.Int32{}
	cache := New(func(_ context.Context, _ any) (map[string]Entry[int], error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}

		return map[string]Entry[int]{"a": {Value: 99}}, nil
	}, time.Millisecond)

	err := cache.ForceUpdate(context.Background(), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))

	v, ok := cache.GetSync("a")
	assert.True(t, ok)
	assert.Equal(t, 99, v)
}

func TestCache_GetSyncMissDoesNotBlock(t *testing.T) {
	cache := New(func(_ context.Context, _ any) (map[string]Entry[int], error) {
		time.Sleep(time.Hour)

		return nil, nil
	}, time.Millisecond)

	_, ok := cache.GetSync("missing")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	cache := New(func(_ context.Context, _ any) (map[string]Entry[int], error) {
		return map[string]Entry[int]{"a": {Value: 1}}, nil
	}, time.Millisecond)

	_, _, err := cache.Get(context.Background(), nil, "a")
	require.NoError(t, err)

	require.NoError(t, cache.Clear(context.Background()))

	_, ok := cache.GetSync("a")
	assert.False(t, ok)
}
