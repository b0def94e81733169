package inflight_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/jimmy777/ditto-connectivity/pkg/inflight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFetcher is a test double for inflight.Fetcher.
type mockFetcher[K comparable, V any] struct {
	FetchFunc func(ctx context.Context, key K) (V, error)
}

func (m *mockFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, key)
	}
	var zero V
	return zero, fmt.Errorf("mock fetcher not implemented")
}

func TestMemoryStore_TakeResolvesAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := inflight.NewMemoryStore[string, string]()

	require.NoError(t, s.Put(ctx, "corr-1", "pending-request-payload"))

	value, err := s.Take(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "pending-request-payload", value)

	_, err = s.Take(ctx, "corr-1")
	require.Error(t, err, "a correlation id may only be resolved once")
}

func TestMemoryStore_TakeMiss(t *testing.T) {
	s := inflight.NewMemoryStore[string, string]()
	_, err := s.Take(context.Background(), "unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending request")
}

func TestBoundedStore_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := inflight.NewBoundedStore[string, string](0, nil)
	require.Error(t, err)
}

func TestBoundedStore_EvictsOldestOnOverflow(t *testing.T) {
	ctx := context.Background()
	s, err := inflight.NewBoundedStore[string, int](2, nil)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "a", 1))
	require.NoError(t, s.Put(ctx, "b", 2))
	require.NoError(t, s.Put(ctx, "c", 3))

	assert.Equal(t, 2, s.Len())

	_, err = s.Take(ctx, "a")
	assert.Error(t, err, "oldest pending entry must have been evicted")

	v, err := s.Take(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestBoundedStore_TakeFallsThroughToFetcherOnMiss(t *testing.T) {
	ctx := context.Background()
	fallback := &mockFetcher[string, string]{
		FetchFunc: func(ctx context.Context, key string) (string, error) {
			return "from-fallback", nil
		},
	}
	s, err := inflight.NewBoundedStore[string, string](4, fallback)
	require.NoError(t, err)

	value, err := s.Take(ctx, "never-registered")
	require.NoError(t, err)
	assert.Equal(t, "from-fallback", value)
}

func TestBoundedStore_PutOverwritesExistingKeyWithoutGrowing(t *testing.T) {
	ctx := context.Background()
	s, err := inflight.NewBoundedStore[string, int](2, nil)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "a", 1))
	require.NoError(t, s.Put(ctx, "a", 2))
	assert.Equal(t, 1, s.Len())

	v, err := s.Take(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
