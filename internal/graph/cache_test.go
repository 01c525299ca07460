package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	calls  int
	mutual map[string]bool
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{mutual: make(map[string]bool)}
}

func (f *fakeStore) set(a, b int64, mutual bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutual[pairKey(a, b)] = mutual
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStore) IsMutual(_ context.Context, a, b int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.mutual[pairKey(a, b)], nil
}

func (f *fakeStore) Mutuals(context.Context, int64, int) ([]Mutual, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []Mutual{{UserID: 2, ProfileName: "bee"}}, nil
}

func (f *fakeStore) Exists(context.Context, int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return true, nil
}

func TestCachedStoreCachesPositives(t *testing.T) {
	t.Parallel()
	inner := newFakeStore()
	inner.set(1, 2, true)
	cached := NewCachedStore(inner, 16, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := cached.IsMutual(ctx, 1, 2)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 1, inner.callCount())
}

func TestCachedStoreIsSymmetric(t *testing.T) {
	t.Parallel()
	inner := newFakeStore()
	inner.set(1, 2, true)
	cached := NewCachedStore(inner, 16, time.Minute)
	ctx := context.Background()

	ok, err := cached.IsMutual(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = cached.IsMutual(ctx, 2, 1)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, inner.callCount(), "reversed pair must hit the same entry")
}

func TestCachedStoreNeverCachesNegatives(t *testing.T) {
	t.Parallel()
	inner := newFakeStore()
	cached := NewCachedStore(inner, 16, time.Minute)
	ctx := context.Background()

	ok, err := cached.IsMutual(ctx, 1, 3)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = cached.IsMutual(ctx, 1, 3)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, 2, inner.callCount())

	// A follow-back becomes visible immediately.
	inner.set(1, 3, true)
	ok, err = cached.IsMutual(ctx, 1, 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedStoreEntriesExpire(t *testing.T) {
	t.Parallel()
	inner := newFakeStore()
	inner.set(1, 2, true)
	cached := NewCachedStore(inner, 16, 20*time.Millisecond)
	ctx := context.Background()

	_, err := cached.IsMutual(ctx, 1, 2)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = cached.IsMutual(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.callCount(), "expired entry must be re-fetched")
}

func TestCachedStoreDoesNotCacheErrors(t *testing.T) {
	t.Parallel()
	inner := newFakeStore()
	cached := NewCachedStore(inner, 16, time.Minute)
	ctx := context.Background()

	inner.setErr(ErrUnavailable)
	_, err := cached.IsMutual(ctx, 1, 2)
	require.ErrorIs(t, err, ErrUnavailable)

	inner.setErr(nil)
	inner.set(1, 2, true)
	ok, err := cached.IsMutual(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, inner.callCount())
}

func TestCachedStorePassesThroughReads(t *testing.T) {
	t.Parallel()
	inner := newFakeStore()
	cached := NewCachedStore(inner, 16, time.Minute)
	ctx := context.Background()

	mutuals, err := cached.Mutuals(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, mutuals, 1)
	assert.Equal(t, "bee", mutuals[0].ProfileName)

	exists, err := cached.Exists(ctx, 2)
	require.NoError(t, err)
	assert.True(t, exists)
}
