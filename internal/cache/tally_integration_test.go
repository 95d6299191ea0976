//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ledger/internal/domain"
	"example.com/ledger/internal/testhelpers"
)

func TestRedisTallyCacheRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, addr, err := testhelpers.StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	rdb, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewRedisTallyCache(rdb, time.Second)

	_, gen, ok, err := c.Get(ctx, 5)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, gen)

	require.NoError(t, c.Set(ctx, 5, gen, domain.Tally{VotesA: 2, VotesB: 1}))
	tally, _, ok, err := c.Get(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.Tally{VotesA: 2, VotesB: 1}, tally)

	ttl, err := rdb.TTL(ctx, c.key(5)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Invalidate(ctx, 5))
	_, gen, ok, err = c.Get(ctx, 5)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(1), gen)
}

func TestRedisTallyCacheDropsFillAfterInvalidate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, addr, err := testhelpers.StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	rdb, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewRedisTallyCache(rdb, time.Minute)

	// A reader misses and loads the pre-vote tally from the store.
	_, gen, ok, err := c.Get(ctx, 8)
	require.NoError(t, err)
	require.False(t, ok)
	stale := domain.Tally{VotesA: 4}

	// A vote commits and invalidates before the reader fills.
	require.NoError(t, c.Invalidate(ctx, 8))
	require.NoError(t, c.Set(ctx, 8, gen, stale))

	_, next, ok, err := c.Get(ctx, 8)
	require.NoError(t, err)
	require.False(t, ok, "stale fill must not land")
	require.Greater(t, next, gen)

	require.NoError(t, c.Set(ctx, 8, next, domain.Tally{VotesA: 5}))
	tally, _, ok, err := c.Get(ctx, 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.Tally{VotesA: 5}, tally)
}
