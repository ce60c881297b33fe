package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinWindow(t *testing.T) {
	l := New()
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("k", 3, now))
	}
	require.False(t, l.Allow("k", 3, now), "fourth call within the same window must be denied")
}

func TestAllowResetsAfterWindowElapses(t *testing.T) {
	l := New(WithWindow(time.Minute))
	now := time.Now()
	require.True(t, l.Allow("k", 1, now))
	require.False(t, l.Allow("k", 1, now))
	require.True(t, l.Allow("k", 1, now.Add(2*time.Minute)), "a new window resets the count")
}

func TestAllowDefaultsLimitWhenNonPositive(t *testing.T) {
	l := New()
	now := time.Now()
	for i := 0; i < DefaultLimit; i++ {
		require.True(t, l.Allow("k", 0, now))
	}
	require.False(t, l.Allow("k", 0, now))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New()
	now := time.Now()
	require.True(t, l.Allow("a", 1, now))
	require.True(t, l.Allow("b", 1, now))
	require.False(t, l.Allow("a", 1, now))
}

func TestIdleKeysAreEvictedAfterTTL(t *testing.T) {
	l := New(WithTTL(time.Minute))
	now := time.Now()
	l.Allow("k", 5, now)
	require.Equal(t, 1, l.Len())

	l.Allow("other", 5, now.Add(2*time.Minute))
	require.Equal(t, 1, l.Len(), "the idle key must have been pruned, leaving only the fresh one")
}

func TestCapEvictsLeastRecentlyUsedKeys(t *testing.T) {
	l := New(WithCap(2), WithTTL(0))
	now := time.Now()
	l.Allow("a", 5, now)
	l.Allow("b", 5, now.Add(time.Second))
	l.Allow("c", 5, now.Add(2*time.Second))
	require.Equal(t, 2, l.Len())
	require.True(t, l.Allow("a", 5, now.Add(3*time.Second)), "a should have been evicted as least recently used, so it is treated as fresh")
}
