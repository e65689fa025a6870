package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_AllowsUpToLimit(t *testing.T) {
	sw := NewSlidingWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		result := sw.Allow("session-a")
		require.True(t, result.Allowed, "call %d should be allowed", i)
	}

	blocked := sw.Allow("session-a")
	assert.False(t, blocked.Allowed)
	assert.Equal(t, 0, blocked.Remaining)
}

func TestSlidingWindow_KeysAreIndependent(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)

	require.True(t, sw.Allow("a").Allowed)
	require.True(t, sw.Allow("b").Allowed)
	assert.False(t, sw.Allow("a").Allowed)
}

func TestSlidingWindow_EvictsExpiredHits(t *testing.T) {
	sw := NewSlidingWindow(1, 20*time.Millisecond)

	require.True(t, sw.Allow("a").Allowed)
	require.False(t, sw.Allow("a").Allowed)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, sw.Allow("a").Allowed)
}

func TestTokenBucket_ConsumesBurstThenBlocks(t *testing.T) {
	tb := NewTokenBucket(2, 60) // burst 2, 1 token/sec sustained

	first := tb.Allow("pair-a", 1)
	require.True(t, first.Allowed)
	second := tb.Allow("pair-a", 1)
	require.True(t, second.Allowed)

	third := tb.Allow("pair-a", 1)
	assert.False(t, third.Allowed)
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(1, 600) // burst 1, 10 tokens/sec sustained

	require.True(t, tb.Allow("pair-a", 1).Allowed)
	require.False(t, tb.Allow("pair-a", 1).Allowed)

	time.Sleep(150 * time.Millisecond)
	assert.True(t, tb.Allow("pair-a", 1).Allowed)
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	tb := NewTokenBucket(1, 60)

	require.True(t, tb.Allow("pair-a", 1).Allowed)
	assert.True(t, tb.Allow("pair-b", 1).Allowed)
}
