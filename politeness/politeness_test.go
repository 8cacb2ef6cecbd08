package politeness

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/distcrawler/frontier"
)

func newTestRegulator(t *testing.T) (*Regulator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, time.Second), mr
}

func TestLockKey(t *testing.T) {
	key, err := LockKey("https://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, "lock:https://example.com", key)
}

func TestCanCrawlGrantsOncePerWindow(t *testing.T) {
	r, mr := newTestRegulator(t)
	ctx := context.Background()

	ok, err := r.CanCrawl(ctx, "https://example.com/a", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CanCrawl(ctx, "https://example.com/b", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second request to same host within window must be denied")

	mr.FastForward(3 * time.Second)

	ok, err = r.CanCrawl(ctx, "https://example.com/c", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lease must be available again once it expires")
}

func TestCanCrawlIndependentPerHost(t *testing.T) {
	r, _ := newTestRegulator(t)
	ctx := context.Background()

	ok, err := r.CanCrawl(ctx, "https://a.example.com/x", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CanCrawl(ctx, "https://b.example.com/x", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetCrawlDelayFallsBackToDefault(t *testing.T) {
	r, _ := newTestRegulator(t)
	delay, err := r.GetCrawlDelay(context.Background(), "https://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, time.Second, delay)
}

func TestSetAndGetCrawlDelay(t *testing.T) {
	r, _ := newTestRegulator(t)
	ctx := context.Background()

	require.NoError(t, r.SetCrawlDelay(ctx, "https://example.com/page", 5*time.Second))

	delay, err := r.GetCrawlDelay(ctx, "https://example.com/other-page")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, delay)
}

func TestRequeueAppliesPenaltyWithFloor(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := frontier.New(rdb)
	ctx := context.Background()

	entry := frontier.Entry{URL: "https://example.com/snoozed"}
	require.NoError(t, Requeue(ctx, f, entry, 3.0, 5.0))

	_, priority, ok, err := f.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, priority)
}
