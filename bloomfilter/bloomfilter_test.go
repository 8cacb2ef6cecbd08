package bloomfilter

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f, err := New(context.Background(), rdb, "test:bloom", 1000, 0.01)
	require.NoError(t, err)
	return f
}

func TestAddReportsNewThenDuplicate(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	isNew, err := f.Add(ctx, "https://example.com/page1")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = f.Add(ctx, "https://example.com/page1")
	require.NoError(t, err)
	assert.False(t, isNew)
}

func TestContainsBeforeAndAfter(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	exists, err := f.Contains(ctx, "https://example.com/unseen")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.Add(ctx, "https://example.com/unseen")
	require.NoError(t, err)

	exists, err = f.Contains(ctx, "https://example.com/unseen")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAddBatch(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	urls := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}
	count, err := f.AddBatch(ctx, urls)
	require.NoError(t, err)
	assert.Equal(t, len(urls), count)

	for _, u := range urls {
		exists, err := f.Contains(ctx, u)
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestGetStats(t *testing.T) {
	f := newTestFilter(t)
	stats, err := f.GetStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1000, stats.Capacity)
	assert.Equal(t, 0.01, stats.ErrorRate)
	assert.Greater(t, stats.HashCount, 0)
	assert.Greater(t, stats.SizeBits, uint64(0))
}

// TestMembershipAndFalsePositiveRate loads the filter to its design
// capacity, then checks that every added URL is reported present (no false
// negatives) and that the false-positive rate over an equal-sized disjoint
// sample stays within 2x the configured rate.
func TestMembershipAndFalsePositiveRate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping capacity-scale filter test in short mode")
	}

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	const n = 10000
	const errorRate = 0.01
	f, err := New(context.Background(), rdb, "test:bloom:rate", n, errorRate)
	require.NoError(t, err)
	ctx := context.Background()

	added := make([]string, n)
	for i := range added {
		added[i] = fmt.Sprintf("https://seen.example.com/page/%d", i)
	}
	_, err = f.AddBatch(ctx, added)
	require.NoError(t, err)

	for _, u := range added {
		exists, err := f.Contains(ctx, u)
		require.NoError(t, err)
		require.True(t, exists, "added url %s must always be reported present", u)
	}

	falsePositives := 0
	for i := 0; i < n; i++ {
		exists, err := f.Contains(ctx, fmt.Sprintf("https://unseen.example.org/other/%d", i))
		require.NoError(t, err)
		if exists {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(n)
	assert.LessOrEqual(t, rate, 2*errorRate,
		"false positive rate %.4f exceeds twice the configured %.4f", rate, errorRate)
}

func TestClear(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	_, err := f.Add(ctx, "https://example.com/gone")
	require.NoError(t, err)

	require.NoError(t, f.Clear(ctx))

	exists, err := f.Contains(ctx, "https://example.com/gone")
	require.NoError(t, err)
	assert.False(t, exists)
}
