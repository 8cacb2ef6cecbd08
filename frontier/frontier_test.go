package frontier

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFrontier(t *testing.T) *Frontier {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		url   string
		host  string
		sch   string
		valid bool
	}{
		{"plain http", "http://example.com/page", "example.com", "http", true},
		{"plain https", "https://example.com/page", "example.com", "https", true},
		{"ftp scheme rejected", "ftp://example.com/file", "example.com", "ftp", false},
		{"empty host rejected", "http:///page", "", "http", false},
		{"pdf extension rejected", "http://example.com/doc.pdf", "example.com", "http", false},
		{"jpg extension rejected", "http://example.com/image.JPG", "example.com", "http", false},
		{"too long rejected", "http://example.com/" + string(make([]byte, 500)), "example.com", "http", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.valid, Validate(c.url, c.host, c.sch))
		})
	}
}

func TestComputePriority(t *testing.T) {
	base := ComputePriority("http://example.com/", 0)
	deeper := ComputePriority("http://example.com/a/b/c", 4)
	assert.Greater(t, base, deeper)

	blog := ComputePriority("http://example.com/blog/post-1", 0)
	plain := ComputePriority("http://example.com/page", 0)
	assert.Greater(t, blog, plain)

	login := ComputePriority("http://example.com/login", 0)
	assert.Less(t, login, plain)

	assert.GreaterOrEqual(t, ComputePriority("http://example.com/login", 50), 1.0)
}

func TestShutdownRequested(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := New(rdb)
	ctx := context.Background()

	stop, err := f.ShutdownRequested(ctx)
	require.NoError(t, err)
	assert.False(t, stop)

	require.NoError(t, mr.Set(ShutdownKey, "1"))

	stop, err = f.ShutdownRequested(ctx)
	require.NoError(t, err)
	assert.True(t, stop)
}

func TestPushPopOrdering(t *testing.T) {
	f := newTestFrontier(t)
	ctx := context.Background()

	low := Entry{URL: "http://example.com/low"}
	high := Entry{URL: "http://example.com/high"}

	require.NoError(t, f.Push(ctx, low, 10))
	require.NoError(t, f.Push(ctx, high, 90))

	size, err := f.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	entry, priority, ok, err := f.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, high.URL, entry.URL)
	assert.Equal(t, 90.0, priority)

	entry, _, ok, err = f.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, low.URL, entry.URL)

	_, _, ok, err = f.Pop(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
