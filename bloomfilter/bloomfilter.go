// Package bloomfilter implements the approximate URL filter: a
// Redis-bitmap-backed Bloom filter shared by every worker, used to avoid
// re-queuing a URL that has already been discovered. It trades a small,
// one-directional false-positive rate for roughly 98% less memory than a
// Redis set of the same URLs.
package bloomfilter

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/murmur3"
)

const infoSuffix = ":info"

// Filter is a distributed Bloom filter over a Shared State Store bitmap.
type Filter struct {
	rdb       *redis.Client
	key       string
	size      uint64
	hashCount int
	capacity  int64
	errorRate float64
}

// New computes the optimal bit-array size and hash-function count for the
// given capacity and false-positive rate, per the standard Bloom filter
// formulas:
//
//	m = ceil(-n * ln(p) / ln(2)^2)
//	k = ceil((m/n) * ln(2))
//
// and records the derived parameters in a Redis hash so a later process
// attaching to the same key can recover them.
func New(ctx context.Context, rdb *redis.Client, key string, capacity int64, errorRate float64) (*Filter, error) {
	n := float64(capacity)
	size := uint64(math.Ceil(-n * math.Log(errorRate) / (math.Ln2 * math.Ln2)))
	hashCount := int(math.Ceil((float64(size) / n) * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}

	f := &Filter{
		rdb:       rdb,
		key:       key,
		size:      size,
		hashCount: hashCount,
		capacity:  capacity,
		errorRate: errorRate,
	}

	if err := rdb.HSet(ctx, key+infoSuffix, map[string]interface{}{
		"size":       size,
		"hash_count": hashCount,
		"capacity":   capacity,
		"error_rate": errorRate,
	}).Err(); err != nil {
		return nil, fmt.Errorf("recording bloom filter metadata: %w", err)
	}

	return f, nil
}

// positions derives hashCount bit offsets for url using MurmurHash3-32
// seeded 0..hashCount-1, each taken mod the bit-array size.
func (f *Filter) positions(url string) []uint64 {
	positions := make([]uint64, f.hashCount)
	for i := 0; i < f.hashCount; i++ {
		h := murmur3.SeedSum32(uint32(i), []byte(url))
		positions[i] = uint64(h) % f.size
	}
	return positions
}

// Add sets every bit for url and reports whether it was probably new, i.e.
// at least one of its bits was unset before this call. A false positive
// here ("already exists") means the true return is conservative: the
// caller will skip a genuinely new URL only with the configured error
// rate's probability.
func (f *Filter) Add(ctx context.Context, url string) (isNew bool, err error) {
	positions := f.positions(url)

	checkPipe := f.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(positions))
	for i, pos := range positions {
		cmds[i] = checkPipe.GetBit(ctx, f.key, int64(pos))
	}
	if _, err := checkPipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("checking bloom filter bits: %w", err)
	}

	alreadySet := true
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			alreadySet = false
			break
		}
	}

	setPipe := f.rdb.Pipeline()
	for _, pos := range positions {
		setPipe.SetBit(ctx, f.key, int64(pos), 1)
	}
	if _, err := setPipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("setting bloom filter bits: %w", err)
	}

	return !alreadySet, nil
}

// Contains reports whether url was probably already added. A false return
// is certain; a true return carries the configured error rate's chance of
// being a false positive.
func (f *Filter) Contains(ctx context.Context, url string) (bool, error) {
	positions := f.positions(url)

	pipe := f.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(positions))
	for i, pos := range positions {
		cmds[i] = pipe.GetBit(ctx, f.key, int64(pos))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("checking bloom filter bits: %w", err)
	}

	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// AddBatch sets the bits for every URL in a single pipeline round trip and
// returns the count submitted; it does not distinguish new from duplicate
// within the batch.
func (f *Filter) AddBatch(ctx context.Context, urls []string) (int, error) {
	pipe := f.rdb.Pipeline()
	for _, url := range urls {
		for _, pos := range f.positions(url) {
			pipe.SetBit(ctx, f.key, int64(pos), 1)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("adding bloom filter batch: %w", err)
	}
	return len(urls), nil
}

// Stats reports the filter's configured parameters for diagnostics.
type Stats struct {
	SizeBits  uint64
	SizeMB    float64
	HashCount int
	Capacity  int64
	ErrorRate float64
}

// GetStats returns the filter's sizing parameters. The bit count and hash
// count are read back from the Redis metadata hash, so they reflect
// whatever process last wrote it; capacity and error rate are this
// instance's own.
func (f *Filter) GetStats(ctx context.Context) (Stats, error) {
	raw, err := f.rdb.HGetAll(ctx, f.key+infoSuffix).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("reading bloom filter stats: %w", err)
	}

	stats := Stats{
		SizeBits:  f.size,
		HashCount: f.hashCount,
		Capacity:  f.capacity,
		ErrorRate: f.errorRate,
	}
	if v, ok := raw["size"]; ok {
		fmt.Sscanf(v, "%d", &stats.SizeBits)
	}
	if v, ok := raw["hash_count"]; ok {
		fmt.Sscanf(v, "%d", &stats.HashCount)
	}
	stats.SizeMB = float64(stats.SizeBits) / 8 / 1024 / 1024
	return stats, nil
}

// Clear deletes the bitmap and its metadata, used by tests and by the
// admin CLI's reset operation.
func (f *Filter) Clear(ctx context.Context) error {
	if err := f.rdb.Del(ctx, f.key, f.key+infoSuffix).Err(); err != nil {
		return fmt.Errorf("clearing bloom filter: %w", err)
	}
	return nil
}
