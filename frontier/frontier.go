// Package frontier implements the shared priority queue of
// discovered-but-not-fetched URLs. It is a sorted set in the Shared State
// Store keyed by the opaque JSON serialization of a FrontierEntry, scored
// by a priority float; popping the highest-scoring member is atomic.
package frontier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key is the Shared State Store key backing the frontier sorted set.
const Key = "crawler:frontier"

// ShutdownKey signals a fleet-wide graceful shutdown while present. The
// admin tool sets it with a short TTL; workers poll it between pages.
const ShutdownKey = "crawler:shutdown"

// Entry is a single discovered URL awaiting a fetch, serialized as opaque
// JSON bytes for the sorted-set member. Two entries for the same URL may
// exist briefly; the approximate URL filter is the dedup source of truth,
// not the frontier.
type Entry struct {
	URL     string    `json:"url"`
	Parent  string    `json:"parent"`
	Depth   uint      `json:"depth"`
	AddedAt time.Time `json:"added_at"`
}

// Marshal returns the canonical JSON encoding used both as the sorted-set
// member and for byte-string equality comparisons.
func (e Entry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Frontier is a priority queue over a Shared State Store sorted set.
type Frontier struct {
	rdb *redis.Client
}

// New constructs a Frontier backed by the given Shared State Store client.
func New(rdb *redis.Client) *Frontier {
	return &Frontier{rdb: rdb}
}

// Push inserts an entry at the given priority, stored as given: Push does
// not clamp it. ComputePriority and the requeue helper each apply the 1.0
// floor themselves before their priorities reach Push.
func (f *Frontier) Push(ctx context.Context, entry Entry, priority float64) error {
	payload, err := entry.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling frontier entry: %w", err)
	}
	return f.rdb.ZAdd(ctx, Key, redis.Z{Score: priority, Member: payload}).Err()
}

// Pop atomically removes and returns the single maximum-score member, or
// ok=false if the frontier is empty. Pop does not consult the approximate
// URL filter or robots.txt — those gates apply at link-insertion time, not
// at pop time.
func (f *Frontier) Pop(ctx context.Context) (entry Entry, priority float64, ok bool, err error) {
	results, err := f.rdb.ZPopMax(ctx, Key, 1).Result()
	if err != nil {
		return Entry{}, 0, false, fmt.Errorf("popping frontier: %w", err)
	}
	if len(results) == 0 {
		return Entry{}, 0, false, nil
	}
	member, _ := results[0].Member.(string)
	if err := json.Unmarshal([]byte(member), &entry); err != nil {
		return Entry{}, 0, false, fmt.Errorf("unmarshaling frontier entry: %w", err)
	}
	return entry, results[0].Score, true, nil
}

// ShutdownRequested reports whether the fleet-wide shutdown flag is set.
func (f *Frontier) ShutdownRequested(ctx context.Context) (bool, error) {
	n, err := f.rdb.Exists(ctx, ShutdownKey).Result()
	if err != nil {
		return false, fmt.Errorf("checking shutdown flag: %w", err)
	}
	return n > 0, nil
}

// Size returns the number of entries currently queued.
func (f *Frontier) Size(ctx context.Context) (int64, error) {
	n, err := f.rdb.ZCard(ctx, Key).Result()
	if err != nil {
		return 0, fmt.Errorf("sizing frontier: %w", err)
	}
	return n, nil
}

// excludedExtensions lists path suffixes (case-insensitive) that are never
// worth crawling.
var excludedExtensions = []string{
	".pdf", ".jpg", ".jpeg", ".png", ".gif", ".zip", ".exe", ".mp4", ".avi",
}

// Validate enforces the URL-insertion rules: http/https scheme, non-empty
// host, length bound, and a non-excluded file extension. It is a pure
// function so the worker loop and tests can call it without a store.
func Validate(rawURL string, host string, scheme string) bool {
	if scheme != "http" && scheme != "https" {
		return false
	}
	if host == "" {
		return false
	}
	if len(rawURL) > 500 {
		return false
	}
	lower := strings.ToLower(rawURL)
	for _, ext := range excludedExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	return true
}

// Content-ish pages get a +3 bump, authentication pages a -10 penalty,
// applied in ComputePriority.
var boostKeywords = []string{"/blog/", "/article/", "/post/", "/docs/"}
var penaltyKeywords = []string{"/login", "/signup", "/register", "/auth"}

// ComputePriority implements the insertion-time priority heuristic: base
// 100, -5 per unit of depth, +5 for index-like URLs, +3 for
// content-section URLs, -10 for auth-flow URLs, -10 for URLs over 200
// characters, clamped to a floor of 1.0.
func ComputePriority(url string, depth uint) float64 {
	priority := 100.0
	priority -= float64(depth) * 5

	if strings.HasSuffix(url, "/") || strings.HasSuffix(url, "/index.html") {
		priority += 5
	}

	lower := strings.ToLower(url)
	for _, kw := range boostKeywords {
		if strings.Contains(lower, kw) {
			priority += 3
			break
		}
	}
	for _, kw := range penaltyKeywords {
		if strings.Contains(lower, kw) {
			priority -= 10
			break
		}
	}

	if len(url) > 200 {
		priority -= 10
	}

	if priority < 1.0 {
		priority = 1.0
	}
	return priority
}
