// Package politeness implements the distributed per-host politeness
// regulator and its requeue helper: a host lease acquired via an
// atomic set-if-absent-with-expiry against the Shared State Store, and the
// "snooze" re-insertion of a frontier entry that lost the lease race.
package politeness

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codepr/distcrawler/frontier"
)

const (
	lockKeyPrefix  = "lock:"
	robotsDelayFmt = "crawler:robots:delay:%s"
	domainStateFmt = "crawler:domain_state:%s"
	robotsDelayTTL = 86400 * time.Second
)

// Regulator enforces the "one fetch per host per crawl-delay window" rule
// via a Redis lease, with no central coordinator: every worker attempts the
// same atomic SETNX and only one can win per TTL window.
type Regulator struct {
	rdb          *redis.Client
	defaultDelay time.Duration
}

// New constructs a Regulator. defaultDelay is used when neither a
// robots.txt delay nor a stored domain-state delay is available.
func New(rdb *redis.Client, defaultDelay time.Duration) *Regulator {
	return &Regulator{rdb: rdb, defaultDelay: defaultDelay}
}

// LockKey extracts the scheme://host portion of a URL and returns the
// Shared State Store key guarding it (`lock:{scheme}://{host}`).
func LockKey(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url for lock key: %w", err)
	}
	return lockKeyPrefix + parsed.Scheme + "://" + parsed.Host, nil
}

// hostKey returns the bare scheme://host, used as the suffix for the
// robots-delay and domain-state keys.
func hostKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	return parsed.Scheme + "://" + parsed.Host
}

// CanCrawl attempts to acquire the host lease for delay seconds, rounded up
// to whole seconds with a 1s floor since the lease TTL is integral. Returns
// true if the lease was acquired (the worker may fetch), false if the host
// is in its cool-down window.
func (r *Regulator) CanCrawl(ctx context.Context, rawURL string, delay time.Duration) (bool, error) {
	key, err := LockKey(rawURL)
	if err != nil {
		return false, err
	}
	ttl := time.Duration(math.Ceil(delay.Seconds())) * time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	acquired, err := r.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring host lease: %w", err)
	}
	return acquired, nil
}

// GetCrawlDelay resolves the crawl delay for a URL's host in order:
// robots.txt-derived delay, then stored domain state, then the configured
// default.
func (r *Regulator) GetCrawlDelay(ctx context.Context, rawURL string) (time.Duration, error) {
	host := hostKey(rawURL)

	if val, err := r.rdb.Get(ctx, fmt.Sprintf(robotsDelayFmt, host)).Float64(); err == nil {
		return time.Duration(val * float64(time.Second)), nil
	} else if err != redis.Nil {
		return 0, fmt.Errorf("reading robots delay: %w", err)
	}

	state, err := r.rdb.HGetAll(ctx, fmt.Sprintf(domainStateFmt, host)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading domain state: %w", err)
	}
	if raw, ok := state["crawl_delay"]; ok {
		var delay float64
		if _, scanErr := fmt.Sscanf(raw, "%f", &delay); scanErr == nil {
			return time.Duration(delay * float64(time.Second)), nil
		}
	}

	return r.defaultDelay, nil
}

// SetCrawlDelay records a crawl delay for a host, used by the robots
// fetcher once it has parsed a Crawl-delay directive.
func (r *Regulator) SetCrawlDelay(ctx context.Context, rawURL string, delay time.Duration) error {
	host := hostKey(rawURL)
	seconds := delay.Seconds()

	if err := r.rdb.HSet(ctx, fmt.Sprintf(domainStateFmt, host), "crawl_delay", seconds).Err(); err != nil {
		return fmt.Errorf("writing domain state: %w", err)
	}
	if err := r.rdb.Set(ctx, fmt.Sprintf(robotsDelayFmt, host), seconds, robotsDelayTTL).Err(); err != nil {
		return fmt.Errorf("writing robots delay cache: %w", err)
	}
	return nil
}

// Requeue re-inserts a frontier entry that lost its lease race, the
// "snooze" mechanism: lower priority by penalty, floor 1.0, never dropped.
func Requeue(ctx context.Context, f *frontier.Frontier, entry frontier.Entry, currentPriority, penalty float64) error {
	newPriority := currentPriority - penalty
	if newPriority < 1.0 {
		newPriority = 1.0
	}
	return f.Push(ctx, entry, newPriority)
}
