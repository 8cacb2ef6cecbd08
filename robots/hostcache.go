package robots

import (
	"sync"

	"github.com/temoto/robotstxt"

	"github.com/codepr/distcrawler/timeutil"
)

// hostCache is a per-worker in-memory cache of parsed robots.txt groups,
// keyed by host with a fetch timestamp per entry so entries can expire.
type hostCache struct {
	mutex sync.RWMutex
	cache map[string]cachedGroup
	clock timeutil.Clock
}

type cachedGroup struct {
	group     *robotstxt.Group
	fetchedAt int64
}

func newHostCache(clock timeutil.Clock) *hostCache {
	return &hostCache{cache: make(map[string]cachedGroup), clock: clock}
}

// Set records the parsed group for domain, timestamped at the current
// clock time.
func (c *hostCache) Set(domain string, group *robotstxt.Group) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[domain] = cachedGroup{group: group, fetchedAt: c.clock.Now().Unix()}
}

// Get returns the cached group for domain if present and younger than
// ttlSeconds.
func (c *hostCache) Get(domain string, ttlSeconds int64) (*robotstxt.Group, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, ok := c.cache[domain]
	if !ok {
		return nil, false
	}
	if c.clock.Now().Unix()-entry.fetchedAt >= ttlSeconds {
		return nil, false
	}
	return entry.group, true
}
