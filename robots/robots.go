// Package robots implements the robots cache and fetcher: given a batch
// of candidate URLs, groups them by host, resolves each host's robots.txt
// exactly once per cache window, and reports allow/deny per URL. Fetches
// for distinct hosts run concurrently so a batch of N hosts costs roughly
// one fetch's latency rather than N.
package robots

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/temoto/robotstxt"

	"github.com/codepr/distcrawler/politeness"
	"github.com/codepr/distcrawler/timeutil"
)

const (
	robotsPath       = "/robots.txt"
	redisCacheFmt    = "robots_cache:%s"
	fetchTimeout     = 3 * time.Second
	fetchConnTimeout = 1 * time.Second
)

// Fetcher is the minimal HTTP surface the robots fetcher needs, satisfied
// by http.Client and by test doubles.
type Fetcher interface {
	Get(url string) (*http.Response, error)
}

// Handler resolves robots.txt permissions for batches of URLs, caching
// parsed groups both in-process and in the Shared State Store.
type Handler struct {
	rdb       *redis.Client
	fetcher   Fetcher
	userAgent string
	cacheTTL  time.Duration
	local     *hostCache
	regulator *politeness.Regulator
}

// New constructs a Handler. regulator is optional; when non-nil, a
// discovered Crawl-delay directive is recorded there for the politeness
// regulator to pick up. The HTTP client bounds dialing to 1s and the full
// request to 3s so a dead host cannot stall a batch.
func New(rdb *redis.Client, userAgent string, cacheTTL time.Duration, regulator *politeness.Regulator) *Handler {
	client := &http.Client{
		Timeout: fetchTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: fetchConnTimeout}).DialContext,
		},
	}
	return &Handler{
		rdb:       rdb,
		fetcher:   client,
		userAgent: userAgent,
		cacheTTL:  cacheTTL,
		local:     newHostCache(timeutil.New()),
		regulator: regulator,
	}
}

// WithFetcher overrides the HTTP fetcher, used by tests to avoid real
// network calls.
func (h *Handler) WithFetcher(f Fetcher) *Handler {
	h.fetcher = f
	return h
}

// CanFetchBatch groups urls by host, resolves robots.txt for every distinct
// host concurrently, and returns an allow/deny map keyed by the original
// URL. A host whose robots.txt cannot be retrieved or parsed is treated as
// fully permissive, matching the "no robots.txt = allow all" rule.
func (h *Handler) CanFetchBatch(ctx context.Context, urls []string) (map[string]bool, error) {
	if len(urls) == 0 {
		return map[string]bool{}, nil
	}

	hostToURLs := make(map[string][]string)
	for _, u := range urls {
		host := extractHost(u)
		if host == "" {
			continue
		}
		hostToURLs[host] = append(hostToURLs[host], u)
	}

	hosts := make([]string, 0, len(hostToURLs))
	for host := range hostToURLs {
		hosts = append(hosts, host)
	}

	groups := h.fetchGroupsParallel(ctx, hosts)

	results := make(map[string]bool, len(urls))
	for _, u := range urls {
		host := extractHost(u)
		if host == "" {
			results[u] = true
			continue
		}
		group := groups[host]
		if group == nil {
			results[u] = true
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil {
			results[u] = true
			continue
		}
		results[u] = group.Test(parsed.RequestURI())
	}
	return results, nil
}

// fetchGroupsParallel resolves the robots.txt group for each host,
// checking the in-process cache then the Shared State Store cache before
// issuing network fetches for the remainder concurrently.
func (h *Handler) fetchGroupsParallel(ctx context.Context, hosts []string) map[string]*robotstxt.Group {
	groups := make(map[string]*robotstxt.Group, len(hosts))
	var toFetch []string

	ttlSeconds := int64(h.cacheTTL.Seconds())
	for _, host := range hosts {
		if group, ok := h.local.Get(host, ttlSeconds); ok {
			groups[host] = group
			continue
		}
		if group, ok := h.fetchFromRedisCache(ctx, host); ok {
			h.local.Set(host, group)
			groups[host] = group
			continue
		}
		toFetch = append(toFetch, host)
	}

	if len(toFetch) == 0 {
		return groups
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, host := range toFetch {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			group, content, resolved := h.fetchHost(ctx, host)

			mu.Lock()
			groups[host] = group
			mu.Unlock()

			// Only definitive answers reach the shared cache: a parsed 200
			// body, or empty content meaning "no robots.txt". An unresolved
			// host (network failure on both schemes) skips the shared cache
			// but is still recorded in the in-process cache as permissive
			// for the TTL, so a dead host costs this worker one fetch
			// attempt per cache window rather than one per batch; other
			// workers retry it on their own shared-cache miss.
			if resolved {
				h.cacheRedis(ctx, host, content)
			}
			h.local.Set(host, group)
		}(host)
	}
	wg.Wait()

	return groups
}

func (h *Handler) fetchFromRedisCache(ctx context.Context, host string) (*robotstxt.Group, bool) {
	content, err := h.rdb.HGet(ctx, fmt.Sprintf(redisCacheFmt, host), "content").Result()
	if err != nil {
		return nil, false
	}
	if content == "" {
		// Cached absence: the host has no robots.txt, everything is allowed.
		return nil, true
	}
	data, err := robotstxt.FromString(content)
	if err != nil {
		return nil, false
	}
	return data.FindGroup(h.userAgent), true
}

func (h *Handler) cacheRedis(ctx context.Context, host, content string) {
	key := fmt.Sprintf(redisCacheFmt, host)
	h.rdb.HSet(ctx, key, map[string]interface{}{
		"content":    content,
		"fetched_at": time.Now().Unix(),
	})
	h.rdb.Expire(ctx, key, h.cacheTTL)
}

// fetchHost tries https then http, per the "try HTTPS first, then HTTP"
// rule. resolved reports whether a definitive answer was obtained: a 200
// with parseable content, or a 404/403 meaning "no robots.txt, allow all";
// network failure on both schemes leaves the host unresolved and permissive.
func (h *Handler) fetchHost(ctx context.Context, host string) (group *robotstxt.Group, content string, resolved bool) {
	for _, scheme := range []string{"https", "http"} {
		robotsURL := scheme + "://" + host + robotsPath
		resp, err := h.fetcher.Get(robotsURL)
		if err != nil {
			continue
		}

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, "", true
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			continue
		}
		content = string(body)

		data, err := robotstxt.FromString(content)
		if err != nil {
			return nil, "", true
		}

		if h.regulator != nil {
			if delay, ok := parseCrawlDelayLine(content); ok {
				h.regulator.SetCrawlDelay(ctx, robotsURL, delay)
			}
		}

		return data.FindGroup(h.userAgent), content, true
	}
	return nil, "", false
}

func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// parseCrawlDelayLine scans raw robots.txt text for the first valid
// Crawl-delay directive, which the robotstxt parser does not surface
// per-group.
func parseCrawlDelayLine(content string) (time.Duration, bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(line, "crawl-delay:") {
			val := strings.TrimSpace(strings.TrimPrefix(line, "crawl-delay:"))
			seconds, err := strconv.ParseFloat(val, 64)
			if err != nil {
				continue
			}
			return time.Duration(seconds * float64(time.Second)), true
		}
	}
	return 0, false
}
