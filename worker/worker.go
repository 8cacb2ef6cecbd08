// Package worker implements the worker loop: the state machine that pops a
// frontier entry, gates it on politeness, fetches and parses the page,
// expands accepted links back into the frontier, and hands the page to the
// storage writer. Every dependency is constructed once by the caller and
// passed in by reference; there are no process-wide statics.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codepr/distcrawler/bloomfilter"
	"github.com/codepr/distcrawler/config"
	"github.com/codepr/distcrawler/fetcher"
	"github.com/codepr/distcrawler/frontier"
	"github.com/codepr/distcrawler/messaging"
	"github.com/codepr/distcrawler/politeness"
	"github.com/codepr/distcrawler/robots"
	"github.com/codepr/distcrawler/storage"
)

// Stats holds the per-worker counters reported in the shutdown summary and
// consumed by the monitoring tool.
type Stats struct {
	PagesCrawled       int64
	LinksExtracted     int64
	LinksAdded         int64
	LinksDuplicate     int64
	LinksRobotsBlocked int64
	Requeued           int64
	Errors             int64
	Timeouts           int64
}

// Loop is one worker loop's state machine (a process may run several),
// holding a reference to every
// shared-state component it needs but owning none of their lifecycles
// except its own statistics and idle tracking.
type Loop struct {
	id        string
	cfg       *config.Config
	logger    *log.Logger
	frontier  *frontier.Frontier
	filter    *bloomfilter.Filter
	regulator *politeness.Regulator
	robots    *robots.Handler
	fetcher   *fetcher.Fetcher
	writer    *storage.Writer
	queue     messaging.Producer

	mu        sync.Mutex
	stats     Stats
	idleSince time.Time
	pagesDone int
}

// New constructs a Loop. id identifies this worker in persisted page
// metadata and in published events; queue may be nil if no event consumer
// is wired (messaging.ChannelQueue is the in-process default).
func New(id string, cfg *config.Config, f *frontier.Frontier, filter *bloomfilter.Filter,
	regulator *politeness.Regulator, rcf *robots.Handler, fetch *fetcher.Fetcher,
	writer *storage.Writer, queue messaging.Producer) *Loop {
	return &Loop{
		id:        id,
		cfg:       cfg,
		logger:    log.New(os.Stderr, "worker["+id+"]: ", log.LstdFlags),
		frontier:  f,
		filter:    filter,
		regulator: regulator,
		robots:    rcf,
		fetcher:   fetch,
		writer:    writer,
		queue:     queue,
	}
}

// Run drives the IDLE→POP→LEASE→FETCH→PARSE→EXPAND→PERSIST state machine
// until ctx is cancelled, the per-worker page cap is reached, or the
// frontier has stayed empty for cfg.IdleTimeout. It always flushes the
// storage writer before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.idleSince = time.Time{}

	for {
		select {
		case <-ctx.Done():
			l.logger.Println("context cancelled, shutting down")
			return l.shutdown(context.Background())
		default:
		}

		if l.cfg.MaxPagesWorker > 0 && l.pagesDone >= l.cfg.MaxPagesWorker {
			l.logger.Printf("reached page cap (%d), shutting down", l.cfg.MaxPagesWorker)
			return l.shutdown(context.Background())
		}

		if stop, err := l.frontier.ShutdownRequested(ctx); err == nil && stop {
			l.logger.Println("fleet shutdown flag set, shutting down")
			return l.shutdown(context.Background())
		}

		entry, priority, ok, err := l.frontier.Pop(ctx)
		if err != nil {
			l.logger.Printf("popping frontier: %v", err)
			if !l.sleep(ctx, l.cfg.IdlePollEvery) {
				return l.shutdown(context.Background())
			}
			continue
		}
		if !ok {
			if l.idleSince.IsZero() {
				l.idleSince = time.Now()
			} else if time.Since(l.idleSince) >= l.cfg.IdleTimeout {
				l.logger.Println("frontier empty past idle timeout, shutting down")
				return l.shutdown(context.Background())
			}
			if !l.sleep(ctx, l.cfg.IdlePollEvery) {
				return l.shutdown(context.Background())
			}
			continue
		}
		l.idleSince = time.Time{}

		if l.step(ctx, entry, priority) {
			l.pagesDone++
		}
	}
}

// step runs a single LEASE→FETCH→PARSE→EXPAND→PERSIST cycle for one popped
// entry, reporting whether a page was actually fetched (a requeue or a
// failed fetch does not count against the page cap). It never returns an
// error: every failure mode is absorbed here and recorded in stats, so no
// failure propagates past the per-page boundary.
func (l *Loop) step(ctx context.Context, entry frontier.Entry, priority float64) bool {
	delay, err := l.regulator.GetCrawlDelay(ctx, entry.URL)
	if err != nil {
		l.logger.Printf("resolving crawl delay for %s: %v", entry.URL, err)
		delay = l.cfg.DefaultCrawlDelay
	}

	ok, err := l.regulator.CanCrawl(ctx, entry.URL, delay)
	if err != nil {
		l.logger.Printf("acquiring lease for %s: %v", entry.URL, err)
		return false
	}
	if !ok {
		if err := politeness.Requeue(ctx, l.frontier, entry, priority, l.cfg.RequeuePenalty); err != nil {
			l.logger.Printf("requeuing %s: %v", entry.URL, err)
		}
		l.addStat(func(s *Stats) { s.Requeued++ })
		return false
	}

	result, err := l.fetcher.FetchAndParse(entry.URL)
	if err != nil {
		switch {
		case errors.Is(err, fetcher.ErrNonHTMLContent):
			// Non-HTML content: skipped with no persist and no retry, not
			// counted as an error.
		case isTimeout(err):
			l.addStat(func(s *Stats) { s.Timeouts++ })
		default:
			// The URL's filter bits were set at link-discovery time, so a
			// failed fetch is neither requeued nor retried.
			l.addStat(func(s *Stats) { s.Errors++ })
		}
		l.logger.Printf("fetching %s: %v", entry.URL, err)
		return false
	}

	links := make([]string, 0, len(result.Links))
	for _, link := range result.Links {
		links = append(links, link.String())
	}
	l.addStat(func(s *Stats) { s.LinksExtracted += int64(len(links)) })

	l.expand(ctx, entry, links)

	domain := hostOf(entry.URL)
	stored, err := l.writer.AddPage(ctx, entry.URL, result.Body, links, domain, int(entry.Depth), l.id)
	if err != nil {
		l.logger.Printf("persisting %s: %v", entry.URL, err)
		return true
	}
	if stored {
		l.addStat(func(s *Stats) { s.PagesCrawled++ })
		l.publish(entry, domain, len(links))
	}
	return true
}

// expand filters a page's outbound links through URL validation, the URL
// filter, and robots.txt in that order, pushing every surviving link back
// into the frontier at its computed priority.
func (l *Loop) expand(ctx context.Context, entry frontier.Entry, links []string) {
	candidates := make([]string, 0, len(links))
	for _, link := range links {
		u, host, scheme, ok := splitURL(link)
		if !ok || !frontier.Validate(u, host, scheme) {
			continue
		}
		candidates = append(candidates, link)
	}

	var newCandidates []string
	for _, link := range candidates {
		seen, err := l.filter.Contains(ctx, link)
		if err != nil {
			l.logger.Printf("checking filter for %s: %v", link, err)
			continue
		}
		if seen {
			l.addStat(func(s *Stats) { s.LinksDuplicate++ })
			continue
		}
		newCandidates = append(newCandidates, link)
	}
	if len(newCandidates) == 0 {
		return
	}

	decisions, err := l.robots.CanFetchBatch(ctx, newCandidates)
	if err != nil {
		l.logger.Printf("checking robots for batch: %v", err)
		return
	}

	for _, link := range newCandidates {
		if !decisions[link] {
			l.addStat(func(s *Stats) { s.LinksRobotsBlocked++ })
			continue
		}
		if _, err := l.filter.Add(ctx, link); err != nil {
			l.logger.Printf("adding %s to filter: %v", link, err)
			continue
		}
		priority := frontier.ComputePriority(link, entry.Depth+1)
		childEntry := frontier.Entry{
			URL:     link,
			Parent:  entry.URL,
			Depth:   entry.Depth + 1,
			AddedAt: time.Now().UTC(),
		}
		if err := l.frontier.Push(ctx, childEntry, priority); err != nil {
			l.logger.Printf("pushing %s to frontier: %v", link, err)
			continue
		}
		l.addStat(func(s *Stats) { s.LinksAdded++ })
	}
}

func (l *Loop) publish(entry frontier.Entry, domain string, linkCount int) {
	if l.queue == nil {
		return
	}
	event := messaging.PageCrawled{
		URL:       entry.URL,
		Domain:    domain,
		Depth:     int(entry.Depth),
		LinkCount: linkCount,
		WorkerID:  l.id,
		CrawledAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		l.logger.Printf("marshaling page-crawled event: %v", err)
		return
	}
	if err := l.queue.Produce(payload); err != nil {
		l.logger.Printf("publishing page-crawled event: %v", err)
	}
}

// shutdown flushes the storage writer and emits a final WorkerStats event
// alongside the logged statistics summary.
func (l *Loop) shutdown(ctx context.Context) error {
	flushErr := l.writer.Close(ctx)
	if flushErr != nil {
		l.logger.Printf("flushing storage writer on shutdown: %v", flushErr)
	}

	stats := l.Stats()
	l.logger.Printf("final stats: crawled=%d links_added=%d links_duplicate=%d "+
		"links_blocked=%d requeued=%d errors=%d timeouts=%d",
		stats.PagesCrawled, stats.LinksAdded, stats.LinksDuplicate,
		stats.LinksRobotsBlocked, stats.Requeued, stats.Errors, stats.Timeouts)

	if l.queue != nil {
		event := messaging.WorkerStats{
			WorkerID:           l.id,
			PagesCrawled:       stats.PagesCrawled,
			LinksExtracted:     stats.LinksExtracted,
			LinksAdded:         stats.LinksAdded,
			LinksDuplicate:     stats.LinksDuplicate,
			LinksRobotsBlocked: stats.LinksRobotsBlocked,
			Requeued:           stats.Requeued,
			Errors:             stats.Errors,
			Timeouts:           stats.Timeouts,
		}
		if payload, err := json.Marshal(event); err == nil {
			l.queue.Produce(payload)
		}
	}

	return flushErr
}

// Stats returns a snapshot of this worker's lifetime counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) addStat(fn func(*Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

// sleep waits for d or ctx cancellation, returning false if the loop should
// stop (ctx was cancelled before d elapsed).
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "context deadline exceeded")
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func splitURL(rawURL string) (u, host, scheme string, ok bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", false
	}
	return rawURL, parsed.Host, parsed.Scheme, true
}
