// Package messaging contains middleware for communication with decoupled
// services, could be RabbitMQ drivers as well as kafka or redis
package messaging

import "time"

// PageCrawled is published by the worker loop once a page has been
// persisted by the storage writer, for consumption by the external
// monitoring tool.
type PageCrawled struct {
	URL       string    `json:"url"`
	Domain    string    `json:"domain"`
	Depth     int       `json:"depth"`
	LinkCount int       `json:"link_count"`
	WorkerID  string    `json:"worker_id"`
	CrawledAt time.Time `json:"crawled_at"`
}

// WorkerStats is published on worker shutdown, summarizing one worker's
// lifetime counters for the monitoring tool.
type WorkerStats struct {
	WorkerID           string `json:"worker_id"`
	PagesCrawled       int64  `json:"pages_crawled"`
	LinksExtracted     int64  `json:"links_extracted"`
	LinksAdded         int64  `json:"links_added"`
	LinksDuplicate     int64  `json:"links_duplicate"`
	LinksRobotsBlocked int64  `json:"links_robots_blocked"`
	Requeued           int64  `json:"re_queued"`
	Errors             int64  `json:"errors"`
	Timeouts           int64  `json:"timeouts"`
}
