// Package config centralizes settings for every crawler component, read
// once at process startup and passed by reference to constructors instead
// of being read from module-level constants scattered across packages.
package config

import (
	"time"

	"github.com/codepr/distcrawler/env"
)

// Config holds every tunable of the crawl engine. Components receive
// either the fields they need or a pointer to the whole Config; Config
// itself has no behavior.
type Config struct {
	// Redis connection
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MongoDB connection
	MongoURI string
	MongoDB  string

	// Fetching
	UserAgents     []string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Frontier
	SeedPriority float64

	// Approximate URL Filter
	FilterCapacity  uint64
	FilterErrorRate float64

	// Politeness
	DefaultCrawlDelay time.Duration
	RequeuePenalty    float64

	// Robots cache & fetcher
	RobotsCacheTTL time.Duration

	// Storage
	BatchSize int

	// Worker loop
	Concurrency    int
	IdleTimeout    time.Duration
	IdlePollEvery  time.Duration
	MaxPagesWorker int
}

// defaultUserAgents holds the ten realistic desktop-browser strings the
// fetcher rotates through per request.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.2; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		RedisAddr:         "localhost:6379",
		RedisDB:           0,
		MongoURI:          "mongodb://localhost:27017",
		MongoDB:           "web_crawler",
		UserAgents:        defaultUserAgents,
		ConnectTimeout:    3050 * time.Millisecond,
		ReadTimeout:       10 * time.Second,
		SeedPriority:      100.0,
		FilterCapacity:    10_000_000,
		FilterErrorRate:   0.001,
		DefaultCrawlDelay: 1 * time.Second,
		RequeuePenalty:    5.0,
		RobotsCacheTTL:    24 * time.Hour,
		BatchSize:         50,
		Concurrency:       1,
		IdleTimeout:       60 * time.Second,
		IdlePollEvery:     5 * time.Second,
		MaxPagesWorker:    0,
	}
}

// FromEnv builds a Config by overlaying environment variables on top of
// the defaults.
func FromEnv() *Config {
	c := Default()

	c.RedisAddr = env.GetEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = env.GetEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = env.GetEnvAsInt("REDIS_DB", c.RedisDB)

	c.MongoURI = env.GetEnv("MONGO_URI", c.MongoURI)
	c.MongoDB = env.GetEnv("MONGO_DB", c.MongoDB)

	c.ConnectTimeout = env.GetEnvAsDuration("CONNECT_TIMEOUT", c.ConnectTimeout)
	c.ReadTimeout = env.GetEnvAsDuration("READ_TIMEOUT", c.ReadTimeout)

	c.SeedPriority = env.GetEnvAsFloat("SEED_PRIORITY", c.SeedPriority)

	c.FilterCapacity = uint64(env.GetEnvAsInt("FILTER_CAPACITY", int(c.FilterCapacity)))
	c.FilterErrorRate = env.GetEnvAsFloat("FILTER_ERROR_RATE", c.FilterErrorRate)

	c.DefaultCrawlDelay = env.GetEnvAsDuration("DEFAULT_CRAWL_DELAY", c.DefaultCrawlDelay)
	c.RequeuePenalty = env.GetEnvAsFloat("REQUEUE_PENALTY", c.RequeuePenalty)

	c.RobotsCacheTTL = env.GetEnvAsDuration("ROBOTS_CACHE_TTL", c.RobotsCacheTTL)

	c.BatchSize = env.GetEnvAsInt("BATCH_SIZE", c.BatchSize)

	c.Concurrency = env.GetEnvAsInt("WORKER_CONCURRENCY", c.Concurrency)
	c.IdleTimeout = env.GetEnvAsDuration("IDLE_TIMEOUT", c.IdleTimeout)
	c.MaxPagesWorker = env.GetEnvAsInt("MAX_PAGES_PER_WORKER", c.MaxPagesWorker)

	return c
}
