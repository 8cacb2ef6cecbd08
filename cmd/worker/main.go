// Command worker is the process entrypoint that wires every crawl-engine
// component together, seeds the frontier from its positional arguments,
// and runs the worker loops until shutdown. Fleet-level seeding and
// monitoring belong to the external admin tool; the positional-argument
// seeding here is a stand-in for local runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/codepr/distcrawler/bloomfilter"
	"github.com/codepr/distcrawler/config"
	"github.com/codepr/distcrawler/fetcher"
	"github.com/codepr/distcrawler/frontier"
	"github.com/codepr/distcrawler/messaging"
	"github.com/codepr/distcrawler/politeness"
	"github.com/codepr/distcrawler/robots"
	"github.com/codepr/distcrawler/storage"
	"github.com/codepr/distcrawler/store"
	"github.com/codepr/distcrawler/worker"
)

const bloomKey = "crawler:bloom"

func main() {
	var (
		workerID    = flag.String("worker-id", "", "worker identifier (default: random UUID)")
		concurrency = flag.Int("concurrency", 0, "number of concurrent worker loops (0 = use config default)")
		maxPages    = flag.Int("max-pages", 0, "max pages to crawl before exiting (0 = unbounded)")
		idleTimeout = flag.Int("idle-timeout", 0, "seconds the frontier may stay empty before exiting (0 = use config default)")
		redisAddr   = flag.String("redis-addr", "", "Shared State Store address (overrides REDIS_ADDR)")
		mongoURI    = flag.String("mongo-uri", "", "Durable Store URI (overrides MONGO_URI)")
		batchSize   = flag.Int("batch-size", 0, "storage writer batch size (0 = use config default)")
	)
	flag.Parse()
	seeds := flag.Args()

	cfg := config.FromEnv()
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *mongoURI != "" {
		cfg.MongoURI = *mongoURI
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	if *idleTimeout > 0 {
		cfg.IdleTimeout = time.Duration(*idleTimeout) * time.Second
	}
	if *maxPages > 0 {
		cfg.MaxPagesWorker = *maxPages
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	id := *workerID
	if id == "" {
		id = uuid.NewString()
	}

	logger := log.New(os.Stderr, "cmd/worker: ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := store.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatalf("fatal: %v", err)
	}
	defer rdb.Close()

	mongoClient, err := store.NewMongoClient(ctx, cfg)
	if err != nil {
		logger.Fatalf("fatal: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())

	metadataStore := storage.NewMongoMetadataStore(mongoClient.Database(cfg.MongoDB).Collection("pages_metadata"))
	if err := metadataStore.EnsureIndexes(ctx); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
	contentStore := storage.NewMongoContentStore(mongoClient.Database(cfg.MongoDB).Collection("pages_content"))
	if err := contentStore.EnsureIndexes(ctx); err != nil {
		logger.Fatalf("fatal: %v", err)
	}

	f := frontier.New(rdb)
	filter, err := bloomfilter.New(ctx, rdb, bloomKey, int64(cfg.FilterCapacity), cfg.FilterErrorRate)
	if err != nil {
		logger.Fatalf("fatal: %v", err)
	}
	regulator := politeness.New(rdb, cfg.DefaultCrawlDelay)
	rcf := robots.New(rdb, cfg.UserAgents[0], cfg.RobotsCacheTTL, regulator)
	fetch := fetcher.New(cfg.UserAgents, fetcher.NewGoqueryParser(), cfg.ConnectTimeout, cfg.ReadTimeout)
	writer := storage.New(metadataStore, contentStore, cfg.BatchSize)
	queue := messaging.NewChannelQueue()
	go drainEvents(logger, queue)

	for _, seed := range seeds {
		entry := frontier.Entry{URL: seed, Depth: 0, AddedAt: time.Now().UTC()}
		if err := f.Push(ctx, entry, cfg.SeedPriority); err != nil {
			logger.Printf("seeding %s: %v", seed, err)
			continue
		}
		filter.Add(ctx, seed)
	}

	loops := make([]*worker.Loop, cfg.Concurrency)
	for i := range loops {
		loopID := id
		if cfg.Concurrency > 1 {
			loopID = fmt.Sprintf("%s-%d", id, i)
		}
		loops[i] = worker.New(loopID, cfg, f, filter, regulator, rcf, fetch, writer, queue)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		logger.Printf("received %s, shutting down gracefully", sig)
		cancel()
	}()

	logger.Printf("worker %s starting %d loop(s), %d seed(s)", id, cfg.Concurrency, len(seeds))
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(loop *worker.Loop) {
			defer wg.Done()
			if err := loop.Run(ctx); err != nil {
				logger.Printf("worker loop exited with error: %v", err)
			}
		}(loop)
	}
	wg.Wait()

	var total worker.Stats
	for _, loop := range loops {
		stats := loop.Stats()
		total.PagesCrawled += stats.PagesCrawled
		total.LinksExtracted += stats.LinksExtracted
		total.LinksAdded += stats.LinksAdded
		total.LinksDuplicate += stats.LinksDuplicate
		total.LinksRobotsBlocked += stats.LinksRobotsBlocked
		total.Requeued += stats.Requeued
		total.Errors += stats.Errors
		total.Timeouts += stats.Timeouts
	}

	printSummary(logger, total, writer.GetStats())
	queue.Close()
}

func drainEvents(logger *log.Logger, queue messaging.ChannelQueue) {
	events := make(chan []byte, 64)
	go func() {
		if err := queue.Consume(events); err != nil {
			logger.Printf("event bus closed: %v", err)
		}
	}()
	for range events {
		// The external monitoring tool is the real consumer of these
		// events; this worker process only needs to keep the channel
		// draining so Produce never blocks.
	}
}

func printSummary(logger *log.Logger, stats worker.Stats, storageStats storage.Stats) {
	logger.Println("=== crawl summary ===")
	logger.Printf("Pages crawled:        %s", humanize.Comma(stats.PagesCrawled))
	logger.Printf("Links extracted:      %s", humanize.Comma(stats.LinksExtracted))
	logger.Printf("Links added:          %s", humanize.Comma(stats.LinksAdded))
	logger.Printf("Links duplicate:      %s", humanize.Comma(stats.LinksDuplicate))
	logger.Printf("Links robots blocked: %s", humanize.Comma(stats.LinksRobotsBlocked))
	logger.Printf("Re-queued:            %s", humanize.Comma(stats.Requeued))
	logger.Printf("Errors:               %s", humanize.Comma(stats.Errors))
	logger.Printf("Timeouts:             %s", humanize.Comma(stats.Timeouts))

	if storageStats.PagesStored > 0 {
		savings := (1 - storageStats.CompressionRatio) * 100
		logger.Printf("Pages stored:         %s", humanize.Comma(storageStats.PagesStored))
		logger.Printf("Original size:        %s", humanize.Bytes(uint64(storageStats.BytesOriginal)))
		logger.Printf("Compressed size:      %s", humanize.Bytes(uint64(storageStats.BytesCompressed)))
		logger.Printf("Space saved:          %s", fmt.Sprintf("%.1f%%", savings))
	}
}
