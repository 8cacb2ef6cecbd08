// Package store builds the two Shared State Store / Durable Store clients
// every other component is constructed with. Both constructors ping their
// backend so an unreachable store fails the process at startup rather than
// mid-crawl.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/codepr/distcrawler/config"
)

// NewRedisClient connects to the Shared State Store backing the
// frontier, the approximate URL filter, the politeness locks and the
// robots.txt cache.
func NewRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to shared state store: %w", err)
	}
	return client, nil
}
