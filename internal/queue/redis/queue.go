// Package redis provides a Redis-backed task queue for multi-process runs.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// Config controls the Redis connection and queue key.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// BlockFor bounds each BRPOP wait so context cancellation is observed.
	BlockFor time.Duration
}

// Queue implements crawl.TaskQueue on a Redis list.
type Queue struct {
	client *redis.Client
	key    string
	block  time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Key == "" {
		cfg.Key = "crawler:tasks"
	}
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Queue{client: client, key: cfg.Key, block: cfg.BlockFor}, nil
}

// Enqueue pushes a JSON-encoded item onto the list.
func (q *Queue) Enqueue(ctx context.Context, item crawl.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("lpush task: %w", err)
	}
	return nil
}

// Dequeue blocks until an item is available or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (crawl.QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return crawl.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		result, err := q.client.BRPop(ctx, q.block, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return crawl.QueueItem{}, fmt.Errorf("brpop task: %w", err)
		}
		if len(result) != 2 {
			return crawl.QueueItem{}, fmt.Errorf("unexpected BRPOP result: %v", result)
		}
		var item crawl.QueueItem
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			return crawl.QueueItem{}, fmt.Errorf("unmarshal queue item: %w", err)
		}
		return item, nil
	}
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
