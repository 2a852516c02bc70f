// Package jobcache tracks ephemeral, diagnostic-only state in Redis: the
// current job (for process-restart inspection) and which workers are
// currently connected. Neither is consulted on the share-validation path —
// duplicate-share rejection and difficulty state stay in-process, per
// spec.md §4.4 and §5.
package jobcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/config"
)

// Cache wraps the Redis-backed presence and job-snapshot keys.
type Cache struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewWithClient builds a Cache around an already-constructed Redis client,
// skipping the connectivity check in New. Used to inject a test client.
func NewWithClient(client *redis.Client, cfg config.RedisConfig, logger *zap.Logger) *Cache {
	return &Cache{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("jobcache"),
		keyPrefix: cfg.KeyPrefix,
	}
}

// New connects to Redis.
func New(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &Cache{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("jobcache"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) key(parts ...string) string {
	key := c.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// CacheCurrentJob snapshots the current job so a restarted process can
// report its last-known state; it is never read back into live validation.
func (c *Cache) CacheCurrentJob(ctx context.Context, jobID string, jobData []byte) error {
	key := c.key("job", "current")
	if _, err := c.client.Set(ctx, key, jobData, 5*time.Minute).Result(); err != nil {
		return fmt.Errorf("failed to cache current job: %w", err)
	}
	return nil
}

// GetCachedJob returns the last-snapshotted current job, if any.
func (c *Cache) GetCachedJob(ctx context.Context) ([]byte, error) {
	key := c.key("job", "current")
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached job: %w", err)
	}
	return data, nil
}

// AddOnlineWorker marks a worker present, refreshing its heartbeat TTL.
func (c *Cache) AddOnlineWorker(ctx context.Context, workerName string) error {
	key := c.key("workers", "online")
	if _, err := c.client.SAdd(ctx, key, workerName).Result(); err != nil {
		return fmt.Errorf("failed to add online worker: %w", err)
	}

	heartbeatKey := c.key("worker", workerName, "heartbeat")
	_, err := c.client.Set(ctx, heartbeatKey, time.Now().Unix(), c.cfg.WorkerTTL).Result()
	return err
}

// RemoveOnlineWorker clears a worker's presence on disconnect.
func (c *Cache) RemoveOnlineWorker(ctx context.Context, workerName string) error {
	key := c.key("workers", "online")
	if _, err := c.client.SRem(ctx, key, workerName).Result(); err != nil {
		return fmt.Errorf("failed to remove online worker: %w", err)
	}

	heartbeatKey := c.key("worker", workerName, "heartbeat")
	c.client.Del(ctx, heartbeatKey)
	return nil
}

// OnlineWorkers returns the names of all currently-present workers.
func (c *Cache) OnlineWorkers(ctx context.Context) ([]string, error) {
	key := c.key("workers", "online")
	workers, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online workers: %w", err)
	}
	return workers, nil
}

// OnlineWorkerCount returns the number of currently-present workers.
func (c *Cache) OnlineWorkerCount(ctx context.Context) (int64, error) {
	key := c.key("workers", "online")
	count, err := c.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get online worker count: %w", err)
	}
	return count, nil
}
