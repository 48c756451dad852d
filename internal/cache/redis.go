package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/webscraper/internal/filehost"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// Cache keeps correlation -> attached file entries in Redis so that feeds
// sharing an attachment skip the index round trip.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a new Redis cache client
func NewCache(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr)

	return newCache(client, ttl), nil
}

func newCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// GenerateCorrelationKey builds the Redis key of a correlation
func (c *Cache) GenerateCorrelationKey(correlation string) string {
	return "correlation:" + correlation
}

// GetAttachments returns the cached entries among correlations. Misses are
// simply absent from the result.
func (c *Cache) GetAttachments(ctx context.Context, correlations []string) (map[string]filehost.AttachedFile, error) {
	found := make(map[string]filehost.AttachedFile)
	if len(correlations) == 0 {
		return found, nil
	}

	keys := make([]string, len(correlations))
	for i, correlation := range correlations {
		keys[i] = c.GenerateCorrelationKey(correlation)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get correlations: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		file, err := decodeEntry(raw)
		if err != nil {
			// Invalid data format, delete and treat as a miss
			c.client.Del(ctx, keys[i])
			continue
		}
		found[correlations[i]] = file
	}
	return found, nil
}

// SetAttachments stores entries with the cache TTL
func (c *Cache) SetAttachments(ctx context.Context, files map[string]filehost.AttachedFile) error {
	if len(files) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for correlation, file := range files {
		data, err := json.Marshal(file)
		if err != nil {
			return fmt.Errorf("failed to marshal correlation %s: %w", correlation, err)
		}
		pipe.Set(ctx, c.GenerateCorrelationKey(correlation), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set correlations: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health returns cache health information
func (c *Cache) Health(ctx context.Context) map[string]any {
	health := map[string]any{
		"status": "healthy",
		"type":   "redis",
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		health["status"] = "unhealthy"
		health["error"] = err.Error()
		return health
	}

	if dbSize, err := c.client.DBSize(ctx).Result(); err == nil {
		health["key_count"] = dbSize
	}

	return health
}

func decodeEntry(raw string) (filehost.AttachedFile, error) {
	var file filehost.AttachedFile
	if err := json.Unmarshal([]byte(raw), &file); err != nil {
		return file, err
	}
	if file.Fuuid == "" {
		return file, errors.New("entry without fuuid")
	}
	return file, nil
}
