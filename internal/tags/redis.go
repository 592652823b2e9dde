package tags

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisProvider reads the shared id-tag pool from a Redis set, so every
// simulator worker in a fleet draws from the same tags.
type RedisProvider struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

// NewRedisProvider connects to Redis and verifies the connection.
func NewRedisProvider(ctx context.Context, url, key string, log *zap.Logger) (*RedisProvider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("Connected to Redis id-tag pool", zap.String("key", key))
	return &RedisProvider{client: client, key: key, log: log}, nil
}

func (p *RedisProvider) IdTags(ctx context.Context) ([]string, error) {
	tags, err := p.client.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read id-tag pool: %w", err)
	}
	return tags, nil
}

// Close releases the Redis connection.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}
