package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions accepts either a redis:// URL or a bare host:port.
func RedisOptions(url string) *redis.Options {
	opts, err := redis.ParseURL(url)
	if err != nil {
		// Fall back to simple connection
		opts = &redis.Options{
			Addr: url,
		}
	}

	// Configure connection pool
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.MaxRetries = 3
	// blocking XREADGROUP calls must not hit the socket deadline
	opts.ReadTimeout = 10 * time.Second
	return opts
}

// NewRedisClient creates a client and checks it answers a PING.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	client := redis.NewClient(RedisOptions(url))

	if err := RedisHealthCheck(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// RedisHealthCheck performs a health check on Redis connection
func RedisHealthCheck(ctx context.Context, client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}
