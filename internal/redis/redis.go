package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/playstake/backend/internal/config"
)

// Connect establishes a Redis connection from the configured URL
func Connect(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize > 0 {
		opt.PoolSize = cfg.RedisPoolSize
	}

	client := redis.NewClient(opt)

	// Verify connection with a bounded wait so startup fails fast.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}
