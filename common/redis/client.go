package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stitchhq/stitch/common/config"
	"github.com/stitchhq/stitch/common/logger"
)

// Client wraps redis.Client with the operations the engine uses.
type Client struct {
	redis *redis.Client
	log   *logger.Logger
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("redis connected", "addr", cfg.Redis.Addr)

	return &Client{redis: rdb, log: log}, nil
}

// Raw returns the underlying redis.Client for advanced operations
// (Lua scripts, pipelines).
func (c *Client) Raw() *redis.Client {
	return c.redis
}

// PublishEvent publishes a message to a channel.
func (c *Client) PublishEvent(ctx context.Context, channel, message string) error {
	if err := c.redis.Publish(ctx, channel, message).Err(); err != nil {
		c.log.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	c.log.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// Health checks the connection.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
