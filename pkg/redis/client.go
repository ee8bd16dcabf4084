package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/config"
)

const (
	accountKeyPrefix = "bondingx:account:"
	// AccountChannelSuffix is appended to the address to form the pub/sub channel announcing config updates.
	AccountChannelSuffix = ":account.updated"
)

// Client wraps the Redis client used as the account-config cache.
type Client struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewClient connects to the Redis instance described by cfg and pings it.
func NewClient(ctx context.Context, logger *zap.Logger, cfg config.Redis) (*Client, error) {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", cfg.DB),
		zap.Duration("ttl", cfg.TTL))

	return &Client{
		client: rdb,
		logger: logger.Named("redis"),
		ttl:    cfg.TTL,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Put stores the account config document of address and announces the update on the account channel.
// The announcement is best-effort.
func (c *Client) Put(ctx context.Context, address string, doc []byte) error {
	if err := c.client.Set(ctx, accountKeyPrefix+address, doc, c.ttl).Err(); err != nil {
		return fmt.Errorf("store account %s: %w", address, err)
	}
	if err := c.client.Publish(ctx, address+AccountChannelSuffix, doc).Err(); err != nil {
		c.logger.Warn("Failed to publish account update",
			zap.String("address", address),
			zap.Error(err))
	}
	return nil
}

// Get returns the cached document of address and whether it was present.
func (c *Client) Get(ctx context.Context, address string) ([]byte, bool, error) {
	doc, err := c.client.Get(ctx, accountKeyPrefix+address).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load account %s: %w", address, err)
	}
	return doc, true, nil
}

// WatchAccounts delivers every announced account update to fn until ctx is done.
// It returns once the pattern subscription is confirmed; delivery runs in the background.
func (c *Client) WatchAccounts(ctx context.Context, fn func(address string, doc []byte)) error {
	sub := c.client.PSubscribe(ctx, "*"+AccountChannelSuffix)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe account updates: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				address := strings.TrimSuffix(msg.Channel, AccountChannelSuffix)
				c.logger.Debug("Account update received", zap.String("address", address))
				fn(address, []byte(msg.Payload))
			}
		}
	}()
	return nil
}
