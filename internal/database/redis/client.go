// Package redis provides the Redis client for shared pool state.
// It mirrors the latest puzzle block, caches hashrate estimates and keeps per-miner share counters.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/tunapool/internal/chain"
)

const (
	latestBlockKey = "tunapool:block:latest"
	blockChannel   = "tunapool:blocks"
)

// ErrCacheMiss is returned when a key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Block mirror

// PublishBlock stores b as the latest known block and announces its number on the block channel.
func (c *Client) PublishBlock(ctx context.Context, b chain.Block) error {
	data, err := json.Marshal(b.Readable())
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, latestBlockKey, data, 0)
	pipe.Publish(ctx, blockChannel, strconv.FormatInt(b.BlockNumber, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish block: %w", err)
	}
	return nil
}

// LatestBlock returns the mirrored block, or ErrCacheMiss if none was published.
func (c *Client) LatestBlock(ctx context.Context) (*chain.ReadableBlock, error) {
	var b chain.ReadableBlock
	if err := c.getJSON(ctx, latestBlockKey, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Hashrate cache

// CachedHashrate returns a hashrate estimate stored under key.
func (c *Client) CachedHashrate(ctx context.Context, key string) (float64, error) {
	v, err := c.rdb.Get(ctx, hashrateKey(key)).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrCacheMiss
		}
		return 0, fmt.Errorf("failed to get hashrate: %w", err)
	}
	return v, nil
}

// CacheHashrate stores a hashrate estimate under key for ttl.
func (c *Client) CacheHashrate(ctx context.Context, key string, hashrate float64, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, hashrateKey(key), hashrate, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache hashrate: %w", err)
	}
	return nil
}

// Share counters

// IncrementMinerShares adds accepted shares to the miner's counter for the current hour.
func (c *Client) IncrementMinerShares(ctx context.Context, minerID int64, accepted int, at time.Time) (int64, error) {
	key := minerSharesKey(minerID, at)

	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(accepted))
	pipe.Expire(ctx, key, 25*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment share counter: %w", err)
	}
	return incr.Val(), nil
}

// MinerShares returns the miner's accepted share count for the hour containing at.
func (c *Client) MinerShares(ctx context.Context, minerID int64, at time.Time) (int64, error) {
	n, err := c.rdb.Get(ctx, minerSharesKey(minerID, at)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get share counter: %w", err)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, key string, dest any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func hashrateKey(key string) string {
	return "tunapool:hashrate:" + key
}

func minerSharesKey(minerID int64, at time.Time) string {
	return fmt.Sprintf("tunapool:shares:%d:%s", minerID, at.UTC().Format("2006010215"))
}
