package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

// ErrNotCached is returned when a key has no mirrored value
var ErrNotCached = errors.New("not cached")

// availabilityTTL bounds how long a stale mirror entry can survive
const availabilityTTL = 10 * time.Minute

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	newToken      func() string
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithRedis(rdb), nil
}

// NewWithRedis wraps an existing connection
func NewWithRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		newToken:      uuid.NewString,
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func availabilityKey(titleID int64) string {
	return fmt.Sprintf("availability:%d", titleID)
}

// SetAvailability mirrors a title's copy counts
func (c *Client) SetAvailability(ctx context.Context, titleID int64, available, total int) error {
	key := availabilityKey(titleID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "available", available, "total", total)
	pipe.Expire(ctx, key, availabilityTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// GetAvailability retrieves mirrored copy counts
func (c *Client) GetAvailability(ctx context.Context, titleID int64) (available, total int, err error) {
	result, err := c.rdb.HGetAll(ctx, availabilityKey(titleID)).Result()
	if err != nil {
		return 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, fmt.Errorf("availability for title %d: %w", titleID, ErrNotCached)
	}

	available, err = strconv.Atoi(result["available"])
	if err != nil {
		return 0, 0, fmt.Errorf("corrupt availability for title %d: %w", titleID, err)
	}
	total, err = strconv.Atoi(result["total"])
	if err != nil {
		return 0, 0, fmt.Errorf("corrupt availability for title %d: %w", titleID, err)
	}

	return available, total, nil
}

// DeleteAvailability drops a title from the mirror
func (c *Client) DeleteAvailability(ctx context.Context, titleID int64) error {
	return c.rdb.Del(ctx, availabilityKey(titleID)).Err()
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// TryLock acquires a distributed lock. The returned token must be passed to
// Unlock; ok is false when another owner holds the lock.
func (c *Client) TryLock(ctx context.Context, lockKey string, ttl time.Duration) (token string, ok bool, err error) {
	token = c.newToken()
	ok, err = c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases a distributed lock if token still owns it
func (c *Client) Unlock(ctx context.Context, lockKey, token string) error {
	err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
