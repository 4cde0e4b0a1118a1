package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	entitlementTTL = 5 * time.Minute
	rankTTL        = time.Hour
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
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

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// InvalidateCourse bumps the course plan version. Every catalog write site
// calls this; cached access snapshots keyed by the old version go stale
// immediately.
func (c *Client) InvalidateCourse(ctx context.Context, courseID int64) error {
	return c.rdb.Incr(ctx, fmt.Sprintf("course:ver:%d", courseID)).Err()
}

// CourseVersion returns the current plan version for a course (0 when never
// invalidated).
func (c *Client) CourseVersion(ctx context.Context, courseID int64) (int64, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("course:ver:%d", courseID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// CacheLectureRank stores a computed lecture rank keyed by the course's
// plan version. An invalidation bumps the version so stale entries simply
// stop matching; the TTL reaps them.
func (c *Client) CacheLectureRank(ctx context.Context, courseID, version, lectureID int64, rank int) error {
	key := fmt.Sprintf("rank:%d:%d:%d", courseID, version, lectureID)
	return c.rdb.Set(ctx, key, strconv.Itoa(rank), rankTTL).Err()
}

// CachedLectureRank returns the cached rank for the given plan version, or
// ok=false on a miss.
func (c *Client) CachedLectureRank(ctx context.Context, courseID, version, lectureID int64) (int, bool, error) {
	key := fmt.Sprintf("rank:%d:%d:%d", courseID, version, lectureID)
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	rank, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

// CacheEntitlement records a granted (user, course) pair for fast access
// checks. Entitlements are never revoked on the core path, so a positive
// cache is safe; TTL bounds drift from out-of-band changes.
func (c *Client) CacheEntitlement(ctx context.Context, userID, courseID int64) error {
	key := fmt.Sprintf("entitlement:%d:%d", userID, courseID)
	return c.rdb.Set(ctx, key, "1", entitlementTTL).Err()
}

// HasCachedEntitlement checks the entitlement cache. A miss means "ask the
// database", not "denied".
func (c *Client) HasCachedEntitlement(ctx context.Context, userID, courseID int64) (bool, error) {
	key := fmt.Sprintf("entitlement:%d:%d", userID, courseID)
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
