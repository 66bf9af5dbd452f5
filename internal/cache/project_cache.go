// Package cache provides read-through snapshot caching for projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"docpilot/api/internal/project"
)

// ProjectCache stores whole project snapshots keyed by id.
type ProjectCache interface {
	Get(ctx context.Context, projectID string) (project.Project, bool, error)
	Set(ctx context.Context, item project.Project) error
	Invalidate(ctx context.Context, projectID string) error
}

// Noop is a ProjectCache that never hits.
type Noop struct{}

func (Noop) Get(context.Context, string) (project.Project, bool, error) {
	return project.Project{}, false, nil
}
func (Noop) Set(context.Context, project.Project) error { return nil }
func (Noop) Invalidate(context.Context, string) error   { return nil }

// RedisCache keeps snapshots in Redis with a short-lived in-process layer in front.
//
// Each snapshot has a revision key next to it. Writes carrying an older revision than
// the one recorded are dropped, and the in-process copy is only served while its
// revision still matches Redis, so replicas never serve each other's stale writes.
type RedisCache struct {
	client    *redis.Client
	local     *gocache.Cache
	prefix    string
	revPrefix string
	ttl       time.Duration
}

// tombstone marks an invalidated project; it matches no revision and refuses every write until it expires.
const tombstone = "gone"

// setIfNewer writes the snapshot and its revision unless Redis already holds a newer one.
var setIfNewer = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if current == ARGV[4] or (current and tonumber(current) > tonumber(ARGV[2])) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	localTTL := ttl / 10
	if localTTL < time.Second {
		localTTL = time.Second
	}
	return &RedisCache{
		client:    client,
		local:     gocache.New(localTTL, 2*localTTL),
		prefix:    "project:",
		revPrefix: "project-rev:",
		ttl:       ttl,
	}
}

func (c *RedisCache) key(projectID string) string {
	return c.prefix + projectID
}

func (c *RedisCache) revKey(projectID string) string {
	return c.revPrefix + projectID
}

func (c *RedisCache) Get(ctx context.Context, projectID string) (project.Project, bool, error) {
	key := c.key(projectID)
	if cached, ok := c.local.Get(key); ok {
		item := cached.(project.Project)
		revision, err := c.client.Get(ctx, c.revKey(projectID)).Result()
		switch {
		case err == nil && revision == strconv.Itoa(item.Revision):
			return item.Clone(), true, nil
		case err != nil && !errors.Is(err, redis.Nil):
			return project.Project{}, false, fmt.Errorf("read cached revision: %w", err)
		}
		c.local.Delete(key)
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return project.Project{}, false, nil
	}
	if err != nil {
		return project.Project{}, false, fmt.Errorf("read cached project: %w", err)
	}

	var item project.Project
	if err := json.Unmarshal(raw, &item); err != nil {
		// unreadable entries are dropped rather than served
		_ = c.client.Del(ctx, key).Err()
		return project.Project{}, false, nil
	}
	c.local.SetDefault(key, item.Clone())
	return item, true, nil
}

// Set stores item unless a snapshot with a higher revision is already cached.
func (c *RedisCache) Set(ctx context.Context, item project.Project) error {
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	key := c.key(item.ID)
	written, err := setIfNewer.Run(ctx, c.client,
		[]string{key, c.revKey(item.ID)},
		encoded, item.Revision, c.ttl.Milliseconds(), tombstone,
	).Int()
	if err != nil {
		return fmt.Errorf("cache project: %w", err)
	}
	if written == 0 {
		return nil
	}
	c.local.SetDefault(key, item.Clone())
	return nil
}

// Invalidate drops the snapshot and leaves a tombstone in place of its revision, so
// replicas stop serving their local copy and late writes are refused.
func (c *RedisCache) Invalidate(ctx context.Context, projectID string) error {
	key := c.key(projectID)
	c.local.Delete(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Set(ctx, c.revKey(projectID), tombstone, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate project: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
