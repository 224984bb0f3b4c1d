package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a cache store backed by a shared Redis instance. Entries are
// hashes carrying the body and last-modified stamp; tag membership lives in
// per-tag sets so an external invalidation sweep can drop related entries
// in one call.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed cache store.
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisWithClient wraps an existing client. Used by tests.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

const (
	fieldBody    = "body"
	fieldLastMod = "lastmod"
	tagPrefix    = "tag:"
)

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	entry := &Entry{Key: key, Body: []byte(values[fieldBody])}
	if stamp := values[fieldLastMod]; stamp != "" {
		if t, err := time.Parse(time.RFC3339, stamp); err == nil {
			entry.LastModified = t
		}
	}
	if ttl, err := r.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		entry.Expiry = time.Now().Add(ttl)
	}
	return entry, nil
}

func (r *Redis) Put(ctx context.Context, entry *Entry, lifetime time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, entry.Key,
		fieldBody, entry.Body,
		fieldLastMod, entry.LastModified.UTC().Format(time.RFC3339),
	)
	pipe.Expire(ctx, entry.Key, lifetime)
	for _, tag := range entry.Tags {
		pipe.SAdd(ctx, tagPrefix+tag, entry.Key)
		// keep tag sets from outliving their members indefinitely
		pipe.Expire(ctx, tagPrefix+tag, lifetime)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) InvalidateTag(ctx context.Context, tag string) error {
	keys, err := r.client.SMembers(ctx, tagPrefix+tag).Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, tagPrefix+tag).Err()
}

func (r *Redis) Flush(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}
