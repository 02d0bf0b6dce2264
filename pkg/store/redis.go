package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// DefaultRedisPrefix namespaces every key written by RedisStorage.
const DefaultRedisPrefix = "musiccache"

// RedisOptions configure a RedisStorage.
type RedisOptions struct {
	// Prefix namespaces all keys (default DefaultRedisPrefix).
	Prefix string

	// TTL expires entries after the given duration. Zero keeps entries
	// until their partition is deleted.
	TTL time.Duration
}

// RedisStorage stores each entry as a hash holding the raw body and JSON
// metadata. Every partition keeps an index set of its entry keys so the
// whole partition can be dropped without SCAN.
//
// Layout:
//
//	<prefix>:partitions               SET of partition names
//	<prefix>:<name>:index             SET of entry keys
//	<prefix>:<name>:entry:<sha256>    HASH {meta, body}
type RedisStorage struct {
	redis *redis.Client
	opts  RedisOptions
}

// NewRedisStorage creates a Redis-backed Storage.
func NewRedisStorage(redisClient *redis.Client, opts RedisOptions) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	return &RedisStorage{redis: redisClient, opts: opts}
}

func (s *RedisStorage) partitionsKey() string {
	return joinKey(s.opts.Prefix, "partitions")
}

// Open implements Storage.
func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("partition name cannot be empty")
	}
	if err := s.redis.SAdd(ctx, s.partitionsKey(), name).Err(); err != nil {
		StoreErrors.WithLabelValues(backendRedis, "open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisCache{storage: s, name: name}, nil
}

// Delete implements Storage.
func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := s.redis.SIsMember(ctx, s.partitionsKey(), name).Result()
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "delete").Inc()
		return false, fmt.Errorf("redis sismember: %w", err)
	}

	c := &redisCache{storage: s, name: name}
	keys, err := s.redis.SMembers(ctx, c.indexKey()).Result()
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "delete").Inc()
		return false, fmt.Errorf("redis smembers: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, c.indexKey())
		pipe.SRem(ctx, s.partitionsKey(), name)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "delete").Inc()
		return false, fmt.Errorf("redis delete partition: %w", err)
	}
	return existed, nil
}

// Names implements Storage.
func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "names").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

type redisCache struct {
	storage *RedisStorage
	name    string
}

func (c *redisCache) indexKey() string {
	return joinKey(c.storage.opts.Prefix, c.name, "index")
}

func (c *redisCache) entryKey(url string) string {
	return joinKey(c.storage.opts.Prefix, c.name, "entry", entryID(url))
}

func (c *redisCache) Match(ctx context.Context, url string) (*Entry, error) {
	fields, err := c.storage.redis.HGetAll(ctx, c.entryKey(url)).Result()
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "match").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		StoreMisses.WithLabelValues(backendRedis).Inc()
		return nil, ErrCacheMiss
	}

	var entry Entry
	if err := json.Unmarshal([]byte(fields["meta"]), &entry); err != nil {
		StoreErrors.WithLabelValues(backendRedis, "match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	entry.Data = []byte(fields["body"])

	StoreHits.WithLabelValues(backendRedis).Inc()
	return &entry, nil
}

func (c *redisCache) Has(ctx context.Context, url string) (bool, error) {
	n, err := c.storage.redis.Exists(ctx, c.entryKey(url)).Result()
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "has").Inc()
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *redisCache) Put(ctx context.Context, url string, entry *Entry) error {
	if err := checkCacheable(entry); err != nil {
		StoreErrors.WithLabelValues(backendRedis, "put").Inc()
		return err
	}

	meta := *entry
	meta.URL = url
	if meta.CachedAt.IsZero() {
		meta.CachedAt = time.Now()
	}
	data, err := json.Marshal(&meta)
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	key := c.entryKey(url)
	_, err = c.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "meta", data, "body", entry.Data)
		if c.storage.opts.TTL > 0 {
			pipe.Expire(ctx, key, c.storage.opts.TTL)
		}
		pipe.SAdd(ctx, c.indexKey(), key)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "put").Inc()
		return fmt.Errorf("redis put: %w", err)
	}

	StoreBytesWritten.WithLabelValues(backendRedis).Add(float64(len(entry.Data)))
	return nil
}

func (c *redisCache) Delete(ctx context.Context, url string) error {
	key := c.entryKey(url)
	_, err := c.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, c.indexKey(), key)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
