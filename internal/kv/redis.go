package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements [Store] on top of a Redis client.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client. The caller configures the
// client (address, auth, pool size); Close closes it.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements [Store].
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: redis get %q: %w", key, err)
	}
	return val, nil
}

// Set implements [Store].
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: redis set %q: %w", key, err)
	}
	return nil
}

// Delete implements [Store].
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: redis del %q: %w", key, err)
	}
	return nil
}

// ScanPrefix implements [Store] using cursor-based SCAN so large keyspaces
// are never blocked by a KEYS call.
func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("kv: redis scan %q: %w", prefix, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// usedMemoryRe extracts the used_memory value from the INFO memory section.
var usedMemoryRe = regexp.MustCompile(`used_memory:(\d+)`)

// Stats implements [Store]. Key count is exact for the prefix; memory is the
// server-wide used_memory figure since Redis does not attribute memory per
// prefix without MEMORY USAGE per key.
func (s *RedisStore) Stats(ctx context.Context, prefix string) (Stats, error) {
	keys, err := s.ScanPrefix(ctx, prefix)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Keys: int64(len(keys))}

	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("kv: redis info: %w", err)
	}
	if m := usedMemoryRe.FindStringSubmatch(info); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			st.MemoryBytes = n
		}
	}
	return st, nil
}

// Close implements [Store].
func (s *RedisStore) Close() error {
	return s.client.Close()
}
