// Package buildnum hands out the monotonic run IDs that double as image
// tags.
package buildnum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tangled.sh/tangled.sh/shipyard/shipyard/db"
)

type Allocator interface {
	Next(ctx context.Context) (int64, error)
}

var (
	_ Allocator = (*MemoryAllocator)(nil)
	_ Allocator = (*SqliteAllocator)(nil)
	_ Allocator = (*RedisAllocator)(nil)
)

// MemoryAllocator counts from start+1 for the life of the process.
type MemoryAllocator struct {
	mu   sync.Mutex
	last int64
}

func NewMemoryAllocator(start int64) *MemoryAllocator {
	return &MemoryAllocator{last: start}
}

func (m *MemoryAllocator) Next(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last++
	return m.last, nil
}

// Fixed always returns the same number; used when the caller supplied a
// build number explicitly.
type Fixed int64

func (f Fixed) Next(ctx context.Context) (int64, error) {
	if f <= 0 {
		return 0, fmt.Errorf("build number must be positive, got %d", int64(f))
	}
	return int64(f), nil
}

type SqliteAllocator struct {
	db   *db.DB
	name string
}

func NewSqliteAllocator(d *db.DB, name string) *SqliteAllocator {
	return &SqliteAllocator{db: d, name: name}
}

func (s *SqliteAllocator) Next(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		insert into build_numbers (name, value) values (?, 1)
		on conflict(name) do update set value = value + 1
		returning value
	`, s.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("allocating build number: %w", err)
	}
	return n, nil
}

type RedisAllocator struct {
	client *redis.Client
	key    string
}

func NewRedisAllocator(redisURL, name string) (*RedisAllocator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisAllocator{client: client, key: key(name)}, nil
}

func key(name string) string {
	return fmt.Sprintf("shipyard:build_number:%s", name)
}

func (r *RedisAllocator) Next(ctx context.Context) (int64, error) {
	n, err := r.client.Incr(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("allocating build number: %w", err)
	}
	return n, nil
}

func (r *RedisAllocator) Close() error {
	return r.client.Close()
}
