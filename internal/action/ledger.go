package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Ledger remembers which writes were already issued so the same effect
// is requested at most once. Claim reports true only for the first
// caller; Release forgets a key after a failed or canceled write.
type Ledger interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryLedger keeps keys in a bounded, expiring LRU.
type MemoryLedger struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewMemoryLedger(size int, ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (l *MemoryLedger) Claim(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache.Contains(key) {
		return false, nil
	}
	l.cache.Add(key, struct{}{})
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.cache.Remove(key)
	return nil
}

// RedisLedger shares claims between processes acting for the same account.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisLedgerFromURL parses a redis:// URL.
func NewRedisLedgerFromURL(rawURL, prefix string, ttl time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisLedger(redis.NewClient(opts), prefix, ttl), nil
}

func (l *RedisLedger) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

func (l *RedisLedger) Close() error { return l.client.Close() }
