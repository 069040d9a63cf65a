package pricing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a shared second-tier cache, keyed by symbol.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisStore shares quotes between processes.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

// NewRedisStore connects lazily; the first command dials.
func NewRedisStore(opt *redis.Options, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "daowatch:price:"
	}
	return &RedisStore{Client: redis.NewClient(opt), Prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, s.Prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, s.Prefix+key, value, ttl).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error { return s.Client.Close() }

var _ Store = (*RedisStore)(nil)
