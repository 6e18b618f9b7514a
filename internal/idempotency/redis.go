package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "settle:burn:"

// RedisLedger claims keys with SETNX. Claims never expire.
type RedisLedger struct {
	rdb *redis.Client
}

// NewRedisLedger connects to a redis:// URL or a bare host:port address.
func NewRedisLedger(ctx context.Context, addr string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", ErrBackendUnavailable, err)
	}
	return &RedisLedger{rdb: rdb}, nil
}

func (l *RedisLedger) Claim(ctx context.Context, key Key) (bool, error) {
	won, err := l.rdb.SetNX(ctx, keyPrefix+key.String(), time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, fmt.Errorf("%w: claim %s: %v", ErrBackendUnavailable, key, err)
	}
	return won, nil
}

func (l *RedisLedger) Release(ctx context.Context, key Key) error {
	if err := l.rdb.Del(ctx, keyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrBackendUnavailable, key, err)
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}
