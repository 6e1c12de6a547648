package balances

import (
	"context"
	"fmt"
)

// Store is a balance backend
type Store interface {
	Get(ctx context.Context, address string) (int64, error)
	AddBalance(ctx context.Context, address string, delta int64) (int64, error)
	All(ctx context.Context) (map[string]int64, error)
	Health(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// Open returns the store selected by backend ("bolt" or "redis")
func Open(backend, path, redisURL string) (Store, error) {
	switch backend {
	case "bolt", "":
		store, err := OpenBolt(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		store, err := NewRedisStore(redisURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown balance backend %q", backend)
	}
}
