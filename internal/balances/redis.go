package balances

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "balance:"

// RedisStore keeps balances in redis so several pool processes can share
// one ledger.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the redis instance at url
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func balanceKey(address string) string {
	return keyPrefix + address
}

// Get returns the balance of address, zero when unknown
func (s *RedisStore) Get(ctx context.Context, address string) (int64, error) {
	val, err := s.rdb.Get(ctx, balanceKey(address)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return val, nil
}

// AddBalance adds delta to the balance of address with INCRBY
func (s *RedisStore) AddBalance(ctx context.Context, address string, delta int64) (int64, error) {
	val, err := s.rdb.IncrBy(ctx, balanceKey(address), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}
	return val, nil
}

// All returns every stored balance
func (s *RedisStore) All(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.rdb.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("balance %s is not an integer: %w", key, err)
		}
		out[key[len(keyPrefix):]] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan balances: %w", err)
	}
	return out, nil
}

// Health checks redis connectivity
func (s *RedisStore) Health(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the redis connection
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
