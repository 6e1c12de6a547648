// Package balances persists the amount owed to each miner address between
// payouts.
package balances

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var balancesBucket = []byte("balances")

// BoltStore keeps balances in an embedded bbolt file
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the balance database at path
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create balance directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open balance database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(balancesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create balance bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get returns the balance of address, zero when unknown
func (s *BoltStore) Get(_ context.Context, address string) (int64, error) {
	var balance int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		balance = decodeBalance(tx.Bucket(balancesBucket).Get([]byte(address)))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// AddBalance adds delta to the balance of address in one transaction
func (s *BoltStore) AddBalance(_ context.Context, address string, delta int64) (int64, error) {
	var balance int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(balancesBucket)
		balance = decodeBalance(bucket.Get([]byte(address))) + delta
		if balance == 0 {
			return bucket.Delete([]byte(address))
		}
		return bucket.Put([]byte(address), encodeBalance(balance))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}
	return balance, nil
}

// All returns every non-zero balance
func (s *BoltStore) All(_ context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(balancesBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = decodeBalance(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return out, nil
}

// Health reports whether the database is still open
func (s *BoltStore) Health(_ context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(balancesBucket) == nil {
			return fmt.Errorf("bucket %s is missing", balancesBucket)
		}
		return nil
	})
}

// Close closes the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func encodeBalance(balance int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(balance))
	return buf
}

func decodeBalance(data []byte) int64 {
	if len(data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}
