package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// BadgerCache is the BadgerDB implementation of Cache.
// Ephemeral entries use badger's native TTL, so expiry survives restarts.
type BadgerCache struct {
	db *badger.DB
}

// NewBadgerCache opens a badger database at dbPath.
// An empty dbPath runs badger fully in memory.
func NewBadgerCache(dbPath string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logging is noisy; errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dbPath, err)
	}
	return &BadgerCache{db: db}, nil
}

// SetWithTTL stores value under key with an expiry.
func (c *BadgerCache) SetWithTTL(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(ttl))
	})
}

// Put stores value under key without expiry.
func (c *BadgerCache) Put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Get loads key into out.
func (c *BadgerCache) Get(key string, out interface{}) error {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("cache value is empty")
			}
			return json.Unmarshal(val, out)
		})
	})

	// Expired entries are reported by badger as missing as well.
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// Delete removes key.
func (c *BadgerCache) Delete(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close gracefully closes the connection to the database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
