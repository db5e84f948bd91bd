package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Cache is a small JSON key/value cache on top of badger. Entries expire on
// their own once their TTL elapses.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// Open opens a cache rooted at path. An empty path keeps everything in memory.
func Open(path string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return New(db, ttl, logger), nil
}

// New wraps an already opened badger database.
func New(db *badger.DB, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{db: db, ttl: ttl, logger: logger.With("component", "cache")}
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get decodes the value stored under key into dst. It reports false on a miss.
func (c *Cache) Get(key string, dst any) (bool, error) {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, dst)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key with the cache TTL. A zero TTL keeps it forever.
func (c *Cache) Set(key string, value any) error {
	return c.SetWithTTL(key, value, c.ttl)
}

func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Invalidate drops keys. Missing keys are ignored.
func (c *Cache) Invalidate(keys ...string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}
