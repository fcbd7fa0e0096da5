// Package cache is a small TTL key/value cache backed by an in-memory badger
// database. Values are stored as JSON.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Keys used across the service.
const (
	KeyServerStats = "server_stats"
	KeyPublicIP    = "ip:public"
	geoPrefix      = "geo:"
)

func GeoKey(ip string) string {
	return geoPrefix + ip
}

var ErrMiss = errors.New("cache miss")

type Cache struct {
	db *badger.DB
}

func New() (*Cache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Set stores v under key; ttl <= 0 keeps it until overwritten.
func (c *Cache) Set(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Get decodes the value for key into v. Expired and absent keys give ErrMiss.
func (c *Cache) Get(key string, v any) error {
	return c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMiss
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (c *Cache) Delete(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Remember returns the cached value for key or calls load and caches its
// result. Load errors are not cached.
func Remember[T any](c *Cache, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	var v T
	if err := c.Get(key, &v); err == nil {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	_ = c.Set(key, v, ttl)
	return v, nil
}
