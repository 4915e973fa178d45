// Package offline is the client-side cache that lets a provider restart
// without the relay and resume from where it left off.
//
// One bbolt file holds two buckets: the binary CRDT state per document and
// the advisory last-opened document per user.
package offline

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketStates = []byte("states")
	bucketHints  = []byte("hints")
)

// Cache is a bbolt-backed offline cache.
//
// Thread-safety: safe for concurrent use; bbolt serializes writers.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketStates, bucketHints} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the cache file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveState stores the encoded replica state of a document.
func (c *Cache) SaveState(documentID string, state []byte) error {
	return c.put(bucketStates, documentID, state)
}

// LoadState returns the cached state of a document, or nil.
func (c *Cache) LoadState(documentID string) ([]byte, error) {
	return c.get(bucketStates, documentID)
}

// SetHint records the document a user last opened.
func (c *Cache) SetHint(userID, documentID string) error {
	return c.put(bucketHints, userID, []byte(documentID))
}

// Hint returns the document a user last opened, or "".
func (c *Cache) Hint(userID string) (string, error) {
	v, err := c.get(bucketHints, userID)
	return string(v), err
}

func (c *Cache) put(bucket []byte, key string, value []byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *Cache) get(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		// Values are only valid inside the transaction.
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return out, nil
}
