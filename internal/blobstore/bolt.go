package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	defaultBoltPath = "data/markov.bolt"
	boltLockTimeout = time.Second
)

var boltBucket = []byte("chains")

// BoltConfig configures the bbolt backend.
type BoltConfig struct {
	// Path is the database file; parent directories are created.
	Path string `json:"path"`
}

// Bolt stores blobs in one bucket of a local bbolt database.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database file. Lock contention with another
// process is retried with the open policy.
func OpenBolt(cfg BoltConfig, opts ...Option) (*Bolt, error) {
	settings := applyOptions(opts)

	path := cfg.Path
	if path == "" {
		path = defaultBoltPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open bolt %s: create dir: %w", path, err)
	}

	var db *bolt.DB
	err := settings.retry.Do(func() error {
		opened, openErr := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltLockTimeout})
		if openErr != nil {
			return openErr
		}
		db = opened
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(boltBucket)
		return createErr
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open bolt %s: create bucket: %w", path, err)
	}

	settings.logger.Info("bolt blob store opened", "path", path)

	return &Bolt{db: db}, nil
}

// Get returns the blob stored under key.
func (b *Bolt) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(boltBucket).Get([]byte(key))
		if value != nil {
			data = bytes.Clone(value)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt get %s: %w", key, err)
	}

	return data, data != nil, nil
}

// Put stores data under key.
func (b *Bolt) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("bolt put %s: %w", key, err)
	}

	return nil
}

// Delete removes key. Missing keys are not an error.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("bolt delete %s: %w", key, err)
	}

	return nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close bolt: %w", err)
	}

	return nil
}

var _ Store = (*Bolt)(nil)
