package snapshot

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// bucketSnapshots is the single bucket holding snapshot blobs.
var bucketSnapshots = []byte("snapshots")

// BoltStore persists snapshot blobs in a local bbolt file. It serves
// single-node deployments that want restart durability without Redis.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to open bolt file: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get returns the blob stored under key, or ErrNotFound.
func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Copy: bolt's value is only valid inside the transaction.
		blob = make([]byte, len(v))
		copy(blob, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Put stores blob under key, replacing any previous value.
func (s *BoltStore) Put(_ context.Context, key string, blob []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(key), blob)
	})
	if err != nil {
		return fmt.Errorf("snapshot: bolt put failed: %w", err)
	}
	return nil
}

// Close closes the bolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
