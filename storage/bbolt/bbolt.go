// Package bbolt provides a BBolt-backed storage backend.
package bbolt

import (
	"fmt"

	"github.com/jmcleod/signet/storage"
	"go.etcd.io/bbolt"
)

// Backend implements storage.Backend backed by a BBolt database. Each record
// type maps to its own bucket.
type Backend struct {
	db *bbolt.DB
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend returns a Backend backed by the given BBolt database.
func NewBackend(db *bbolt.DB) *Backend {
	return &Backend{db: db}
}

// NewBackendFromFile opens a BBolt database at the given path and returns a
// new Backend.
func NewBackendFromFile(path string, options *bbolt.Options) (*Backend, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBackend(db), nil
}

// Close closes the underlying BBolt database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Put(recordType, recordID string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(recordID), data)
	})
}

func (b *Backend) PutNew(recordType, recordID string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		return putNewInBucket(bucket, recordType, recordID, data)
	})
}

func putNewInBucket(bucket *bbolt.Bucket, recordType, recordID string, data []byte) error {
	if bucket.Get([]byte(recordID)) != nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrExists)
	}
	return bucket.Put([]byte(recordID), data)
}

func (b *Backend) Get(recordType, recordID string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordType))
		if bucket == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		v := bucket.Get([]byte(recordID))
		if v == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *Backend) List(recordType string) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordType))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (t *boltBatchTx) Put(recordType, recordID string, data []byte) error {
	bucket, err := t.tx.CreateBucketIfNotExists([]byte(recordType))
	if err != nil {
		return err
	}
	return bucket.Put([]byte(recordID), data)
}

func (t *boltBatchTx) PutNew(recordType, recordID string, data []byte) error {
	bucket, err := t.tx.CreateBucketIfNotExists([]byte(recordType))
	if err != nil {
		return err
	}
	return putNewInBucket(bucket, recordType, recordID, data)
}

func (b *Backend) Batch(fn func(tx storage.BatchTx) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}
