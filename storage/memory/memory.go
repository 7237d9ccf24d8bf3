// Package memory provides a thread-safe in-memory implementation of storage.Backend.
package memory

import (
	"sync"

	"github.com/jmcleod/signet/storage"
)

// Backend is a thread-safe in-memory implementation of storage.Backend.
// Suitable for testing, demos, and single-process use cases.
type Backend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend creates a new empty in-memory Backend.
func NewBackend() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (b *Backend) Put(recordType, recordID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[makeKey(recordType, recordID)] = append([]byte(nil), data...)
	return nil
}

func (b *Backend) PutNew(recordType, recordID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := makeKey(recordType, recordID)
	if _, ok := b.data[k]; ok {
		return storage.ErrExists
	}
	b.data[k] = append([]byte(nil), data...)
	return nil
}

func (b *Backend) Get(recordType, recordID string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *Backend) List(recordType string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	prefix := recordType + ":"
	var ids []string
	for k := range b.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}

// batchTx stages writes against a copy-on-write view so a failing fn leaves
// the backend untouched.
type batchTx struct {
	backend *Backend
	staged  map[string][]byte
}

func (tx *batchTx) Put(recordType, recordID string, data []byte) error {
	tx.staged[makeKey(recordType, recordID)] = append([]byte(nil), data...)
	return nil
}

func (tx *batchTx) PutNew(recordType, recordID string, data []byte) error {
	k := makeKey(recordType, recordID)
	if _, ok := tx.staged[k]; ok {
		return storage.ErrExists
	}
	if _, ok := tx.backend.data[k]; ok {
		return storage.ErrExists
	}
	tx.staged[k] = append([]byte(nil), data...)
	return nil
}

func (b *Backend) Batch(fn func(tx storage.BatchTx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := &batchTx{backend: b, staged: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.staged {
		b.data[k] = v
	}
	return nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }
