// Package storage provides the storage abstraction layer for CA records:
// ledger entries, the serial counter, and issued certificates.
package storage

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned by PutNew when a record with the same key
	// already exists.
	ErrExists = errors.New("record already exists")
)

// Well-known record types. Backends treat these as opaque namespace keys;
// the constants live here so that all components agree on the key space.
const (
	RecordTypeCounter      = "counter"
	RecordTypeLedgerEntry  = "ledger"
	RecordTypeCertificate  = "certificate"
	RecordTypeSubjectIndex = "subject"
)

// BatchTx provides write operations within an atomic transaction. A batch
// either commits completely or not at all; the ledger relies on this to keep
// its counter and entry log consistent.
type BatchTx interface {
	Put(recordType string, recordID string, data []byte) error
	PutNew(recordType string, recordID string, data []byte) error
}

// Backend defines the interface for durable record storage. All writes must
// be durable before the call returns; the issuance engine hands out no
// certificate whose ledger entry is not yet on disk.
type Backend interface {
	Put(recordType string, recordID string, data []byte) error

	// PutNew stores a record only if no record with the same key exists.
	// Returns ErrExists otherwise.
	PutNew(recordType string, recordID string, data []byte) error

	Get(recordType string, recordID string) ([]byte, error)
	List(recordType string) ([]string, error)

	// Batch runs fn inside a single atomic transaction.
	Batch(fn func(tx BatchTx) error) error

	Close() error
}
