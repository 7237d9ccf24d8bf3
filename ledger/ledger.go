// Package ledger is the authoritative record of every serial number this CA
// has ever handed out. It pairs a monotonic counter with an append-only
// entry log — the structured descendant of the classical serial/index file
// pair — and keeps the two consistent across restarts.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/signet/storage"
)

var (
	// ErrDuplicateSerial indicates an attempt to record a serial that is
	// already in the log. Unreachable when serials come from
	// AllocateSerial; its occurrence means ledger corruption.
	ErrDuplicateSerial = errors.New("serial number already recorded")

	// ErrNotFound is returned when the serial has no ledger entry.
	ErrNotFound = errors.New("serial number not found in ledger")

	// ErrAlreadyRevoked is returned when revoking a revoked entry.
	ErrAlreadyRevoked = errors.New("serial number is already revoked")

	// ErrSerialSpaceExhausted means the counter ran out. This is a fatal
	// configuration condition, never retried.
	ErrSerialSpaceExhausted = errors.New("serial number space exhausted")
)

// Status of a ledger entry.
type Status string

const (
	StatusValid   Status = "valid"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Entry is one row of the issuance log.
type Entry struct {
	Serial           uint64    `json:"serial"`
	SubjectCN        string    `json:"subject_cn"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Status           Status    `json:"status"`
	RevokedAt        time.Time `json:"revoked_at,omitempty"`
	RevocationReason int       `json:"revocation_reason,omitempty"`
}

// StatusAt derives the effective status at the given instant. Revocation
// wins over expiry; expiry is derived, never written back.
func (e Entry) StatusAt(now time.Time) Status {
	if e.Status == StatusRevoked {
		return StatusRevoked
	}
	if now.After(e.ExpiresAt) {
		return StatusExpired
	}
	return StatusValid
}

const counterRecordID = "serial"

// Ledger allocates serial numbers and records issuance state. Allocation is
// the single shared-mutation point of the issuance pipeline and is
// serialized internally; everything else operates on the durable backend.
type Ledger struct {
	mu      sync.Mutex
	backend storage.Backend
	next    uint64
}

// Open loads the ledger from the backend, reconciling the counter record
// with the highest serial in the entry log. The maximum of the two wins, so
// a crash that left the counter stale can never cause serial reuse.
func Open(backend storage.Backend) (*Ledger, error) {
	l := &Ledger{backend: backend, next: 1}

	data, err := backend.Get(storage.RecordTypeCounter, counterRecordID)
	switch {
	case err == nil:
		n, perr := strconv.ParseUint(string(data), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt serial counter record %q: %w", data, perr)
		}
		l.next = n
	case errors.Is(err, storage.ErrNotFound):
		// fresh ledger
	default:
		return nil, fmt.Errorf("loading serial counter: %w", err)
	}

	ids, err := backend.List(storage.RecordTypeLedgerEntry)
	if err != nil {
		return nil, fmt.Errorf("scanning ledger entries: %w", err)
	}
	for _, id := range ids {
		serial, perr := strconv.ParseUint(id, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt ledger entry id %q: %w", id, perr)
		}
		if serial >= l.next {
			l.next = serial + 1
		}
	}

	return l, nil
}

// AllocateSerial returns a serial number unique for the lifetime of the
// ledger. The advanced counter is durable before the serial is handed out,
// so a serial that never makes it to Record is retired, not reused.
func (l *Ledger) AllocateSerial() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.next == math.MaxUint64 {
		return 0, ErrSerialSpaceExhausted
	}

	serial := l.next
	if err := l.backend.Put(storage.RecordTypeCounter, counterRecordID,
		[]byte(strconv.FormatUint(serial+1, 10))); err != nil {
		return 0, fmt.Errorf("persisting serial counter: %w", err)
	}
	l.next = serial + 1
	return serial, nil
}

// Record appends a Valid entry for the serial. Returns ErrDuplicateSerial
// if the serial is already in the log.
func (l *Ledger) Record(serial uint64, subjectCN string, issuedAt, expiresAt time.Time) error {
	entry := Entry{
		Serial:    serial,
		SubjectCN: subjectCN,
		IssuedAt:  issuedAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
		Status:    StatusValid,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding ledger entry: %w", err)
	}
	err = l.backend.PutNew(storage.RecordTypeLedgerEntry, entryID(serial), data)
	if errors.Is(err, storage.ErrExists) {
		return fmt.Errorf("serial %d: %w", serial, ErrDuplicateSerial)
	}
	if err != nil {
		return fmt.Errorf("recording ledger entry: %w", err)
	}
	return nil
}

// MarkRevoked flips the entry to Revoked with an x509 CRL reason code.
func (l *Ledger) MarkRevoked(serial uint64, reason int, at time.Time) error {
	entry, err := l.Lookup(serial)
	if err != nil {
		return err
	}
	if entry.Status == StatusRevoked {
		return fmt.Errorf("serial %d: %w", serial, ErrAlreadyRevoked)
	}

	entry.Status = StatusRevoked
	entry.RevokedAt = at.UTC()
	entry.RevocationReason = reason

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding ledger entry: %w", err)
	}
	if err := l.backend.Put(storage.RecordTypeLedgerEntry, entryID(serial), data); err != nil {
		return fmt.Errorf("updating ledger entry: %w", err)
	}
	return nil
}

// Lookup returns the stored entry for the serial.
func (l *Ledger) Lookup(serial uint64) (Entry, error) {
	data, err := l.backend.Get(storage.RecordTypeLedgerEntry, entryID(serial))
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, fmt.Errorf("serial %d: %w", serial, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("loading ledger entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decoding ledger entry: %w", err)
	}
	return entry, nil
}

// Entries returns all ledger entries ordered by serial.
func (l *Ledger) Entries() ([]Entry, error) {
	ids, err := l.backend.List(storage.RecordTypeLedgerEntry)
	if err != nil {
		return nil, fmt.Errorf("scanning ledger entries: %w", err)
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		serial, perr := strconv.ParseUint(id, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt ledger entry id %q: %w", id, perr)
		}
		entry, err := l.Lookup(serial)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Serial < entries[j].Serial })
	return entries, nil
}

// NextSerial reports the next serial to be allocated, for diagnostics.
func (l *Ledger) NextSerial() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// entryID renders a serial as a fixed-width decimal so backend listings sort
// in issuance order.
func entryID(serial uint64) string {
	return fmt.Sprintf("%020d", serial)
}
