// Package certstore maps serial numbers to issued certificates and builds
// chains of trust. Issuer resolution works by distinguished-name lookup
// only; a stored certificate never holds a pointer to its issuer's record.
package certstore

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jmcleod/signet/storage"
)

var (
	// ErrNotFound is returned when no certificate is stored for the serial.
	ErrNotFound = errors.New("certificate not found")

	// ErrDuplicate is returned when storing a serial that already has a
	// certificate. Certificates are immutable; there is no overwrite.
	ErrDuplicate = errors.New("certificate already stored for serial")

	// ErrChainBroken is returned when chain construction cannot resolve an
	// issuer: the issuing CA's own certificate is missing from the store.
	ErrChainBroken = errors.New("certificate chain broken: issuer not in store")
)

// Record is the stored form of an issued certificate plus the metadata the
// API and CLI surface without re-parsing DER.
type Record struct {
	Serial            uint64    `json:"serial"`
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	IsCA              bool      `json:"is_ca"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	DER               []byte    `json:"der"`
}

// X509 parses the stored DER back into a certificate.
func (r Record) X509() (*x509.Certificate, error) {
	return x509.ParseCertificate(r.DER)
}

// Store persists issued certificates behind a storage backend.
type Store struct {
	backend storage.Backend
}

// New returns a Store over the given backend.
func New(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// Put stores an issued certificate and indexes it by subject DN. The
// certificate record and its subject index entry commit atomically.
func (s *Store) Put(cert *x509.Certificate) error {
	serial := cert.SerialNumber.Uint64()
	fingerprint := sha256.Sum256(cert.Raw)

	rec := Record{
		Serial:            serial,
		Subject:           cert.Subject.String(),
		Issuer:            cert.Issuer.String(),
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		IsCA:              cert.IsCA,
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		DER:               cert.Raw,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding certificate record: %w", err)
	}

	err = s.backend.Batch(func(tx storage.BatchTx) error {
		if err := tx.PutNew(storage.RecordTypeCertificate, recordID(serial), data); err != nil {
			return err
		}
		// Subject index: last writer wins, so a renewed CA certificate
		// becomes the one chains resolve through.
		return tx.Put(storage.RecordTypeSubjectIndex, rec.Subject,
			[]byte(strconv.FormatUint(serial, 10)))
	})
	if errors.Is(err, storage.ErrExists) {
		return fmt.Errorf("serial %d: %w", serial, ErrDuplicate)
	}
	return err
}

// Get returns the record stored for the serial.
func (s *Store) Get(serial uint64) (Record, error) {
	data, err := s.backend.Get(storage.RecordTypeCertificate, recordID(serial))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("serial %d: %w", serial, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading certificate record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding certificate record: %w", err)
	}
	return rec, nil
}

// BySubject returns the record most recently indexed for a subject DN.
func (s *Store) BySubject(subjectDN string) (Record, error) {
	data, err := s.backend.Get(storage.RecordTypeSubjectIndex, subjectDN)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("subject %q: %w", subjectDN, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading subject index: %w", err)
	}
	serial, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt subject index for %q: %w", subjectDN, err)
	}
	return s.Get(serial)
}

// ChainFor builds the ordered chain from the given leaf up to its
// self-signed root by following issuer DNs through the subject index.
// Returns ErrChainBroken when an issuer cannot be resolved.
func (s *Store) ChainFor(serial uint64) ([]Record, error) {
	rec, err := s.Get(serial)
	if err != nil {
		return nil, err
	}

	chain := []Record{rec}
	seen := map[uint64]bool{rec.Serial: true}

	for rec.Subject != rec.Issuer {
		issuer, err := s.BySubject(rec.Issuer)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("issuer of serial %d (%s): %w", rec.Serial, rec.Issuer, ErrChainBroken)
		}
		if err != nil {
			return nil, err
		}
		if seen[issuer.Serial] {
			return nil, fmt.Errorf("issuer cycle at serial %d: %w", issuer.Serial, ErrChainBroken)
		}
		seen[issuer.Serial] = true
		chain = append(chain, issuer)
		rec = issuer
	}

	return chain, nil
}

// List returns all stored certificate records ordered by serial.
func (s *Store) List() ([]Record, error) {
	ids, err := s.backend.List(storage.RecordTypeCertificate)
	if err != nil {
		return nil, fmt.Errorf("scanning certificate records: %w", err)
	}
	recs := make([]Record, 0, len(ids))
	for _, id := range ids {
		serial, perr := strconv.ParseUint(id, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt certificate record id %q: %w", id, perr)
		}
		rec, err := s.Get(serial)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Serial < recs[j].Serial })
	return recs, nil
}

// recordID matches the ledger's fixed-width decimal convention so backend
// listings for both record types sort identically.
func recordID(serial uint64) string {
	return fmt.Sprintf("%020d", serial)
}
