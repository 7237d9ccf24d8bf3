// Package keystore abstracts private-key operations so the issuance engine
// can work with software keys, HSM-backed keys, or cloud KMS keys without
// changing calling code.
package keystore

import (
	"crypto"
	"errors"
)

// KeyStore is the capability surface the issuance engine signs through.
//
// A key ID uniquely identifies a key managed by the store; its format is
// implementation-defined (an opaque counter for software keys, a slot
// reference for an HSM).
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque
	// identifier. The caller must not assume anything about the key
	// material — for HSM backends the private key never leaves the device.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	// x509.CreateCertificate consumes it for both self-signing and
	// issuer-signing; only Sign and Public are required.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key in PEM-encoded SEC1 or PKCS8 form.
	// HSM implementations may return ErrKeyNotExportable.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key into the store and returns
	// its key ID. Used when reading an existing CA key from disk.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete removes the key identified by keyID from the store.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by ExportPEM when the backing store does
// not allow private key material to leave the device.
var ErrKeyNotExportable = errors.New("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrInvalidPEM is returned when key PEM data cannot be decoded or parsed.
var ErrInvalidPEM = errors.New("invalid PEM data")
