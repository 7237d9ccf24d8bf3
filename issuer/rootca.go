package issuer

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/keystore"
	"github.com/jmcleod/signet/ledger"
)

// RootCAConfig describes the self-signed root to create.
type RootCAConfig struct {
	Subject      pkix.Name
	ValidityDays int

	// SignatureAlgorithm defaults to ECDSA with SHA-256.
	SignatureAlgorithm x509.SignatureAlgorithm
}

// NewRootCA generates a keypair, self-signs a root CA certificate, and
// records it in the ledger and store like any other issuance. The root's
// serial comes from the same ledger that will number its issued
// certificates, so serial 1 is the root itself.
func NewRootCA(cfg RootCAConfig, keys keystore.KeyStore, led *ledger.Ledger, store *certstore.Store) (*x509.Certificate, string, error) {
	if cfg.Subject.CommonName == "" {
		return nil, "", fmt.Errorf("root CA subject requires a common name")
	}
	if cfg.ValidityDays <= 0 {
		return nil, "", fmt.Errorf("root CA validity must be positive")
	}

	keyID, err := keys.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generating root CA key: %w", err)
	}
	signer, err := keys.Signer(keyID)
	if err != nil {
		return nil, "", fmt.Errorf("getting root CA signer: %w", err)
	}

	serial, err := led.AllocateSerial()
	if err != nil {
		return nil, "", err
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.AddDate(0, 0, cfg.ValidityDays)

	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               cfg.Subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    cfg.SignatureAlgorithm,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, "", fmt.Errorf("parsing root CA certificate: %w", err)
	}

	if err := led.Record(serial, cfg.Subject.CommonName, notBefore, notAfter); err != nil {
		return nil, "", err
	}
	if err := store.Put(cert); err != nil {
		return nil, "", fmt.Errorf("storing root CA certificate: %w", err)
	}

	return cert, keyID, nil
}
