package cmd

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/issuer"
	"github.com/jmcleod/signet/keystore"
	"github.com/jmcleod/signet/ledger"
	"github.com/jmcleod/signet/policy"
	"github.com/jmcleod/signet/storage"
	bboltstorage "github.com/jmcleod/signet/storage/bbolt"
	pgstorage "github.com/jmcleod/signet/storage/postgres"
)

const (
	caCertFile    = "ca.crt"
	sealedKeyFile = "ca.key.sealed"
	passphraseEnv = "SIGNET_PASSPHRASE"
	ledgerDBFile  = "signet.db"
)

// environment is the assembled CA runtime: backend, ledger, store, key
// store, and the issuance engine.
type environment struct {
	backend storage.Backend
	ledger  *ledger.Ledger
	store   *certstore.Store
	keys    keystore.KeyStore
	engine  *issuer.Engine
	policy  policy.Policy
}

func (e *environment) Close() error {
	return e.backend.Close()
}

func openBackend() (storage.Backend, error) {
	switch backend {
	case "bbolt":
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return bboltstorage.NewBackendFromFile(filepath.Join(dataDir, ledgerDBFile), nil)
	case "postgres":
		if postgresDSN == "" {
			return nil, fmt.Errorf("--postgres-dsn is required with --backend=postgres")
		}
		return pgstorage.NewBackendFromDSN(context.Background(), postgresDSN)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func loadPolicy() (policy.Policy, error) {
	if policyPath == "" {
		return policy.Default(), nil
	}
	return policy.LoadFile(policyPath)
}

func passphrase() (string, error) {
	p := os.Getenv(passphraseEnv)
	if p == "" {
		return "", fmt.Errorf("%s environment variable is not set", passphraseEnv)
	}
	return p, nil
}

// openEnvironment loads an initialised CA from the data directory.
func openEnvironment() (*environment, error) {
	pol, err := loadPolicy()
	if err != nil {
		return nil, err
	}

	be, err := openBackend()
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(be)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	store := certstore.New(be)

	caCert, err := loadCACert(filepath.Join(dataDir, caCertFile))
	if err != nil {
		be.Close()
		return nil, err
	}

	pass, err := passphrase()
	if err != nil {
		be.Close()
		return nil, err
	}
	keyPEM, err := keystore.LoadSealedKey(filepath.Join(dataDir, sealedKeyFile), pass)
	if err != nil {
		be.Close()
		return nil, err
	}

	keys := keystore.NewSoftwareKeyStore()
	keyID, err := keys.ImportPEM(keyPEM)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("importing CA key: %w", err)
	}

	engine, err := issuer.New(pol, led, store, keys, caCert, keyID)
	if err != nil {
		be.Close()
		return nil, err
	}

	return &environment{
		backend: be,
		ledger:  led,
		store:   store,
		keys:    keys,
		engine:  engine,
		policy:  pol,
	}, nil
}

func loadCACert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate (did you run `signet init`?): %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: not a PEM certificate", path)
	}
	return x509.ParseCertificate(block.Bytes)
}
