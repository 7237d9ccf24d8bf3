package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jmcleod/signet/internal/util"
)

// ErrWrongPassphrase is returned when a sealed key file cannot be opened
// with the supplied passphrase.
var ErrWrongPassphrase = errors.New("wrong passphrase for sealed key file")

// sealedKeyFile is the on-disk form of a passphrase-protected CA key: the
// key PEM sealed with AES-256-GCM under an argon2id-derived key.
type sealedKeyFile struct {
	Ver    int                 `json:"ver"`
	Scheme string              `json:"scheme"`
	KDF    util.Argon2idParams `json:"kdf"`
	Salt   []byte              `json:"salt"`
	Sealed []byte              `json:"sealed"` // nonce || ciphertext
}

// SaveSealedKey seals keyPEM under the passphrase and writes it to path.
func SaveSealedKey(path, keyPEM, passphrase string) error {
	salt, err := util.RandomBytes(16)
	if err != nil {
		return err
	}
	params := util.DefaultArgon2idParams()
	key, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return fmt.Errorf("deriving seal key: %w", err)
	}
	sealed, err := util.EncryptAES([]byte(keyPEM), key)
	if err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}

	data, err := json.Marshal(sealedKeyFile{
		Ver:    1,
		Scheme: "aes256gcm",
		KDF:    params,
		Salt:   salt,
		Sealed: sealed,
	})
	if err != nil {
		return fmt.Errorf("encoding sealed key file: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadSealedKey opens the sealed key file at path and returns the key PEM.
func LoadSealedKey(path, passphrase string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading sealed key file: %w", err)
	}
	var f sealedKeyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("decoding sealed key file: %w", err)
	}
	if f.Ver != 1 {
		return "", fmt.Errorf("unsupported sealed key file version: %d", f.Ver)
	}
	if f.Scheme != "aes256gcm" {
		return "", fmt.Errorf("unsupported sealed key file scheme: %s", f.Scheme)
	}

	key, err := util.DeriveArgon2idKey(passphrase, f.Salt, f.KDF)
	if err != nil {
		return "", fmt.Errorf("deriving seal key: %w", err)
	}
	keyPEM, err := util.DecryptAES(f.Sealed, key)
	if err != nil {
		// GCM authentication failure is indistinguishable from a bad
		// passphrase; report it as such.
		return "", ErrWrongPassphrase
	}
	return string(keyPEM), nil
}
