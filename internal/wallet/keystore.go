package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"

	"github.com/dactylid/dactylid/pkg/did"
)

// Keystore file format: version(1) + salt(16) + nonce(12) + ciphertext.
// The ciphertext holds the recovery mnemonic and network, so loading a
// keystore re-derives the full wallet.
const (
	keystoreVersion = 1
	saltSize        = 16
)

var (
	// ErrDecryptFailed is returned when the keystore cannot be opened
	// with the given passphrase.
	ErrDecryptFailed = errors.New("wallet: keystore decryption failed (wrong passphrase or corrupted file)")

	// ErrKeystoreFormat is returned for files that are not keystores
	// or were written by an unknown version.
	ErrKeystoreFormat = errors.New("wallet: unrecognized keystore format")
)

type keystorePayload struct {
	Mnemonic string `json:"mnemonic"`
	Network  string `json:"network"`
}

// deriveKey uses Argon2id to derive an AES-256 key from passphrase.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// SaveKeystore encrypts the wallet's mnemonic under the passphrase and
// writes it atomically.
func SaveKeystore(path, mnemonic string, network did.Network, passphrase string) error {
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}

	data, err := json.Marshal(keystorePayload{Mnemonic: mnemonic, Network: string(network)})
	if err != nil {
		return fmt.Errorf("failed to serialize keystore: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, data, nil)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Atomic write: temp file in the same directory, sync, rename.
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	out := make([]byte, 0, 1+len(salt)+len(nonce)+len(ciphertext))
	out = append(out, keystoreVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	if _, err := f.Write(out); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// LoadKeystore decrypts a keystore and re-derives the wallet.
func LoadKeystore(path, passphrase string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	if len(data) < 1+saltSize+12 {
		return nil, ErrKeystoreFormat
	}
	if data[0] != keystoreVersion {
		return nil, fmt.Errorf("%w: version %d", ErrKeystoreFormat, data[0])
	}

	salt := data[1 : 1+saltSize]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	rest := data[1+saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrKeystoreFormat
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	var payload keystorePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreFormat, err)
	}

	network, err := did.ParseNetwork(payload.Network)
	if err != nil {
		return nil, err
	}
	return FromMnemonic(payload.Mnemonic, network)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
