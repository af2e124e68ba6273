// Package credentials stores connection credentials encrypted at rest.
//
// The CLI keeps saved credentials in a small file under the user's home
// directory, sealed with AES-256-GCM under a key derived from a master
// password via PBKDF2-HMAC-SHA256. The salt lives next to the ciphertext;
// it does not need to be secret, only unique per file.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

const (
	saltSize = 32
	// OWASP 2023 recommendation for PBKDF2-HMAC-SHA256.
	iterations = 600000
)

var (
	// ErrDecryptionFailed covers both a wrong master password and a
	// tampered file; GCM cannot tell them apart.
	ErrDecryptionFailed = errors.New("credentials: decryption failed")
	// ErrInvalidFile is returned for files too short to hold a salt,
	// nonce and ciphertext.
	ErrInvalidFile = errors.New("credentials: invalid file")
)

// Credentials is one saved identity.
type Credentials struct {
	Scheme    string `yaml:"scheme"`
	Principal string `yaml:"principal"`
	Secret    string `yaml:"secret"`
}

// Save encrypts creds under password and writes them to path with owner-only
// permissions. The file layout is salt || nonce || ciphertext.
func Save(path string, creds Credentials, password string) error {
	plaintext, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credentials: encode: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("credentials: generate salt: %w", err)
	}

	gcm, err := sealer(password, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("credentials: generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("credentials: write %s: %w", path, err)
	}
	return nil
}

// Load reads and decrypts credentials saved by Save.
func Load(path string, password string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: read %s: %w", path, err)
	}
	if len(data) < saltSize {
		return Credentials{}, ErrInvalidFile
	}
	salt, rest := data[:saltSize], data[saltSize:]

	gcm, err := sealer(password, salt)
	if err != nil {
		return Credentials{}, err
	}
	if len(rest) < gcm.NonceSize() {
		return Credentials{}, ErrInvalidFile
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Credentials{}, ErrDecryptionFailed
	}

	var creds Credentials
	if err := yaml.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("credentials: decode: %w", err)
	}
	return creds, nil
}

// sealer derives the AES-256 key and builds the GCM AEAD.
func sealer(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: gcm: %w", err)
	}
	return gcm, nil
}
