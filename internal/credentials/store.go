// Package credentials stores the bearer credential used for catalog and
// authorization-server calls. The store is the sole source of truth for
// the current credential.
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Source tags how a credential was obtained.
type Source string

const (
	// SourceOAuth marks tokens obtained through the device flow.
	SourceOAuth Source = "oauth"
	// SourcePersonalAccessToken marks manually entered tokens.
	SourcePersonalAccessToken Source = "personal_access_token"
)

// SecretCredential is the stored bearer token plus bookkeeping.
type SecretCredential struct {
	AccessToken  string            `json:"access_token"`
	Source       Source            `json:"source"`
	SavedAt      time.Time         `json:"saved_at"`
	RotatesAfter time.Time         `json:"rotates_after,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store abstracts credential persistence. Reads and writes are treated as
// potentially I/O-bound.
type Store interface {
	// Credential returns the stored credential, or nil when none exists.
	Credential() (*SecretCredential, error)
	// SaveAccessToken persists a token, replacing any previous credential.
	SaveAccessToken(token string, source Source, rotatesAfter time.Time, metadata map[string]string) error
	// ClearAccessToken removes the stored credential. Clearing an empty
	// store is not an error.
	ClearAccessToken() error
}

// FileStore keeps the credential in a single encrypted file. The content
// is sealed with ChaCha20-Poly1305 under a key derived from a device-local
// secret, so a copied file is useless off-device.
type FileStore struct {
	path     string
	deviceID string
}

// NewFileStore creates a store writing to path, keyed to deviceID.
func NewFileStore(path, deviceID string) *FileStore {
	return &FileStore{path: path, deviceID: deviceID}
}

func (s *FileStore) key() ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(s.deviceID), []byte("lumen-credential-store"), nil)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive store key: %w", err)
	}
	return key, nil
}

// Credential implements Store.
func (s *FileStore) Credential() (*SecretCredential, error) {
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	key, err := s.key()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("credential file truncated")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credential: %w", err)
	}

	var cred SecretCredential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &cred, nil
}

// SaveAccessToken implements Store.
func (s *FileStore) SaveAccessToken(token string, source Source, rotatesAfter time.Time, metadata map[string]string) error {
	cred := SecretCredential{
		AccessToken:  token,
		Source:       source,
		SavedAt:      time.Now().UTC(),
		RotatesAfter: rotatesAfter,
		Metadata:     metadata,
	}
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	key, err := s.key()
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("failed to init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := append(nonce, aead.Seal(nil, nonce, plaintext, nil)...)

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create credential directory: %w", err)
		}
	}

	// Write-then-rename so a crash never leaves a half-written credential.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// ClearAccessToken implements Store.
func (s *FileStore) ClearAccessToken() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}
