package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Store persists the current token set. Implementations keep the on-disk (or
// remote) representation encrypted and opaque; only Save and Load interpret
// it. Load returns (nil, nil) when no usable token is present, including when
// decryption fails, so a rotated key or corrupted blob degrades to "log in
// again" instead of an error loop.
type Store interface {
	Save(ctx context.Context, token *TokenSet) error
	Load(ctx context.Context) (*TokenSet, error)
	Clear(ctx context.Context) error
}

// FileTokenStore keeps the encrypted token set in a single file, one per
// installation.
type FileTokenStore struct {
	mu   sync.Mutex
	path string
	key  []byte
}

// NewFileTokenStore creates a store writing to path, encrypting with a key
// derived from secret.
func NewFileTokenStore(path, secret string) (*FileTokenStore, error) {
	if path == "" {
		return nil, fmt.Errorf("token store: path is empty")
	}
	key, err := deriveStoreKey(secret)
	if err != nil {
		return nil, fmt.Errorf("token store: %w", err)
	}
	return &FileTokenStore{path: path, key: key}, nil
}

// Path returns the file the store writes to.
func (s *FileTokenStore) Path() string {
	return s.path
}

// Save encrypts and persists the token set. The write goes to a temporary
// file in the same directory followed by a rename, so a crash mid-write never
// leaves a truncated store behind.
func (s *FileTokenStore) Save(ctx context.Context, token *TokenSet) error {
	if token == nil {
		return fmt.Errorf("token store: token is nil")
	}
	plaintext, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("token store: marshal: %w", err)
	}
	blob, err := sealBlob(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("token store: seal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("token store: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("token store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("token store: write temp: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("token store: chmod temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("token store: close temp: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("token store: rename: %w", err)
	}
	log.Debugf("Persisted token set to %s", s.path)
	return nil
}

// Load reads and decrypts the stored token set. A missing file, failed
// decryption, or unparseable payload all load as absent.
func (s *FileTokenStore) Load(ctx context.Context) (*TokenSet, error) {
	s.mu.Lock()
	blob, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("token store: read: %w", err)
	}
	if len(blob) == 0 {
		return nil, nil
	}
	plaintext, err := openBlob(s.key, blob)
	if err != nil {
		log.Warnf("Token store at %s could not be decrypted, treating as absent: %v", s.path, err)
		return nil, nil
	}
	var token TokenSet
	if err = json.Unmarshal(plaintext, &token); err != nil {
		log.Warnf("Token store at %s holds an unparseable payload, treating as absent: %v", s.path, err)
		return nil, nil
	}
	return &token, nil
}

// Clear deletes the store file. Absence is not an error.
func (s *FileTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("token store: remove: %w", err)
	}
	return nil
}
