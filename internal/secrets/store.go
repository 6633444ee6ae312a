// Package secrets stores per-project key/value secrets encrypted at rest
// and hands plaintext values to the engine at checkout time.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"capstan/internal/domain"
)

var (
	ErrBadKey        = errors.New("secrets key must be 32 bytes hex-encoded")
	ErrBadCiphertext = errors.New("malformed secret ciphertext")
)

// Store keeps values as per-entry secretbox ciphertexts in a JSON file:
// project id -> secret name -> base64(nonce || box).
type Store struct {
	mu   sync.Mutex
	path string
	key  [32]byte
}

func NewStore(path, hexKey string) (*Store, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return nil, ErrBadKey
	}

	s := &Store{path: path}
	copy(s.key[:], raw)
	return s, nil
}

// Resolve decrypts the named secrets for a project. Every requested name
// must exist; a missing one fails the whole resolution so a deployment
// never runs with a partial environment.
func (s *Store) Resolve(_ context.Context, projectID string, names []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}

	entries := file[projectID]
	resolved := make(map[string]string, len(names))

	for _, name := range names {
		ciphertext, ok := entries[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s for project %s", domain.ErrSecretNotFound, name, projectID)
		}

		plaintext, err := s.open(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secret %s: %w", name, err)
		}
		resolved[name] = plaintext
	}

	return resolved, nil
}

// Set encrypts and persists one secret value.
func (s *Store) Set(_ context.Context, projectID, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}

	if file[projectID] == nil {
		file[projectID] = make(map[string]string)
	}

	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	file[projectID][name] = sealed

	return s.save(file)
}

func (s *Store) seal(value string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	box := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func (s *Store) open(encoded string) (string, error) {
	box, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(box) < 24 {
		return "", ErrBadCiphertext
	}

	var nonce [24]byte
	copy(nonce[:], box[:24])

	plaintext, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
	if !ok {
		return "", ErrBadCiphertext
	}

	return string(plaintext), nil
}

func (s *Store) load() (map[string]map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	var file map[string]map[string]string
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	if file == nil {
		file = make(map[string]map[string]string)
	}

	return file, nil
}

func (s *Store) save(file map[string]map[string]string) error {
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode secrets file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create secrets dir: %w", err)
	}

	return os.WriteFile(s.path, raw, 0o600)
}
