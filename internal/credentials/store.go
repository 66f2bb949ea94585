// Package credentials stores provider API keys on disk, encrypted with a
// key derived from a per-user master secret.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps provider -> API key pairs in a JSON file. Values are
// AES-256-GCM sealed; the master secret lives next to the file with mode
// 0600 and is created on first use.
type FileStore struct {
	path       string
	secretPath string

	mu  sync.Mutex
	key []byte
}

type fileFormat struct {
	Version int               `json:"version"`
	Keys    map[string]string `json:"keys"` // provider -> base64(nonce||ct||tag)
}

// NewFileStore returns a store at path. The master secret is kept in
// path + ".secret".
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, secretPath: path + ".secret"}
}

// Path returns the credentials file path.
func (s *FileStore) Path() string { return s.path }

// LoadAPIKey returns the key for provider. Environment variables such as
// OPENAI_API_KEY take precedence over the file.
func (s *FileStore) LoadAPIKey(provider string) (string, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if v := os.Getenv(EnvVar(provider)); v != "" {
		return v, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readFile()
	if err != nil {
		slog.Warn("credentials: reading store", "path", s.path, "error", err)
		return "", false
	}
	enc, ok := f.Keys[provider]
	if !ok {
		return "", false
	}
	key, err := s.cipherKey()
	if err != nil {
		slog.Warn("credentials: master secret unavailable", "error", err)
		return "", false
	}
	sealed, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		slog.Warn("credentials: corrupt entry", "provider", provider, "error", err)
		return "", false
	}
	plain, err := open(key, sealed, provider)
	if err != nil {
		slog.Warn("credentials: cannot decrypt entry", "provider", provider, "error", err)
		return "", false
	}
	return string(plain), true
}

// SaveAPIKey stores key for provider, replacing any previous value. An
// empty key removes the entry.
func (s *FileStore) SaveAPIKey(provider, apiKey string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return errors.New("credentials: empty provider name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readFile()
	if err != nil {
		return err
	}
	if apiKey == "" {
		delete(f.Keys, provider)
		return s.writeFile(f)
	}

	key, err := s.cipherKey()
	if err != nil {
		return err
	}
	sealed, err := seal(key, []byte(apiKey), provider)
	if err != nil {
		return err
	}
	f.Keys[provider] = base64.StdEncoding.EncodeToString(sealed)
	if err := s.writeFile(f); err != nil {
		return err
	}
	slog.Info("credentials: saved API key", "provider", provider, "path", s.path)
	return nil
}

// Providers lists providers with a stored key.
func (s *FileStore) Providers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readFile()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(f.Keys))
	for p := range f.Keys {
		out = append(out, p)
	}
	return out, nil
}

// EnvVar returns the environment variable consulted for provider, e.g.
// GROQ_API_KEY.
func EnvVar(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

func (s *FileStore) readFile() (*fileFormat, error) {
	f := &fileFormat{Version: 1, Keys: map[string]string{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: reading %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("credentials: parsing %s: %w", s.path, err)
	}
	if f.Keys == nil {
		f.Keys = map[string]string{}
	}
	return f, nil
}

func (s *FileStore) writeFile(f *fileFormat) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("credentials: creating directory: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: encoding: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("credentials: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("credentials: replacing %s: %w", s.path, err)
	}
	return nil
}

// cipherKey loads or creates the master secret and derives the AES key.
// The caller must hold mu.
func (s *FileStore) cipherKey() ([]byte, error) {
	if s.key != nil {
		return s.key, nil
	}

	secret, err := os.ReadFile(s.secretPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		secret = make([]byte, masterSecretSize)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return nil, fmt.Errorf("credentials: generating master secret: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(s.secretPath), 0700); err != nil {
			return nil, fmt.Errorf("credentials: creating directory: %w", err)
		}
		if err := os.WriteFile(s.secretPath, secret, 0600); err != nil {
			return nil, fmt.Errorf("credentials: writing master secret: %w", err)
		}
		slog.Debug("credentials: created master secret", "path", s.secretPath)
	case err != nil:
		return nil, fmt.Errorf("credentials: reading master secret: %w", err)
	case len(secret) != masterSecretSize:
		return nil, fmt.Errorf("credentials: master secret must be %d bytes, got %d", masterSecretSize, len(secret))
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	s.key = key
	return key, nil
}
