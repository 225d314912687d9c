package tokenstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	json "github.com/goccy/go-json"

	"ticket-client/models"
)

// FileStore keeps the token pair in a single 0600 file. With an age identity
// the file is sealed to that identity's recipient.
type FileStore struct {
	path     string
	identity *age.X25519Identity

	mu sync.Mutex
}

type FileOption func(*FileStore)

// WithAgeIdentity seals the file for identity.
func WithAgeIdentity(identity *age.X25519Identity) FileOption {
	return func(s *FileStore) { s.identity = identity }
}

func NewFileStore(path string, opts ...FileOption) *FileStore {
	s := &FileStore{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FileStore) Load(_ context.Context) (*models.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoTokens
	}
	if err != nil {
		return nil, fmt.Errorf("FileStore.Load: read: %w", err)
	}

	if s.identity != nil {
		r, err := age.Decrypt(bytes.NewReader(data), s.identity)
		if err != nil {
			return nil, fmt.Errorf("FileStore.Load: decrypt: %w", err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("FileStore.Load: read plaintext: %w", err)
		}
	}

	var pair models.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("FileStore.Load: decode: %w", err)
	}
	if pair.AccessToken == "" && pair.RefreshToken == "" {
		return nil, ErrNoTokens
	}
	return &pair, nil
}

func (s *FileStore) Save(_ context.Context, pair *models.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("FileStore.Save: encode: %w", err)
	}

	if s.identity != nil {
		var sealed bytes.Buffer
		w, err := age.Encrypt(&sealed, s.identity.Recipient())
		if err != nil {
			return fmt.Errorf("FileStore.Save: encrypt: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("FileStore.Save: encrypt: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("FileStore.Save: encrypt: %w", err)
		}
		data = sealed.Bytes()
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("FileStore.Save: mkdir: %w", err)
	}

	// Write-then-rename; a crash never leaves a truncated session file.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return fmt.Errorf("FileStore.Save: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("FileStore.Save: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("FileStore.Save: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("FileStore.Save: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("FileStore.Save: rename: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("FileStore.Clear: %w", err)
	}
	return nil
}

// LoadOrCreateIdentity reads an age X25519 identity from path, generating and
// writing a new one when the file does not exist.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("LoadOrCreateIdentity: parse %s: %w", path, err)
		}
		return identity, nil

	case errors.Is(err, fs.ErrNotExist):
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("LoadOrCreateIdentity: generate: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("LoadOrCreateIdentity: mkdir: %w", err)
		}
		if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("LoadOrCreateIdentity: write: %w", err)
		}
		return identity, nil

	default:
		return nil, fmt.Errorf("LoadOrCreateIdentity: read %s: %w", path, err)
	}
}
