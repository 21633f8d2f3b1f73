// Copyright 2024-2026 Aiku AI

package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one file per credential under a directory. File content is
// the raw token.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir. The directory is created on
// the first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(kind Kind, externalID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.token", externalID, kind))
}

func (s *FileStore) Get(kind Kind, externalID string) (*Credential, error) {
	if err := validateKey(kind, externalID); err != nil {
		return nil, err
	}
	token, info, err := readTokenFile(s.path(kind, externalID))
	if err != nil {
		return nil, err
	}
	return &Credential{
		Kind:       kind,
		ExternalID: externalID,
		Token:      token,
		CachedAt:   info.ModTime(),
	}, nil
}

func (s *FileStore) Put(kind Kind, externalID, token string) error {
	if err := validateKey(kind, externalID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err = tmp.WriteString(token); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set credential permissions: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err = os.Rename(tmpName, s.path(kind, externalID)); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// ReadBootstrapToken reads one of the fixed bootstrap credential files
// (bot.token, admin.token) from dir.
func ReadBootstrapToken(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	token, _, err := readTokenFile(filepath.Join(dir, name))
	return token, err
}

func readTokenFile(path string) (string, fs.FileInfo, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, ErrNotFound
	} else if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	token := strings.TrimRight(string(data), " \t\r\n")
	if token == "" {
		return "", nil, ErrNotFound
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to stat %s: %w", filepath.Base(path), err)
	}
	return token, info, nil
}
