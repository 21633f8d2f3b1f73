// Copyright 2024-2026 Aiku AI

// Package credstore persists the opaque tokens users hand to the bot, keyed
// by network kind and external account id.
package credstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aiku/linkbridge/pkg/session"
)

// Kind names the network a credential belongs to.
type Kind string

const (
	KindTeamChat      Kind = "mattermost"
	KindDirectMessage Kind = "matrix"
)

var (
	// ErrNotFound is returned on a cache miss. It is the same sentinel as
	// session.ErrNotFound so callers can check either.
	ErrNotFound = session.ErrNotFound
	// ErrInvalidKey is returned for ids that cannot be used as a storage key.
	ErrInvalidKey = errors.New("invalid credential key")
	// ErrPersist is returned by sessions whose token checked out but could
	// not be written to the store. The session itself is usable.
	ErrPersist = errors.New("failed to persist credential")
)

// Credential is one cached token.
type Credential struct {
	Kind       Kind
	ExternalID string
	Token      string
	CachedAt   time.Time
}

// Store is a key-value store of credentials. Implementations must be safe
// for concurrent use, with last-writer-wins semantics per key.
type Store interface {
	Get(kind Kind, externalID string) (*Credential, error)
	Put(kind Kind, externalID, token string) error
}

// Config selects and configures a Store.
type Config struct {
	// Backend is "file" (default) or "keyring".
	Backend   string `yaml:"backend"`
	CacheDir  string `yaml:"cache_dir"`
	ConfigDir string `yaml:"config_dir"`
}

const appDirName = "linkbridge"

// ResolveDirs fills in the default cache and config directories.
func (c *Config) ResolveDirs() error {
	if c.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("failed to determine cache directory: %w", err)
		}
		c.CacheDir = filepath.Join(base, appDirName)
	}
	if c.ConfigDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("failed to determine config directory: %w", err)
		}
		c.ConfigDir = filepath.Join(base, appDirName)
	}
	return nil
}

// Open builds the configured Store.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		if err := cfg.ResolveDirs(); err != nil {
			return nil, err
		}
		return NewFileStore(cfg.CacheDir), nil
	case "keyring":
		return NewKeyringStore(keyringService), nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cfg.Backend)
	}
}

func validateKey(kind Kind, externalID string) error {
	switch kind {
	case KindTeamChat, KindDirectMessage:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, kind)
	}
	if externalID == "" || externalID == "." || externalID == ".." ||
		strings.ContainsAny(externalID, `/\`) || strings.ContainsRune(externalID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, externalID)
	}
	return nil
}
