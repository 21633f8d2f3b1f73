// Copyright 2024-2026 Aiku AI

package credstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
)

const keyringService = "linkbridge"

// KeyringStore keeps credentials in the OS keyring (Secret Service, macOS
// Keychain or Windows Credential Manager). The keyring has no timestamps,
// so CachedAt is the time of the read.
type KeyringStore struct {
	service string
}

var _ Store = (*KeyringStore)(nil)

func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

func keyringKey(kind Kind, externalID string) string {
	return string(kind) + "/" + externalID
}

func (s *KeyringStore) Get(kind Kind, externalID string) (*Credential, error) {
	if err := validateKey(kind, externalID); err != nil {
		return nil, err
	}
	token, err := keyring.Get(s.service, keyringKey(kind, externalID))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	return &Credential{
		Kind:       kind,
		ExternalID: externalID,
		Token:      token,
		CachedAt:   time.Now(),
	}, nil
}

func (s *KeyringStore) Put(kind Kind, externalID, token string) error {
	if err := validateKey(kind, externalID); err != nil {
		return err
	}
	if err := keyring.Set(s.service, keyringKey(kind, externalID), token); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}
