// Copyright 2024-2026 Aiku AI

package session

import (
	"errors"
)

var (
	// ErrAuth means the backend rejected the credential.
	ErrAuth = errors.New("authentication rejected")
	// ErrBackendUnavailable means the backend could not be reached or
	// returned a transport-level failure.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrNotFound means the requested object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConnectTimeout means the session did not reach Connected in time.
	ErrConnectTimeout = errors.New("timed out waiting for connection")
	// ErrSessionFailed means the session is in the terminal Failed state.
	ErrSessionFailed = errors.New("session failed")
)
