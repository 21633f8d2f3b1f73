// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

// State is the connection state of a backend session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tracker owns the state machine of one session instance:
//
//	Disconnected -> Connecting -> Connected <-> Connecting (transient reconnect)
//	any -> Failed (terminal)
//
// The first transition to Connected or Failed sets the settled event, which
// is what WaitConnected blocks on.
type Tracker struct {
	mu      sync.Mutex
	state   State
	err     error
	settled *exsync.Event
	log     zerolog.Logger
}

// NewTracker creates a tracker in the Disconnected state.
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		settled: exsync.NewEvent(),
		log:     log,
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that moved the session to Failed, if any.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Begin moves a disconnected session to Connecting. It returns false without
// error when the session is already connecting or connected, so Connect can
// be called repeatedly.
func (t *Tracker) Begin() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateDisconnected:
		t.setLocked(StateConnecting)
		return true, nil
	case StateFailed:
		return false, fmt.Errorf("%w: %w", ErrSessionFailed, t.err)
	default:
		return false, nil
	}
}

// MarkConnected records the backend's connect acknowledgement.
func (t *Tracker) MarkConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnecting {
		return false
	}
	t.setLocked(StateConnected)
	t.settled.Set()
	return true
}

// MarkReconnecting records a transient disconnect of a connected session.
func (t *Tracker) MarkReconnecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected {
		return false
	}
	t.setLocked(StateConnecting)
	return true
}

// MarkDisconnected records an orderly shutdown. Failed sessions stay failed.
func (t *Tracker) MarkDisconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFailed {
		return
	}
	t.setLocked(StateDisconnected)
}

// Fail moves the session to the terminal Failed state.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFailed {
		return
	}
	if err == nil {
		err = ErrSessionFailed
	}
	t.err = err
	t.setLocked(StateFailed)
	t.settled.Set()
}

// Wait blocks until the session is connected, has failed, the timeout
// expires or ctx is done.
func (t *Tracker) Wait(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-t.settled.GetChan():
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrConnectTimeout
		}
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFailed {
		return fmt.Errorf("%w: %w", ErrSessionFailed, t.err)
	}
	return nil
}

func (t *Tracker) setLocked(state State) {
	if t.state == state {
		return
	}
	t.log.Debug().
		Stringer("from", t.state).
		Stringer("to", state).
		Msg("Session state changed")
	t.state = state
}
