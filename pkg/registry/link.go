// Copyright 2024-2026 Aiku AI

package registry

import (
	"sync"
	"time"

	"github.com/aiku/linkbridge/pkg/session"
)

// IdentityLink joins one Mattermost identity to one Matrix session.
type IdentityLink struct {
	mu            sync.Mutex
	teamChat      session.Identity
	directMessage DirectMessageSession
	dmIdentity    session.Identity
	relayTarget   string
	updatedAt     time.Time
}

// TeamChat returns the verified Mattermost identity. It is zero until the
// user enrolled a Mattermost token.
func (l *IdentityLink) TeamChat() session.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.teamChat
}

// DirectMessage returns the linked Matrix session, or nil.
func (l *IdentityLink) DirectMessage() DirectMessageSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.directMessage
}

// HasTeamChat reports whether the Mattermost side has been verified.
func (l *IdentityLink) HasTeamChat() bool {
	return !l.TeamChat().IsZero()
}

// Enrolled reports whether both sides are in place and the Matrix session is
// connected.
func (l *IdentityLink) Enrolled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.teamChat.IsZero() && l.directMessage != nil &&
		l.directMessage.State() == session.StateConnected
}

// RelayTarget returns the Matrix room that relayed Mattermost messages go to.
func (l *IdentityLink) RelayTarget() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relayTarget
}

// SetRelayTarget changes the Matrix room relayed messages go to.
func (l *IdentityLink) SetRelayTarget(roomID string) {
	l.mu.Lock()
	l.relayTarget = roomID
	l.updatedAt = time.Now()
	l.mu.Unlock()
}

func (l *IdentityLink) setTeamChat(ident session.Identity) {
	l.mu.Lock()
	l.teamChat = ident
	l.updatedAt = time.Now()
	l.mu.Unlock()
}

// attachDirectMessage swaps in a new Matrix session and returns the one it
// replaced, if any. A new Matrix account invalidates the old relay target.
func (l *IdentityLink) attachDirectMessage(dm DirectMessageSession, ident session.Identity) DirectMessageSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.directMessage
	if l.dmIdentity.ID != ident.ID {
		l.relayTarget = ""
	}
	l.directMessage = dm
	l.dmIdentity = ident
	l.updatedAt = time.Now()
	return old
}

// LinkInfo is a point-in-time copy of a link, safe to serialize.
type LinkInfo struct {
	TeamChatID       string    `json:"mattermost_user_id"`
	TeamChatUsername string    `json:"mattermost_username,omitempty"`
	MatrixUserID     string    `json:"matrix_user_id,omitempty"`
	MatrixState      string    `json:"matrix_state"`
	RelayTarget      string    `json:"relay_target,omitempty"`
	Enrolled         bool      `json:"enrolled"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Info returns a snapshot of the link keyed by userID.
func (l *IdentityLink) Info(userID string) LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := LinkInfo{
		TeamChatID:       userID,
		TeamChatUsername: l.teamChat.Username,
		MatrixUserID:     l.dmIdentity.ID,
		MatrixState:      session.StateDisconnected.String(),
		RelayTarget:      l.relayTarget,
		UpdatedAt:        l.updatedAt,
	}
	if l.directMessage != nil {
		state := l.directMessage.State()
		info.MatrixState = state.String()
		info.Enrolled = !l.teamChat.IsZero() && state == session.StateConnected
	}
	return info
}
