// Copyright 2024-2026 Aiku AI

// Package session defines what the Mattermost and Matrix backends have in
// common: the connection state machine, the typed event stream both of them
// push to subscribers, the error taxonomy and the channel/user metadata the
// router caches.
package session

import (
	"time"
)

// Identity is the account a credential resolved to.
type Identity struct {
	ID       string
	Username string
}

// IsZero reports whether the identity has not been resolved yet.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// EventKind is the closed set of event kinds a backend can emit.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventConnectAck
	EventMessage
	EventReconnect
	EventTyping
)

func (k EventKind) String() string {
	switch k {
	case EventConnectAck:
		return "connect_ack"
	case EventMessage:
		return "message"
	case EventReconnect:
		return "reconnect"
	case EventTyping:
		return "typing"
	default:
		return "unknown"
	}
}

// Well-known message subtypes.
const (
	SubtypeBotMessage  = "bot_message"
	SubtypeChannelJoin = "channel_join"
	SubtypeEmote       = "emote"
)

// Event is a single backend event, normalized across both networks.
type Event struct {
	Kind EventKind
	// Type is the backend's own name for the event, kept for logging.
	Type string
	// ReplyTo is non-zero when the event acknowledges something this
	// process sent. Such events are never relayed.
	ReplyTo int64
	Subtype string

	ID          string
	UserID      string
	UserName    string
	ChannelID   string
	ChannelName string
	ChannelType ChannelKind
	Text        string
	Timestamp   time.Time
}

// Handler receives events pushed by a session. Handlers are called from the
// session's own goroutine and must not block for long.
type Handler func(evt Event)

// ChannelKind classifies a team-chat channel.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelOpen
	ChannelPrivate
	ChannelDirect
	ChannelGroup
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelOpen:
		return "open"
	case ChannelPrivate:
		return "private"
	case ChannelDirect:
		return "direct"
	case ChannelGroup:
		return "group"
	default:
		return "unknown"
	}
}

// ChannelMeta is cached channel metadata.
type ChannelMeta struct {
	ID          string
	Name        string
	DisplayName string
	Kind        ChannelKind
	// PeerID is the other member of a direct channel.
	PeerID string
}

// IsDirectWith reports whether the channel is a 1:1 direct channel between
// the viewer and userID.
func (c *ChannelMeta) IsDirectWith(userID string) bool {
	return c != nil && c.Kind == ChannelDirect && c.PeerID == userID
}

// Label returns the most human-friendly name of the channel.
func (c *ChannelMeta) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// UserMeta is cached user metadata.
type UserMeta struct {
	ID          string
	Username    string
	DisplayName string
}

// Label returns the display name, falling back to the username.
func (u *UserMeta) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}
