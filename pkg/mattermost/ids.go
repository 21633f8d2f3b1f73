// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/linkbridge/pkg/session"
)

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func channelKind(t model.ChannelType) session.ChannelKind {
	switch t {
	case model.ChannelTypeOpen:
		return session.ChannelOpen
	case model.ChannelTypePrivate:
		return session.ChannelPrivate
	case model.ChannelTypeDirect:
		return session.ChannelDirect
	case model.ChannelTypeGroup:
		return session.ChannelGroup
	default:
		return session.ChannelUnknown
	}
}

// DirectPeer returns the member of a direct channel named "<a>__<b>" that is
// not selfID. It returns "" if the name is not a direct channel name.
func DirectPeer(channelName, selfID string) string {
	a, b, ok := strings.Cut(channelName, "__")
	if !ok || a == "" || b == "" {
		return ""
	}
	switch selfID {
	case a:
		return b
	case b:
		return a
	default:
		return ""
	}
}

func toChannelMeta(ch *model.Channel, selfID string) *session.ChannelMeta {
	meta := &session.ChannelMeta{
		ID:          ch.Id,
		Name:        ch.Name,
		DisplayName: ch.DisplayName,
		Kind:        channelKind(ch.Type),
	}
	if meta.Kind == session.ChannelDirect {
		meta.PeerID = DirectPeer(ch.Name, selfID)
	}
	return meta
}
