// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"fmt"

	"github.com/aiku/linkbridge/pkg/mattermost"
	"github.com/aiku/linkbridge/pkg/session"
)

// Listing is what the orchestrator pre-fetched with the admin session.
type Listing struct {
	Channels       []*session.ChannelMeta
	DirectChannels []*session.ChannelMeta
	Users          []*session.UserMeta
}

// Seed loads pre-fetched metadata into the caches. It runs on the loop.
func (r *Router) Seed(listing Listing) {
	r.enqueue(func(context.Context) {
		for _, ch := range listing.Channels {
			r.cacheChannel(ch)
		}
		for _, ch := range listing.DirectChannels {
			r.cacheChannel(ch)
		}
		for _, user := range listing.Users {
			r.users[user.ID] = user
		}
		r.log.Info().
			Int("channels", len(listing.Channels)).
			Int("direct_channels", len(listing.DirectChannels)).
			Int("users", len(listing.Users)).
			Msg("Seeded metadata caches")
	})
}

// cacheChannel stores ch with the peer of a direct channel taken from the
// bot's side. Listings fetched by another account name a different peer.
func (r *Router) cacheChannel(ch *session.ChannelMeta) *session.ChannelMeta {
	if ch.Kind == session.ChannelDirect {
		own := *ch
		own.PeerID = mattermost.DirectPeer(ch.Name, r.bot.Self().ID)
		ch = &own
	}
	r.channels[ch.ID] = ch
	return ch
}

// getChannel returns cached channel metadata, fetching it on a miss. It
// returns nil if the fetch fails.
func (r *Router) getChannel(ctx context.Context, channelID string) *session.ChannelMeta {
	if channelID == "" {
		return nil
	}
	if ch, ok := r.channels[channelID]; ok {
		return ch
	}
	ch, err := r.bot.GetChannel(ctx, channelID)
	if err != nil {
		r.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to fetch channel")
		return nil
	}
	return r.cacheChannel(ch)
}

// getUser returns cached user metadata, fetching it on a miss. It returns
// nil if the fetch fails.
func (r *Router) getUser(ctx context.Context, userID string) *session.UserMeta {
	if user, ok := r.users[userID]; ok {
		return user
	}
	user, err := r.bot.GetUser(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to fetch user")
		return nil
	}
	r.users[user.ID] = user
	return user
}

// getIM returns the id of the bot's direct channel with userID. Cached
// direct channels are scanned before a new one is opened.
func (r *Router) getIM(ctx context.Context, userID string) (string, error) {
	if channelID, ok := r.ims[userID]; ok {
		return channelID, nil
	}
	for _, ch := range r.channels {
		if ch.IsDirectWith(userID) {
			r.ims[userID] = ch.ID
			return ch.ID, nil
		}
	}
	ch, err := r.bot.OpenDirectChannel(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to open direct channel with %s: %w", userID, err)
	}
	r.cacheChannel(ch)
	r.ims[userID] = ch.ID
	return ch.ID, nil
}

// username returns the @-handle of userID, preferring what the event says.
func (r *Router) username(ctx context.Context, userID, fromEvent string) string {
	if fromEvent != "" {
		return fromEvent
	}
	if user := r.getUser(ctx, userID); user != nil && user.Username != "" {
		return user.Username
	}
	return userID
}
