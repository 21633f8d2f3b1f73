// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"errors"

	"github.com/aiku/linkbridge/pkg/credstore"
	"github.com/aiku/linkbridge/pkg/format/mattermostfmt"
	"github.com/aiku/linkbridge/pkg/format/matrixfmt"
	"github.com/aiku/linkbridge/pkg/registry"
	"github.com/aiku/linkbridge/pkg/session"
)

const txnPrefix = "linkbridge-"

// route classifies a Mattermost event and acts on it.
func (r *Router) route(ctx context.Context, evt session.Event) {
	decision := r.classify(ctx, &evt)
	log := r.log.With().
		Str("route", decision.String()).
		Str("post_id", evt.ID).
		Str("user_id", evt.UserID).
		Str("channel_id", evt.ChannelID).
		Logger()
	switch decision {
	case RouteConnected:
		log.Info().Str("server_version", evt.Text).Msg("Bot connected to Mattermost")
	case RouteGreet:
		if r.once("greet", evt.UserID) {
			log.Debug().Msg("Greeting new member")
			r.directMessage(ctx, evt.UserID, greeting(r.username(ctx, evt.UserID, evt.UserName)))
		}
	case RouteCommand:
		log.Debug().Msg("Handling command")
		r.handleCommand(ctx, evt)
	case RouteEnroll:
		log.Debug().Msg("Handling enrollment message")
		r.handleEnrollment(ctx, evt)
	case RouteRelay:
		log.Debug().Msg("Relaying message")
		r.handleRelay(ctx, evt)
	}
}

// handleRelay forwards a payload through the sender's Matrix session, or
// asks for whichever token is missing. A user's payloads are resolved and
// sent one at a time, in the order they arrived.
func (r *Router) handleRelay(ctx context.Context, evt session.Event) {
	text := r.relayText(ctx, evt)
	username := r.username(ctx, evt.UserID, evt.UserName)
	r.serialize(ctx, userQueue(evt.UserID), func(ctx context.Context) {
		link, err := r.links.Resolve(ctx, evt.UserID)
		switch {
		case errors.Is(err, credstore.ErrNotFound), errors.Is(err, session.ErrAuth):
			r.enqueue(func(ctx context.Context) {
				r.promptOnce(ctx, evt.UserID, username, KeywordMattermost)
			})
			return
		case err != nil:
			r.log.Warn().Err(err).Str("user_id", evt.UserID).Msg("Failed to resolve link")
			return
		case !link.HasTeamChat():
			r.enqueue(func(ctx context.Context) {
				r.promptOnce(ctx, evt.UserID, username, KeywordMattermost)
			})
			return
		case link.DirectMessage() == nil:
			r.enqueue(func(ctx context.Context) {
				r.promptOnce(ctx, evt.UserID, username, KeywordMatrix)
			})
			return
		}
		r.forward(ctx, link, evt, text)
	})
}

// relayText builds what gets sent to Matrix. DMs go verbatim; channel posts
// carry the channel name.
func (r *Router) relayText(ctx context.Context, evt session.Event) string {
	text := evt.Text
	if evt.ChannelType == session.ChannelOpen || evt.ChannelType == session.ChannelPrivate {
		if name := r.channelName(ctx, &evt); name != "" {
			text = mattermostfmt.TagChannel(name, text)
		}
	}
	if evt.Subtype == session.SubtypeEmote {
		text = mattermostfmt.EmotePrefix + text
	}
	return text
}

func (r *Router) forward(ctx context.Context, link *registry.IdentityLink, evt session.Event, text string) {
	log := r.log.With().Str("user_id", evt.UserID).Str("post_id", evt.ID).Logger()
	target := link.RelayTarget()
	if target == "" {
		botName := r.bot.Self().Username
		r.enqueue(func(ctx context.Context) {
			r.directMessage(ctx, evt.UserID, noRelayTarget(botName))
		})
		return
	}
	var txnID string
	if evt.ID != "" {
		txnID = txnPrefix + evt.ID
	}
	eventID, err := link.DirectMessage().Send(ctx, target, text, txnID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", target).Msg("Failed to relay message to Matrix")
		return
	}
	log.Debug().Str("room_id", target).Str("event_id", eventID).Msg("Relayed message to Matrix")
}

// promptOnce asks userID for a token, at most once per user and keyword.
func (r *Router) promptOnce(ctx context.Context, userID, username, keyword string) {
	if r.once(keyword, userID) {
		r.directMessage(ctx, userID, promptFor(username, keyword))
	}
}

// once reports whether kind has not been sent to userID yet, and marks it
// sent.
func (r *Router) once(kind, userID string) bool {
	key := kind + ":" + userID
	if _, done := r.prompted[key]; done {
		return false
	}
	r.prompted[key] = struct{}{}
	return true
}

// routeDirectMessage relays a Matrix message into the owner's DM with the
// bot. The room it came from becomes the owner's relay target.
func (r *Router) routeDirectMessage(ctx context.Context, owner string, evt session.Event) {
	switch {
	case evt.Kind == session.EventConnectAck:
		r.log.Debug().Str("user_id", owner).Msg("Matrix session connected")
		return
	case evt.Kind != session.EventMessage, evt.Subtype == session.SubtypeBotMessage:
		return
	case evt.ID != "" && r.seen.Contains(evt.ID):
		return
	}
	if evt.ID != "" {
		r.seen.Push(evt.ID, struct{}{})
	}
	link := r.links.Lookup(owner)
	if link == nil {
		return
	}
	if link.RelayTarget() != evt.ChannelID {
		link.SetRelayTarget(evt.ChannelID)
		r.log.Debug().Str("user_id", owner).Str("room_id", evt.ChannelID).Msg("Relay target follows last Matrix message")
	}
	r.directMessage(ctx, owner, matrixfmt.RelayLine(evt.UserName, evt.ChannelName, evt.Text))
}
