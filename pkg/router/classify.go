// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"strings"

	"github.com/aiku/linkbridge/pkg/mattermost"
	"github.com/aiku/linkbridge/pkg/session"
)

// Route is the outcome of classifying one Mattermost event.
type Route int

const (
	RouteDiscard Route = iota
	RouteIgnore
	RouteConnected
	RouteGreet
	RouteCommand
	RouteEnroll
	RouteRelay
)

func (r Route) String() string {
	switch r {
	case RouteDiscard:
		return "discard"
	case RouteIgnore:
		return "ignore"
	case RouteConnected:
		return "connected"
	case RouteGreet:
		return "greet"
	case RouteCommand:
		return "command"
	case RouteEnroll:
		return "enroll"
	case RouteRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// filter is one (predicate, handler) row of the dispatch table. The first
// row whose predicate matches decides the route.
type filter struct {
	name  string
	match func(self session.Identity, evt *session.Event) bool
	route func(ctx context.Context, self session.Identity, evt *session.Event) Route
}

// classify decides what to do with an event. It runs on the loop and may
// fill the channel cache.
func (r *Router) classify(ctx context.Context, evt *session.Event) Route {
	switch {
	case evt.ReplyTo != 0:
		return RouteDiscard
	case evt.Kind == session.EventUnknown:
		r.log.Debug().Str("event_type", evt.Type).Msg("Discarding unknown event")
		return RouteDiscard
	case evt.Kind == session.EventTyping, evt.Kind == session.EventReconnect:
		return RouteIgnore
	case evt.Kind == session.EventConnectAck:
		return RouteConnected
	}

	self := r.bot.Self()
	switch {
	case evt.Subtype == session.SubtypeBotMessage:
		return RouteDiscard
	case r.opts.BotPrefix != "" && strings.HasPrefix(evt.UserName, r.opts.BotPrefix):
		return RouteDiscard
	case evt.UserID == "", evt.UserID == self.ID:
		return RouteDiscard
	case evt.ID != "" && r.seen.Contains(evt.ID):
		r.log.Debug().Str("post_id", evt.ID).Msg("Discarding redelivered post")
		return RouteDiscard
	}
	if evt.ID != "" {
		r.seen.Push(evt.ID, struct{}{})
	}

	if evt.Subtype == session.SubtypeChannelJoin {
		if r.channelName(ctx, evt) == r.opts.GreetingChannel {
			return RouteGreet
		}
		return RouteIgnore
	}
	if evt.Subtype != "" && evt.Subtype != session.SubtypeEmote {
		return RouteIgnore
	}

	for _, f := range r.filters {
		if f.match(self, evt) {
			return f.route(ctx, self, evt)
		}
	}
	return RouteDiscard
}

// addressedToBot reports whether the message starts with an @-mention of
// the bot.
func (r *Router) addressedToBot(self session.Identity, evt *session.Event) bool {
	_, ok := stripMention(evt.Text, self.Username)
	return ok
}

func (r *Router) notAddressedToBot(self session.Identity, evt *session.Event) bool {
	return !r.addressedToBot(self, evt)
}

func (r *Router) routeCommand(context.Context, session.Identity, *session.Event) Route {
	return RouteCommand
}

// routeMessage separates enrollment traffic from relay payloads. A DM with
// the bot is enrollment traffic unless its sender is fully enrolled. An
// enrolled user re-enrolls with a bare "<keyword> <token>" message.
func (r *Router) routeMessage(ctx context.Context, self session.Identity, evt *session.Event) Route {
	if !r.isDirectWithBot(ctx, self, evt) {
		return RouteRelay
	}
	if looksLikeEnrollment(evt.Text) {
		return RouteEnroll
	}
	if link := r.links.Lookup(evt.UserID); link == nil || !link.Enrolled() {
		return RouteEnroll
	}
	return RouteRelay
}

// stripMention returns the text after a leading "@username" mention.
func stripMention(text, username string) (string, bool) {
	if username == "" {
		return "", false
	}
	mention := "@" + username
	if len(text) < len(mention) || !strings.EqualFold(text[:len(mention)], mention) {
		return "", false
	}
	rest := text[len(mention):]
	if rest != "" && !strings.ContainsRune(" \t\n:,", rune(rest[0])) {
		return "", false
	}
	return strings.TrimLeft(rest, " \t\n:,"), true
}

func (r *Router) isDirectWithBot(ctx context.Context, self session.Identity, evt *session.Event) bool {
	if evt.ChannelType != session.ChannelDirect && evt.ChannelType != session.ChannelUnknown {
		return false
	}
	if evt.ChannelName != "" && evt.ChannelType == session.ChannelDirect {
		return mattermost.DirectPeer(evt.ChannelName, self.ID) == evt.UserID
	}
	return r.getChannel(ctx, evt.ChannelID).IsDirectWith(evt.UserID)
}

func (r *Router) channelName(ctx context.Context, evt *session.Event) string {
	if evt.ChannelName != "" {
		return evt.ChannelName
	}
	if ch := r.getChannel(ctx, evt.ChannelID); ch != nil {
		return ch.Name
	}
	return ""
}
