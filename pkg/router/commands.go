// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/aiku/linkbridge/pkg/session"
)

// handleCommand runs an "@bot <command>" message and replies in the same
// channel.
func (r *Router) handleCommand(ctx context.Context, evt session.Event) {
	botName := r.bot.Self().Username
	rest, _ := stripMention(evt.Text, botName)
	args := strings.Fields(rest)
	var command string
	if len(args) > 0 {
		command = strings.ToLower(args[0])
	}
	switch command {
	case "status":
		r.post(ctx, evt.ChannelID, r.statusReport(evt.UserID))
	case "room":
		if len(args) < 2 {
			r.post(ctx, evt.ChannelID, fmt.Sprintf("Usage: `@%s room <room id>`", botName))
			return
		}
		r.post(ctx, evt.ChannelID, r.setRelayTarget(evt.UserID, args[1]))
	case "rooms":
		r.listRooms(ctx, evt)
	default:
		r.post(ctx, evt.ChannelID, commandHelp(botName))
	}
}

func (r *Router) statusReport(userID string) string {
	link := r.links.Lookup(userID)
	if link == nil {
		return fmt.Sprintf("You are not linked yet. DM me '%s <token>' to start.", KeywordMattermost)
	}
	var sb strings.Builder
	if ident := link.TeamChat(); !ident.IsZero() {
		fmt.Fprintf(&sb, "Mattermost: linked as @%s\n", ident.Username)
	} else {
		sb.WriteString("Mattermost: not linked\n")
	}
	if dm := link.DirectMessage(); dm != nil {
		fmt.Fprintf(&sb, "Matrix: %s (%s)\n", dm.Self().ID, dm.State())
	} else {
		sb.WriteString("Matrix: not linked\n")
	}
	if target := link.RelayTarget(); target != "" {
		fmt.Fprintf(&sb, "Relay target: %s", target)
	} else {
		sb.WriteString("Relay target: none")
	}
	return sb.String()
}

func (r *Router) setRelayTarget(userID, roomID string) string {
	if !strings.HasPrefix(roomID, "!") {
		return fmt.Sprintf("%q is not a Matrix room id. Room ids start with '!'.", roomID)
	}
	link := r.links.Lookup(userID)
	if link == nil || link.DirectMessage() == nil {
		return fmt.Sprintf("Link your Matrix account first: DM me '%s <token>'.", KeywordMatrix)
	}
	link.SetRelayTarget(roomID)
	return fmt.Sprintf("Your messages will now go to %s.", roomID)
}

func (r *Router) listRooms(ctx context.Context, evt session.Event) {
	link := r.links.Lookup(evt.UserID)
	if link == nil || link.DirectMessage() == nil {
		r.post(ctx, evt.ChannelID, fmt.Sprintf("Link your Matrix account first: DM me '%s <token>'.", KeywordMatrix))
		return
	}
	dm := link.DirectMessage()
	target := link.RelayTarget()
	r.goAsync(ctx, func(ctx context.Context) {
		rooms, err := dm.JoinedRooms(ctx)
		if err != nil {
			r.log.Warn().Err(err).Str("user_id", evt.UserID).Msg("Failed to list Matrix rooms")
			r.post(ctx, evt.ChannelID, "Couldn't list your Matrix rooms right now.")
			return
		}
		if len(rooms) == 0 {
			r.post(ctx, evt.ChannelID, "You haven't joined any Matrix rooms.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Your Matrix rooms:")
		for _, room := range rooms {
			fmt.Fprintf(&sb, "\n- %s (`%s`)", room.Label(), room.ID)
			if room.ID == target {
				sb.WriteString(" <- relay target")
			}
		}
		r.post(ctx, evt.ChannelID, sb.String())
	})
}
