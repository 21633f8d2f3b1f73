// Copyright 2024-2026 Aiku AI

// Package mattermostfmt turns relayed Mattermost posts into Matrix message
// content.
package mattermostfmt

import (
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// EmotePrefix marks a post made with Mattermost's /me command.
const EmotePrefix = "/me "

// TagChannel prefixes text with the name of the channel it was posted in.
func TagChannel(channel, text string) string {
	return "[#" + channel + "] " + text
}

// SplitChannelTag undoes TagChannel. It returns an empty channel if text
// carries no tag.
func SplitChannelTag(text string) (channel, rest string) {
	tagged, ok := strings.CutPrefix(text, "[#")
	if !ok {
		return "", text
	}
	channel, rest, ok = strings.Cut(tagged, "] ")
	if !ok || channel == "" || strings.ContainsAny(channel, " \t\n]") {
		return "", text
	}
	return channel, rest
}

// Content converts a relayed post to Matrix content. Markdown is rendered to
// HTML and raw HTML is escaped. A channel tag is kept verbatim in front of
// the rendered text, and an EmotePrefix turns the message into an emote.
func Content(text string) *event.MessageEventContent {
	msgType := event.MsgText
	if rest, ok := strings.CutPrefix(text, EmotePrefix); ok {
		msgType = event.MsgEmote
		text = rest
	}
	channel, text := SplitChannelTag(text)
	content := format.RenderMarkdown(text, true, false)
	content.MsgType = msgType
	if channel != "" {
		tag := TagChannel(channel, "")
		content.Body = tag + content.Body
		if content.Format == event.FormatHTML {
			content.FormattedBody = html.EscapeString(tag) + content.FormattedBody
		}
	}
	return &content
}
