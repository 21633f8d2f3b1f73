// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt turns Matrix messages into Mattermost markdown.
package matrixfmt

import (
	"context"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// htmlParser writes Mattermost markdown. Mattermost has no underline or
// spoiler syntax, so those keep only their text. User pills become plain
// display names so they never ping a Mattermost user of the same name.
var htmlParser = &format.HTMLParser{
	TabsToSpaces:   4,
	Newline:        "\n",
	HorizontalLine: "\n---\n",
	PillConverter:  format.DefaultPillConverter,
	LinkConverter: func(text, href string, _ format.Context) string {
		if text == href {
			return href
		}
		return "[" + text + "](" + href + ")"
	},
	UnderlineConverter: func(text string, _ format.Context) string {
		return text
	},
	SpoilerConverter: func(text, _ string, _ format.Context) string {
		return text
	},
}

// Body converts message content to Mattermost markdown. The reply fallback
// of a reply is dropped and emotes become "/me" lines. content is modified
// in place.
func Body(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	content.RemoveReplyFallback()
	text := content.Body
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		text = htmlParser.Parse(content.FormattedBody, format.NewContext(context.Background()))
	}
	if content.MsgType == event.MsgEmote {
		return "/me " + text
	}
	return text
}

var markdownSpecialRe = regexp.MustCompile("([\\\\*_~`\\[\\]])")

// EscapeMarkdown escapes characters Mattermost would treat as markup.
func EscapeMarkdown(text string) string {
	return markdownSpecialRe.ReplaceAllString(text, `\$1`)
}

// RelayLine renders a message from a Matrix room for posting into
// Mattermost: "**Sender** (Room): text". Sender and room are escaped, text
// is already markdown.
func RelayLine(sender, room, text string) string {
	var sb strings.Builder
	sb.WriteString("**")
	sb.WriteString(EscapeMarkdown(sender))
	sb.WriteString("**")
	if room != "" {
		sb.WriteString(" (")
		sb.WriteString(EscapeMarkdown(room))
		sb.WriteString(")")
	}
	sb.WriteString(": ")
	sb.WriteString(text)
	return sb.String()
}
