// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/linkbridge/pkg/session"
)

// handleEvent translates a WebSocket event, updates the connection state
// and pushes the result to subscribers.
func (s *Session) handleEvent(evt *model.WebSocketEvent) {
	out := s.translateEvent(evt)
	if out.Kind == session.EventConnectAck {
		if s.tracker.MarkConnected() {
			s.log.Info().Msg("Received hello, session connected")
		}
	}
	s.emit(out)
}

// handleResponse turns an acknowledgement of something this session sent
// into an event carrying ReplyTo so the router can drop it.
func (s *Session) handleResponse(resp *model.WebSocketResponse) {
	if resp.SeqReply == 0 {
		return
	}
	s.emit(session.Event{
		Kind:      session.EventMessage,
		Type:      "response",
		ReplyTo:   resp.SeqReply,
		Subtype:   resp.Status,
		Timestamp: time.Now(),
	})
}

func (s *Session) translateEvent(evt *model.WebSocketEvent) session.Event {
	out := session.Event{
		Type:      string(evt.EventType()),
		Timestamp: time.Now(),
	}
	if bc := evt.GetBroadcast(); bc != nil {
		out.ChannelID = bc.ChannelId
	}
	switch evt.EventType() {
	case model.WebsocketEventHello:
		out.Kind = session.EventConnectAck
		out.Text, _ = evt.GetData()["server_version"].(string)
	case model.WebsocketEventPosted:
		post, err := parsePostedEvent(evt)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to parse posted event")
			out.Kind = session.EventUnknown
			return out
		}
		out.Kind = session.EventMessage
		fillFromPost(&out, post, evt.GetData())
	case model.WebsocketEventTyping:
		out.Kind = session.EventTyping
		out.UserID, _ = evt.GetData()["user_id"].(string)
	default:
		s.log.Trace().Str("event_type", out.Type).Msg("Unhandled event type")
		out.Kind = session.EventUnknown
	}
	return out
}

func parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	return &post, nil
}

func fillFromPost(out *session.Event, post *model.Post, data map[string]any) {
	out.ID = post.Id
	out.UserID = post.UserId
	out.ChannelID = post.ChannelId
	out.Text = post.Message
	out.Subtype = postSubtype(post)
	if post.CreateAt > 0 {
		out.Timestamp = time.UnixMilli(post.CreateAt)
	}
	senderName, _ := data["sender_name"].(string)
	out.UserName = strings.TrimPrefix(senderName, "@")
	out.ChannelName, _ = data["channel_name"].(string)
	channelType, _ := data["channel_type"].(string)
	out.ChannelType = channelKind(model.ChannelType(channelType))

	// For "added to channel" the poster is whoever did the adding.
	if post.Type == model.PostTypeAddToChannel {
		if added, ok := post.GetProp("addedUserId").(string); ok && added != "" {
			out.UserID = added
			out.UserName, _ = post.GetProp("addedUsername").(string)
		}
	}
}

func postSubtype(post *model.Post) string {
	if isTruthy(post.GetProp("from_bot")) || isTruthy(post.GetProp("from_webhook")) {
		return session.SubtypeBotMessage
	}
	switch post.Type {
	case model.PostTypeDefault:
		return ""
	case model.PostTypeJoinChannel, model.PostTypeAddToChannel:
		return session.SubtypeChannelJoin
	case model.PostTypeMe:
		return session.SubtypeEmote
	default:
		return post.Type
	}
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	default:
		return false
	}
}
