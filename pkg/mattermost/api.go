// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/linkbridge/pkg/session"
)

const usersPerPage = 200

// GetUser fetches one user. A missing user returns session.ErrNotFound.
func (s *Session) GetUser(ctx context.Context, userID string) (*session.UserMeta, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	user, resp, err := client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, classifyError("get user", resp, err)
	}
	return s.toUserMeta(user), nil
}

// GetChannel fetches one channel. A missing channel returns
// session.ErrNotFound.
func (s *Session) GetChannel(ctx context.Context, channelID string) (*session.ChannelMeta, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	ch, resp, err := client.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, classifyError("get channel", resp, err)
	}
	return toChannelMeta(ch, s.Self().ID), nil
}

// ListUsers pages through every user on the server.
func (s *Session) ListUsers(ctx context.Context) ([]*session.UserMeta, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	var out []*session.UserMeta
	for page := 0; ; page++ {
		users, resp, err := client.GetUsers(ctx, page, usersPerPage, "")
		if err != nil {
			return out, classifyError("list users", resp, err)
		}
		for _, user := range users {
			out = append(out, s.toUserMeta(user))
		}
		if len(users) < usersPerPage {
			return out, nil
		}
	}
}

// ListChannels returns the public and private channels the session's user
// is a member of, across all of their teams.
func (s *Session) ListChannels(ctx context.Context) ([]*session.ChannelMeta, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	self := s.Self().ID
	teams, resp, err := client.GetTeamsForUser(ctx, self, "")
	if err != nil {
		return nil, classifyError("get teams", resp, err)
	}
	seen := make(map[string]struct{})
	var out []*session.ChannelMeta
	for _, team := range teams {
		channels, resp, err := client.GetChannelsForTeamForUser(ctx, team.Id, self, false, "")
		if err != nil {
			return out, classifyError(fmt.Sprintf("list channels of team %s", team.Name), resp, err)
		}
		for _, ch := range channels {
			if ch.Type != model.ChannelTypeOpen && ch.Type != model.ChannelTypePrivate {
				continue
			}
			if _, dup := seen[ch.Id]; dup {
				continue
			}
			seen[ch.Id] = struct{}{}
			out = append(out, toChannelMeta(ch, self))
		}
	}
	return out, nil
}

// ListDirectChannels returns the direct and group message channels of the
// session's user.
func (s *Session) ListDirectChannels(ctx context.Context) ([]*session.ChannelMeta, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	self := s.Self().ID
	channels, resp, err := client.GetChannelsForUserWithLastDeleteAt(ctx, self, 0)
	if err != nil {
		return nil, classifyError("list direct channels", resp, err)
	}
	var out []*session.ChannelMeta
	for _, ch := range channels {
		if ch.Type == model.ChannelTypeDirect || ch.Type == model.ChannelTypeGroup {
			out = append(out, toChannelMeta(ch, self))
		}
	}
	return out, nil
}

// OpenDirectChannel creates (or returns the existing) direct channel between
// the session's user and userID.
func (s *Session) OpenDirectChannel(ctx context.Context, userID string) (*session.ChannelMeta, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	self := s.Self().ID
	ch, resp, err := client.CreateDirectChannel(ctx, self, userID)
	if err != nil {
		return nil, classifyError("open direct channel", resp, err)
	}
	return toChannelMeta(ch, self), nil
}

// PostMessage posts text into a channel and returns the new post id. Posts
// are paced by the session's rate limiter.
func (s *Session) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	client, err := s.api()
	if err != nil {
		return "", err
	}
	if err = s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("failed to wait for send slot: %w", err)
	}
	post, resp, err := client.CreatePost(ctx, &model.Post{
		ChannelId: channelID,
		Message:   text,
	})
	if err != nil {
		return "", classifyError("create post", resp, err)
	}
	return post.Id, nil
}
