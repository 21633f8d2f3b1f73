// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost implements the team-chat backend session on top of the
// Mattermost REST API v4 and WebSocket API.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/linkbridge/pkg/credstore"
	"github.com/aiku/linkbridge/pkg/session"
)

const (
	maxReconnectAttempts = 5
	reconnectBaseDelay   = 2 * time.Second
)

var errNotAuthenticated = fmt.Errorf("%w: session has not been authenticated", session.ErrAuth)

// Options configures a Session.
type Options struct {
	ServerURL string
	// Owner is the Mattermost user id the token must belong to. Leave empty
	// for the bot and admin sessions.
	Owner string
	// Store receives the token after a successful Authenticate. May be nil.
	Store credstore.Store
	// DisplaynameTemplate renders UserMeta.DisplayName.
	DisplaynameTemplate string
	// SendRate is the sustained number of posts per second. Zero disables
	// pacing.
	SendRate  float64
	SendBurst int
}

// Session is one authenticated Mattermost connection.
type Session struct {
	serverURL   string
	owner       string
	store       credstore.Store
	limiter     *rate.Limiter
	displayname *template.Template

	mu     sync.RWMutex
	client *model.Client4
	ws     *model.WebSocketClient
	self   session.Identity

	handlersLock sync.RWMutex
	handlers     []session.Handler

	tracker  *session.Tracker
	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

// New creates an unauthenticated session.
func New(opts Options, log zerolog.Logger) (*Session, error) {
	tpl, err := parseDisplaynameTemplate(opts.DisplaynameTemplate)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	burst := opts.SendBurst
	if burst <= 0 {
		burst = 1
	}
	log = log.With().Str("component", "mm_session").Str("owner", opts.Owner).Logger()
	return &Session{
		serverURL:   opts.ServerURL,
		owner:       opts.Owner,
		store:       opts.Store,
		limiter:     rate.NewLimiter(limit, burst),
		displayname: tpl,
		tracker:     session.NewTracker(log),
		stopChan:    make(chan struct{}),
		log:         log,
	}, nil
}

// Authenticate checks the token with GET /users/me. On success the session
// adopts the token and, if a store is configured, caches it under the
// resolved user id. A failed write is returned as credstore.ErrPersist
// together with the valid identity.
func (s *Session) Authenticate(ctx context.Context, token string) (session.Identity, error) {
	client := model.NewAPIv4Client(s.serverURL)
	client.SetToken(token)
	me, resp, err := client.GetMe(ctx, "")
	if err != nil {
		return session.Identity{}, classifyError("verify token", resp, err)
	}
	ident := session.Identity{ID: me.Id, Username: me.Username}
	if s.owner != "" && me.Id != s.owner {
		s.log.Warn().
			Str("token_user_id", me.Id).
			Msg("Rejecting token that belongs to a different user")
		return session.Identity{}, fmt.Errorf("%w: token belongs to another user", session.ErrAuth)
	}

	s.mu.Lock()
	s.client = client
	s.self = ident
	s.mu.Unlock()
	s.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if s.store != nil {
		if err = s.store.Put(credstore.KindTeamChat, me.Id, token); err != nil {
			s.log.Warn().Err(err).Msg("Failed to cache Mattermost token")
			return ident, fmt.Errorf("%w: %w", credstore.ErrPersist, err)
		}
	}
	return ident, nil
}

// Self returns the identity resolved by Authenticate.
func (s *Session) Self() session.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// State returns the connection state.
func (s *Session) State() session.State {
	return s.tracker.State()
}

// Subscribe registers a handler for events from the WebSocket stream.
func (s *Session) Subscribe(handler session.Handler) {
	s.handlersLock.Lock()
	s.handlers = append(s.handlers, handler)
	s.handlersLock.Unlock()
}

func (s *Session) emit(evt session.Event) {
	s.handlersLock.RLock()
	defer s.handlersLock.RUnlock()
	for _, handler := range s.handlers {
		handler(evt)
	}
}

// Connect opens the WebSocket stream. It returns immediately if the session
// is already connecting or connected. The session is Connected once the
// server's hello event arrives.
func (s *Session) Connect(ctx context.Context) error {
	started, err := s.tracker.Begin()
	if err != nil || !started {
		return err
	}
	s.log.Info().Str("server_url", s.serverURL).Msg("Connecting to Mattermost")
	if err = s.connectWebSocket(); err != nil {
		s.tracker.Fail(err)
		return err
	}
	return nil
}

// WaitConnected blocks until the hello event arrived or the session failed.
func (s *Session) WaitConnected(ctx context.Context, timeout time.Duration) error {
	return s.tracker.Wait(ctx, timeout)
}

func (s *Session) connectWebSocket() error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return errNotAuthenticated
	}
	wsURL := httpToWS(s.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, client.AuthToken)
	if err != nil {
		return fmt.Errorf("%w: failed to create websocket client: %w", session.ErrBackendUnavailable, err)
	}
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()
	ws.Listen()

	go s.listenWebSocket(ws)

	s.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

func (s *Session) listenWebSocket(ws *model.WebSocketClient) {
	events := ws.EventChannel
	responses := ws.ResponseChannel
	for {
		select {
		case <-s.stopChan:
			return
		case evt, ok := <-events:
			if !ok {
				s.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				s.handleWebSocketDisconnect()
				return
			}
			if evt == nil {
				continue
			}
			s.handleEvent(evt)
		case resp, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if resp == nil {
				continue
			}
			s.handleResponse(resp)
		}
	}
}

func (s *Session) handleWebSocketDisconnect() {
	if s.stopped() {
		return
	}
	if s.tracker.MarkReconnecting() {
		s.emit(session.Event{Kind: session.EventReconnect, Type: "reconnect", Timestamp: time.Now()})
	}

	var err error
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if err = s.connectWebSocket(); err == nil {
			return
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to reconnect WebSocket")
		select {
		case <-s.stopChan:
			return
		case <-time.After(time.Duration(attempt) * reconnectBaseDelay):
		}
	}
	s.log.Error().Err(err).Msg("Giving up on WebSocket reconnect")
	s.tracker.Fail(err)
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// Close stops the event loop and closes the WebSocket.
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	s.tracker.MarkDisconnected()
	return nil
}

func (s *Session) api() (*model.Client4, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errNotAuthenticated
	}
	return s.client, nil
}

// classifyError maps a Client4 failure onto the session error taxonomy.
func classifyError(action string, resp *model.Response, err error) error {
	switch statusOf(resp, err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: failed to %s: %w", session.ErrAuth, action, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: failed to %s: %w", session.ErrNotFound, action, err)
	default:
		return fmt.Errorf("%w: failed to %s: %w", session.ErrBackendUnavailable, action, err)
	}
}

func statusOf(resp *model.Response, err error) int {
	if resp != nil && resp.StatusCode != 0 {
		return resp.StatusCode
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}
