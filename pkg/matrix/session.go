// Copyright 2024-2026 Aiku AI

// Package matrix implements the direct-message backend session: a plain
// Matrix client logged in with the user's own access token, kept alive by a
// /sync loop.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/linkbridge/pkg/credstore"
	"github.com/aiku/linkbridge/pkg/format/matrixfmt"
	"github.com/aiku/linkbridge/pkg/format/mattermostfmt"
	"github.com/aiku/linkbridge/pkg/session"
)

var errNotAuthenticated = fmt.Errorf("%w: session has not been authenticated", session.ErrAuth)

// Options configures a Session.
type Options struct {
	HomeserverURL string
	// Owner is the Mattermost user id the credential is filed under.
	Owner string
	// Store receives the token after a successful Authenticate. May be nil.
	Store credstore.Store
}

// Session is one user's Matrix connection.
type Session struct {
	homeserverURL string
	owner         string
	store         credstore.Store

	mu          sync.RWMutex
	client      *mautrix.Client
	self        session.Identity
	roomNames   map[id.RoomID]string
	memberNames map[id.RoomID]map[id.UserID]string
	cancelSync  context.CancelFunc
	closing     atomic.Bool

	handlersLock sync.RWMutex
	handlers     []session.Handler

	tracker *session.Tracker
	log     zerolog.Logger
}

// New creates an unauthenticated session.
func New(opts Options, log zerolog.Logger) *Session {
	log = log.With().Str("component", "mx_session").Str("owner", opts.Owner).Logger()
	return &Session{
		homeserverURL: opts.HomeserverURL,
		owner:         opts.Owner,
		store:         opts.Store,
		roomNames:     make(map[id.RoomID]string),
		memberNames:   make(map[id.RoomID]map[id.UserID]string),
		tracker:       session.NewTracker(log),
		log:           log,
	}
}

// Authenticate checks the access token with /account/whoami. On success the
// session adopts the token and caches it under the owner's id. If the cache
// write fails, the identity is still returned, along with an error wrapping
// credstore.ErrPersist.
func (s *Session) Authenticate(ctx context.Context, token string) (session.Identity, error) {
	client, err := mautrix.NewClient(s.homeserverURL, "", token)
	if err != nil {
		return session.Identity{}, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = s.log.With().Str("component", "mautrix").Logger()
	resp, err := client.Whoami(ctx)
	if err != nil {
		return session.Identity{}, classifyError("verify token", err)
	}
	client.UserID = resp.UserID
	client.DeviceID = resp.DeviceID
	ident := session.Identity{ID: string(resp.UserID), Username: resp.UserID.Localpart()}

	s.mu.Lock()
	s.client = client
	s.self = ident
	s.mu.Unlock()
	s.log.Info().Stringer("user_id", resp.UserID).Msg("Authenticated")

	if s.store != nil && s.owner != "" {
		if err = s.store.Put(credstore.KindDirectMessage, s.owner, token); err != nil {
			s.log.Warn().Err(err).Msg("Failed to cache Matrix token")
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

// Subscribe registers a handler for messages from the sync stream.
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

// Connect starts the /sync loop in its own goroutine. The session becomes
// Connected when the first sync response arrives.
func (s *Session) Connect(ctx context.Context) error {
	started, err := s.tracker.Begin()
	if err != nil || !started {
		return err
	}
	s.mu.Lock()
	client := s.client
	if client == nil {
		s.mu.Unlock()
		s.tracker.Fail(errNotAuthenticated)
		return errNotAuthenticated
	}
	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelSync = cancel
	s.mu.Unlock()

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		cancel()
		err = fmt.Errorf("unexpected syncer type %T", client.Syncer)
		s.tracker.Fail(err)
		return err
	}
	syncer.OnSync(s.handleSync)
	syncer.OnEventType(event.StateRoomName, s.handleState)
	syncer.OnEventType(event.StateMember, s.handleState)
	syncer.OnEventType(event.EventMessage, s.handleMessage)

	s.log.Info().Str("homeserver", s.homeserverURL).Msg("Starting sync loop")
	go s.runSync(syncCtx, client)
	return nil
}

func (s *Session) runSync(ctx context.Context, client *mautrix.Client) {
	err := client.SyncWithContext(ctx)
	if s.closing.Load() || errors.Is(err, context.Canceled) {
		s.log.Debug().Msg("Sync loop stopped")
		s.tracker.MarkDisconnected()
		return
	}
	if err == nil {
		err = errors.New("sync loop ended unexpectedly")
	}
	s.log.Error().Err(err).Msg("Sync loop failed")
	s.tracker.Fail(classifyError("sync", err))
}

// WaitConnected blocks until the first sync completed or the session failed.
func (s *Session) WaitConnected(ctx context.Context, timeout time.Duration) error {
	return s.tracker.Wait(ctx, timeout)
}

// Send posts Mattermost-flavoured markdown into a room. A non-empty txnID
// makes the send idempotent on the homeserver.
func (s *Session) Send(ctx context.Context, roomID, text, txnID string) (string, error) {
	client, err := s.api()
	if err != nil {
		return "", err
	}
	var extra []mautrix.ReqSendEvent
	if txnID != "" {
		extra = append(extra, mautrix.ReqSendEvent{TransactionID: txnID})
	}
	resp, err := client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, mattermostfmt.Content(text), extra...)
	if err != nil {
		return "", classifyError("send message", err)
	}
	return string(resp.EventID), nil
}

// JoinedRooms lists the rooms the user is in, with names learned from sync.
func (s *Session) JoinedRooms(ctx context.Context) ([]*session.ChannelMeta, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	resp, err := client.JoinedRooms(ctx)
	if err != nil {
		return nil, classifyError("list joined rooms", err)
	}
	out := make([]*session.ChannelMeta, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		out = append(out, &session.ChannelMeta{
			ID:          string(roomID),
			DisplayName: s.RoomName(string(roomID)),
			Kind:        session.ChannelGroup,
		})
	}
	return out, nil
}

// RoomName returns the learned name of a room, or "" if none is known.
func (s *Session) RoomName(roomID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomNames[id.RoomID(roomID)]
}

func (s *Session) memberName(roomID id.RoomID, userID id.UserID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name := s.memberNames[roomID][userID]; name != "" {
		return name
	}
	return userID.Localpart()
}

// Close stops the sync loop.
func (s *Session) Close() error {
	s.closing.Store(true)
	s.mu.Lock()
	cancel := s.cancelSync
	s.cancelSync = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.tracker.MarkDisconnected()
	return nil
}

func (s *Session) api() (*mautrix.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errNotAuthenticated
	}
	return s.client, nil
}

// handleSync learns room state from the initial sync and marks the session
// connected. The initial batch is history, so its events are not dispatched.
func (s *Session) handleSync(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	if since != "" {
		return true
	}
	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.State.Events {
			evt.RoomID = roomID
			evt.Type.Class = event.StateEventType
			_ = evt.Content.ParseRaw(evt.Type)
			s.learnState(evt)
		}
	}
	if s.tracker.MarkConnected() {
		s.log.Info().Int("rooms", len(resp.Rooms.Join)).Msg("Initial sync complete, session connected")
		s.emit(session.Event{Kind: session.EventConnectAck, Type: "sync", Timestamp: time.Now()})
	}
	return false
}

func (s *Session) handleState(ctx context.Context, evt *event.Event) {
	s.learnState(evt)
}

func (s *Session) learnState(evt *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch evt.Type.Type {
	case event.StateRoomName.Type:
		if name := evt.Content.AsRoomName().Name; name != "" {
			s.roomNames[evt.RoomID] = name
		}
	case event.StateMember.Type:
		if evt.StateKey == nil {
			return
		}
		members, ok := s.memberNames[evt.RoomID]
		if !ok {
			members = make(map[id.UserID]string)
			s.memberNames[evt.RoomID] = members
		}
		if name := evt.Content.AsMember().Displayname; name != "" {
			members[id.UserID(*evt.StateKey)] = name
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(s.Self().ID) {
		return
	}
	content := evt.Content.AsMessage()
	out := session.Event{
		Kind:        session.EventMessage,
		Type:        evt.Type.Type,
		ID:          string(evt.ID),
		UserID:      string(evt.Sender),
		UserName:    s.memberName(evt.RoomID, evt.Sender),
		ChannelID:   string(evt.RoomID),
		ChannelName: s.RoomName(string(evt.RoomID)),
		ChannelType: session.ChannelGroup,
		Text:        matrixfmt.Body(content),
		Timestamp:   time.UnixMilli(evt.Timestamp),
	}
	switch content.MsgType {
	case event.MsgEmote:
		out.Subtype = session.SubtypeEmote
	case event.MsgNotice:
		out.Subtype = session.SubtypeBotMessage
	}
	s.emit(out)
}

// classifyError maps a mautrix failure onto the session error taxonomy.
func classifyError(action string, err error) error {
	switch {
	case errors.Is(err, mautrix.MUnknownToken), errors.Is(err, mautrix.MMissingToken), errors.Is(err, mautrix.MForbidden):
		return fmt.Errorf("%w: failed to %s: %w", session.ErrAuth, action, err)
	case errors.Is(err, mautrix.MNotFound):
		return fmt.Errorf("%w: failed to %s: %w", session.ErrNotFound, action, err)
	default:
		return fmt.Errorf("%w: failed to %s: %w", session.ErrBackendUnavailable, action, err)
	}
}
