// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/linkbridge/pkg/credstore"
	"github.com/aiku/linkbridge/pkg/registry"
	"github.com/aiku/linkbridge/pkg/session"
)

const botID = "bot"

type postedMessage struct {
	ChannelID string
	Text      string
}

// fakeBot is an in-memory Mattermost API for the bot identity.
type fakeBot struct {
	mu       sync.Mutex
	channels map[string]*session.ChannelMeta
	users    map[string]*session.UserMeta
	posts    []postedMessage
	opened   []string
}

func newFakeBot() *fakeBot {
	return &fakeBot{
		channels: map[string]*session.ChannelMeta{
			"ch-town-square": {ID: "ch-town-square", Name: "town-square", Kind: session.ChannelOpen},
			"ch-dev":         {ID: "ch-dev", Name: "dev", Kind: session.ChannelOpen},
		},
		users: map[string]*session.UserMeta{
			"carol": {ID: "carol", Username: "carol"},
		},
	}
}

func (f *fakeBot) Self() session.Identity {
	return session.Identity{ID: botID, Username: "linkbot"}
}

func (f *fakeBot) GetUser(_ context.Context, userID string) (*session.UserMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[userID]; ok {
		return user, nil
	}
	return nil, fmt.Errorf("%w: user %s", session.ErrNotFound, userID)
}

func (f *fakeBot) GetChannel(_ context.Context, channelID string) (*session.ChannelMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("%w: channel %s", session.ErrNotFound, channelID)
}

func (f *fakeBot) OpenDirectChannel(_ context.Context, userID string) (*session.ChannelMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, userID)
	return &session.ChannelMeta{
		ID:     "im-" + userID,
		Name:   botID + "__" + userID,
		Kind:   session.ChannelDirect,
		PeerID: userID,
	}, nil
}

func (f *fakeBot) PostMessage(_ context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postedMessage{ChannelID: channelID, Text: text})
	return "post-" + strconv.Itoa(len(f.posts)), nil
}

func (f *fakeBot) PostsTo(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.posts {
		if p.ChannelID == channelID {
			out = append(out, p.Text)
		}
	}
	return out
}

func (f *fakeBot) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.opened...)
}

type fakeTeamChat struct {
	owner      string
	persistErr error
}

var mattermostTokens = map[string]string{
	"alice-mm": "alice",
	"bob-mm":   "bob",
	"dave-mm":  "dave",
}

func (f *fakeTeamChat) Authenticate(_ context.Context, token string) (session.Identity, error) {
	userID, ok := mattermostTokens[token]
	if !ok || userID != f.owner {
		return session.Identity{}, session.ErrAuth
	}
	return session.Identity{ID: userID, Username: userID}, f.persistErr
}

func (f *fakeTeamChat) Close() error { return nil }

type sentMessage struct {
	RoomID, Text, TxnID string
}

// fakeDM is a Matrix session that connects instantly.
type fakeDM struct {
	owner      string
	rooms      []*session.ChannelMeta
	persistErr error

	mu    sync.Mutex
	state session.State
	sent  []sentMessage
}

func (f *fakeDM) Authenticate(_ context.Context, token string) (session.Identity, error) {
	if token != f.owner+"-mx" {
		return session.Identity{}, session.ErrAuth
	}
	return f.Self(), f.persistErr
}

func (f *fakeDM) Connect(context.Context) error {
	f.mu.Lock()
	f.state = session.StateConnected
	f.mu.Unlock()
	return nil
}

func (f *fakeDM) WaitConnected(context.Context, time.Duration) error { return nil }

func (f *fakeDM) Subscribe(session.Handler) {}

func (f *fakeDM) Send(_ context.Context, roomID, text, txnID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{RoomID: roomID, Text: text, TxnID: txnID})
	return "$" + strconv.Itoa(len(f.sent)), nil
}

func (f *fakeDM) JoinedRooms(context.Context) ([]*session.ChannelMeta, error) {
	return f.rooms, nil
}

func (f *fakeDM) Self() session.Identity {
	return session.Identity{ID: "@" + f.owner + ":example.org", Username: f.owner}
}

func (f *fakeDM) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDM) Close() error {
	f.mu.Lock()
	f.state = session.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeDM) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage{}, f.sent...)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	bot   *fakeBot
	store *credstore.FileStore
	reg   *registry.Registry
	r     *Router

	mu     sync.Mutex
	dms    map[string]*fakeDM
	rooms  map[string][]*session.ChannelMeta
	nextID int
	// persistErr is what new sessions report after a good token.
	persistErr error
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		bot:   newFakeBot(),
		store: credstore.NewFileStore(t.TempDir()),
		dms:   make(map[string]*fakeDM),
		rooms: make(map[string][]*session.ChannelMeta),
	}
	h.reg = registry.New(registry.Options{
		Store: h.store,
		NewTeamChat: func(owner string) (registry.TeamChatSession, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return &fakeTeamChat{owner: owner, persistErr: h.persistErr}, nil
		},
		NewDirectMessage: func(owner string) (registry.DirectMessageSession, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			rooms, ok := h.rooms[owner]
			if !ok {
				rooms = []*session.ChannelMeta{{ID: "!home:example.org", DisplayName: "Home"}}
			}
			dm := &fakeDM{owner: owner, rooms: rooms, persistErr: h.persistErr}
			h.dms[owner] = dm
			return dm, nil
		},
	}, zerolog.Nop())
	t.Cleanup(func() { _ = h.reg.Close() })
	h.r = New(h.bot, h.reg, Options{BotPrefix: "bridge-"}, zerolog.Nop())
	return h
}

func (h *harness) dm(owner string) *fakeDM {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dms[owner]
}

func (h *harness) id() string {
	h.nextID++
	return "p" + strconv.Itoa(h.nextID)
}

// settle plays the part of the loop: it waits for off-loop work and runs
// whatever that work queued until nothing is left.
func (h *harness) settle() {
	h.t.Helper()
	for {
		h.r.async.Wait()
		select {
		case t := <-h.r.tasks:
			t(h.ctx)
		default:
			return
		}
	}
}

func (h *harness) send(evt session.Event) {
	h.t.Helper()
	h.r.HandleEvent(evt)
	h.settle()
}

func (h *harness) directMessage(userID, text string) session.Event {
	return session.Event{
		Kind:        session.EventMessage,
		Type:        "posted",
		ID:          h.id(),
		UserID:      userID,
		UserName:    userID,
		ChannelID:   "im-" + userID,
		ChannelName: botID + "__" + userID,
		ChannelType: session.ChannelDirect,
		Text:        text,
	}
}

func (h *harness) channelMessage(userID, channel, text string) session.Event {
	return session.Event{
		Kind:        session.EventMessage,
		Type:        "posted",
		ID:          h.id(),
		UserID:      userID,
		UserName:    userID,
		ChannelID:   "ch-" + channel,
		ChannelName: channel,
		ChannelType: session.ChannelOpen,
		Text:        text,
	}
}

// enroll links userID on both sides.
func (h *harness) enroll(userID string) {
	h.t.Helper()
	h.send(h.directMessage(userID, "mattermost "+userID+"-mm"))
	h.send(h.directMessage(userID, "matrix "+userID+"-mx"))
	link := h.reg.Lookup(userID)
	if link == nil || !link.Enrolled() {
		h.t.Fatalf("%s should be enrolled", userID)
	}
}
