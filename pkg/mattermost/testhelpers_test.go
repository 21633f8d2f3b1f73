// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/linkbridge/pkg/session"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// ChannelsForTeamUser maps "teamID:userID" to channel list.
	ChannelsForTeamUser map[string][]*model.Channel
	// ChannelsForUser maps user ID to channel list (all channels including DMs).
	ChannelsForUser map[string][]*model.Channel
	// Posts collects created posts.
	Posts []*model.Post
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	f := &fakeMM{
		Users:               make(map[string]*model.User),
		TokenToUser:         make(map[string]string),
		Channels:            make(map[string]*model.Channel),
		Teams:               make(map[string][]*model.Team),
		ChannelsForTeamUser: make(map[string][]*model.Channel),
		ChannelsForUser:     make(map[string][]*model.Channel),
		FailEndpoints:       make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) addUser(id, username, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[id] = &model.User{Id: id, Username: username}
	if token != "" {
		f.TokenToUser[token] = id
	}
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeMM) CreatedPosts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.Posts))
	copy(cp, f.Posts)
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	// Check if this endpoint should fail.
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]any{"message": "fake error", "status_code": 500})
			return
		}
	}

	path := r.URL.Path
	if path != "/api/v4/users/me" && f.resolveToken(r) == "" {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]any{"message": "unauthorized", "status_code": 401})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		var uid string
		auth := r.Header.Get("Authorization")
		for tok, id := range f.TokenToUser {
			if auth == "BEARER "+tok || auth == "Bearer "+tok {
				uid = id
			}
		}
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"message": "unauthorized", "status_code": 401})
			return
		}
		if u, ok := f.Users[uid]; ok {
			writeJSON(w, u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users (GetUsers, paged)
	case r.Method == "GET" && path == "/api/v4/users":
		ids := make([]string, 0, len(f.Users))
		for id := range f.Users {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		users := make([]*model.User, 0, len(ids))
		if r.URL.Query().Get("page") == "0" || r.URL.Query().Get("page") == "" {
			for _, id := range ids {
				users = append(users, f.Users[id])
			}
		}
		writeJSON(w, users)

	// GET /api/v4/users/{user_id}/channels (GetChannelsForUserWithLastDeleteAt)
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && strings.HasSuffix(path, "/channels") && !strings.Contains(path, "/teams/"):
		parts := strings.Split(path, "/")
		// /api/v4/users/{uid}/channels
		if len(parts) >= 6 {
			if chs, ok := f.ChannelsForUser[parts[4]]; ok {
				writeJSON(w, chs)
				return
			}
		}
		writeJSON(w, []*model.Channel{})

	// GET /api/v4/users/{user_id}/teams/{team_id}/channels (GetChannelsForTeamForUser)
	case r.Method == "GET" && strings.Contains(path, "/teams/") && strings.HasSuffix(path, "/channels"):
		parts := strings.Split(path, "/")
		// /api/v4/users/{uid}/teams/{tid}/channels
		if len(parts) >= 7 {
			key := parts[6] + ":" + parts[4]
			if chs, ok := f.ChannelsForTeamUser[key]; ok {
				writeJSON(w, chs)
				return
			}
		}
		writeJSON(w, []*model.Channel{})

	// GET /api/v4/users/{user_id}/teams
	case r.Method == "GET" && strings.HasSuffix(path, "/teams"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			if teams, ok := f.Teams[parts[4]]; ok {
				writeJSON(w, teams)
				return
			}
		}
		writeJSON(w, []*model.Team{})

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			writeJSON(w, u)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"message": "user not found", "status_code": 404})

	// POST /api/v4/channels/direct
	case r.Method == "POST" && path == "/api/v4/channels/direct":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		if len(ids) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ch := &model.Channel{
			Id:   "dm-" + ids[1],
			Name: model.GetDMNameFromIds(ids[0], ids[1]),
			Type: model.ChannelTypeDirect,
		}
		f.Channels[ch.Id] = ch
		writeJSON(w, ch)

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			writeJSON(w, ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"message": "channel not found", "status_code": 404})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		f.Posts = append(f.Posts, &post)
		writeJSON(w, &post)

	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"message": "not found: " + path, "status_code": 404})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// newTestSession creates an unauthenticated Session pointed at serverURL.
func newTestSession(t *testing.T, serverURL string, opts Options) *Session {
	t.Helper()
	opts.ServerURL = serverURL
	s, err := New(opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// eventRecorder collects events pushed to a subscriber.
type eventRecorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *eventRecorder) handle(evt session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Events() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]session.Event, len(r.events))
	copy(cp, r.events)
	return cp
}

func postJSON(t *testing.T, post *model.Post) string {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
