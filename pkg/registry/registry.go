// Copyright 2024-2026 Aiku AI

// Package registry keeps the in-memory set of identity links and drives the
// two enrollment steps that create them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/linkbridge/pkg/credstore"
	"github.com/aiku/linkbridge/pkg/session"
)

// DefaultConnectTimeout bounds how long Matrix enrollment waits for the first
// sync.
const DefaultConnectTimeout = 10 * time.Second

// TeamChatSession is the part of a Mattermost session enrollment needs.
type TeamChatSession interface {
	Authenticate(ctx context.Context, token string) (session.Identity, error)
	Close() error
}

// DirectMessageSession is a Matrix session as seen by links and the router.
type DirectMessageSession interface {
	Authenticate(ctx context.Context, token string) (session.Identity, error)
	Connect(ctx context.Context) error
	WaitConnected(ctx context.Context, timeout time.Duration) error
	Subscribe(handler session.Handler)
	Send(ctx context.Context, roomID, text, txnID string) (string, error)
	JoinedRooms(ctx context.Context) ([]*session.ChannelMeta, error)
	Self() session.Identity
	State() session.State
	Close() error
}

// TeamChatFactory builds a Mattermost session that only accepts tokens
// belonging to owner.
type TeamChatFactory func(owner string) (TeamChatSession, error)

// DirectMessageFactory builds a Matrix session whose credential is filed
// under owner.
type DirectMessageFactory func(owner string) (DirectMessageSession, error)

// EventHandler receives Matrix events together with the Mattermost user id
// of the link they belong to.
type EventHandler func(owner string, evt session.Event)

// Options configures a Registry.
type Options struct {
	Store            credstore.Store
	NewTeamChat      TeamChatFactory
	NewDirectMessage DirectMessageFactory
	ConnectTimeout   time.Duration
}

// Registry owns every IdentityLink, indexed by Mattermost user id.
type Registry struct {
	store            credstore.Store
	newTeamChat      TeamChatFactory
	newDirectMessage DirectMessageFactory
	connectTimeout   time.Duration

	mu    sync.RWMutex
	links map[string]*IdentityLink
	// restores collapses concurrent Resolve calls per user.
	restores singleflight.Group

	handlerLock sync.RWMutex
	handler     EventHandler

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	log zerolog.Logger
}

// New creates an empty registry.
func New(opts Options, log zerolog.Logger) *Registry {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:            opts.Store,
		newTeamChat:      opts.NewTeamChat,
		newDirectMessage: opts.NewDirectMessage,
		connectTimeout:   timeout,
		links:            make(map[string]*IdentityLink),
		bgCtx:            ctx,
		bgCancel:         cancel,
		log:              log.With().Str("component", "registry").Logger(),
	}
}

// OnDirectMessageEvent sets the handler that receives events from every
// linked Matrix session. Events from a session that has since been replaced
// are dropped.
func (r *Registry) OnDirectMessageEvent(handler EventHandler) {
	r.handlerLock.Lock()
	r.handler = handler
	r.handlerLock.Unlock()
}

func (r *Registry) dispatch(owner string, dm DirectMessageSession, evt session.Event) {
	link := r.Lookup(owner)
	if link == nil || link.DirectMessage() != dm {
		return
	}
	r.handlerLock.RLock()
	handler := r.handler
	r.handlerLock.RUnlock()
	if handler != nil {
		handler(owner, evt)
	}
}

// Lookup returns the in-memory link for userID, or nil.
func (r *Registry) Lookup(userID string) *IdentityLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[userID]
}

func (r *Registry) getOrCreate(userID string) *IdentityLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[userID]
	if !ok {
		link = &IdentityLink{updatedAt: time.Now()}
		r.links[userID] = link
	}
	return link
}

// Links returns a copy of the link index.
func (r *Registry) Links() map[string]*IdentityLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*IdentityLink, len(r.links))
	for userID, link := range r.links {
		out[userID] = link
	}
	return out
}

// Snapshot returns LinkInfo for every link, sorted by Mattermost user id.
func (r *Registry) Snapshot() []LinkInfo {
	links := r.Links()
	out := make([]LinkInfo, 0, len(links))
	for userID, link := range links {
		out = append(out, link.Info(userID))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TeamChatID < out[j].TeamChatID
	})
	return out
}

// EnrollTeamChat verifies a Mattermost token for userID and creates or
// refreshes that user's link. The token must belong to userID. If only
// caching the token failed, the link is returned together with an error
// wrapping credstore.ErrPersist.
func (r *Registry) EnrollTeamChat(ctx context.Context, userID, token string) (*IdentityLink, error) {
	log := r.log.With().Str("user_id", userID).Str("attempt_id", uuid.NewString()).Logger()
	sess, err := r.newTeamChat(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create mattermost session: %w", err)
	}
	defer func() {
		_ = sess.Close()
	}()
	ident, err := sess.Authenticate(ctx, token)
	if err != nil && !errors.Is(err, credstore.ErrPersist) {
		log.Warn().Err(err).Msg("Mattermost enrollment failed")
		return nil, err
	}
	link := r.getOrCreate(userID)
	refresh := link.HasTeamChat()
	link.setTeamChat(ident)
	log.Info().Str("username", ident.Username).Bool("refresh", refresh).Bool("persisted", err == nil).Msg("Mattermost identity enrolled")
	return link, err
}

// EnrollDirectMessage logs userID into Matrix with token, waits for the sync
// loop to come up and attaches the session to the user's link. A previous
// Matrix session is closed. On any failure the new session is closed and
// the link is left untouched, except when only caching the token failed:
// then the session is attached and the error wraps credstore.ErrPersist.
func (r *Registry) EnrollDirectMessage(ctx context.Context, userID, token string) (*IdentityLink, error) {
	log := r.log.With().Str("user_id", userID).Str("attempt_id", uuid.NewString()).Logger()
	dm, persistErr, err := r.connectDirectMessage(ctx, userID, token)
	if err != nil {
		log.Warn().Err(err).Msg("Matrix enrollment failed")
		return nil, err
	}
	link := r.attach(ctx, userID, dm)
	log.Info().Str("matrix_user_id", dm.Self().ID).Bool("persisted", persistErr == nil).Msg("Matrix session enrolled")
	return link, persistErr
}

// connectDirectMessage returns a connected session. persistErr is set when
// only caching the token failed.
func (r *Registry) connectDirectMessage(ctx context.Context, userID, token string) (DirectMessageSession, error, error) {
	dm, err := r.newDirectMessage(userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create matrix session: %w", err)
	}
	dm.Subscribe(func(evt session.Event) {
		r.dispatch(userID, dm, evt)
	})
	var persistErr error
	if _, err = dm.Authenticate(ctx, token); errors.Is(err, credstore.ErrPersist) {
		persistErr, err = err, nil
	}
	if err == nil {
		if err = dm.Connect(ctx); err == nil {
			err = dm.WaitConnected(ctx, r.connectTimeout)
		}
	}
	if err != nil {
		_ = dm.Close()
		return nil, nil, err
	}
	return dm, persistErr, nil
}

func (r *Registry) attach(ctx context.Context, userID string, dm DirectMessageSession) *IdentityLink {
	link := r.getOrCreate(userID)
	if old := link.attachDirectMessage(dm, dm.Self()); old != nil && old != dm {
		if err := old.Close(); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to close replaced Matrix session")
		}
	}
	if link.RelayTarget() != "" {
		return link
	}
	rooms, err := dm.JoinedRooms(ctx)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to list joined Matrix rooms")
		return link
	}
	if len(rooms) == 1 {
		link.SetRelayTarget(rooms[0].ID)
	}
	return link
}

// Resolve returns the link for userID, rebuilding it from cached credentials
// if it is not in memory. A cached Matrix token is restored in the
// background. It returns credstore.ErrNotFound when nothing is cached.
// Concurrent calls for the same user share one restore.
func (r *Registry) Resolve(ctx context.Context, userID string) (*IdentityLink, error) {
	if link := r.Lookup(userID); link != nil {
		return link, nil
	}
	if r.store == nil {
		return nil, credstore.ErrNotFound
	}
	v, err, shared := r.restores.Do(userID, func() (any, error) {
		return r.restore(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.log.Debug().Str("user_id", userID).Msg("Joined in-flight restore")
	}
	return v.(*IdentityLink), nil
}

func (r *Registry) restore(ctx context.Context, userID string) (*IdentityLink, error) {
	if link := r.Lookup(userID); link != nil {
		return link, nil
	}
	cred, err := r.store.Get(credstore.KindTeamChat, userID)
	if err != nil {
		return nil, err
	}
	link, err := r.EnrollTeamChat(ctx, userID, cred.Token)
	switch {
	case errors.Is(err, credstore.ErrPersist):
		r.log.Warn().Err(err).Str("user_id", userID).Msg("Restored Mattermost link but could not refresh the cached token")
	case err != nil:
		return nil, fmt.Errorf("failed to restore cached mattermost token: %w", err)
	}
	dmCred, err := r.store.Get(credstore.KindDirectMessage, userID)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
	case err != nil:
		r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to read cached Matrix token")
	default:
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			_, err := r.EnrollDirectMessage(r.bgCtx, userID, dmCred.Token)
			if err != nil && !errors.Is(err, credstore.ErrPersist) {
				r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to restore cached Matrix token")
			}
		}()
	}
	return link, nil
}

// Close stops background restores and closes every Matrix session.
func (r *Registry) Close() error {
	r.bgCancel()
	r.bgWG.Wait()
	r.mu.Lock()
	links := r.links
	r.links = make(map[string]*IdentityLink)
	r.mu.Unlock()
	var errs []error
	for userID, link := range links {
		if dm := link.DirectMessage(); dm != nil {
			if err := dm.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close matrix session of %s: %w", userID, err))
			}
		}
	}
	return errors.Join(errs...)
}
