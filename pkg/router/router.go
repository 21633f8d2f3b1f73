// Copyright 2024-2026 Aiku AI

// Package router is the bot controller. It consumes the bot's Mattermost
// event stream and the linked Matrix sessions' events on a single loop,
// classifies every event, and drives enrollment, relaying and commands.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/linkbridge/pkg/registry"
	"github.com/aiku/linkbridge/pkg/session"
)

const (
	// DefaultGreetingChannel is the Mattermost counterpart of a "general"
	// channel.
	DefaultGreetingChannel = "town-square"
	// DefaultMattermostTokenURL explains how to create a personal access
	// token.
	DefaultMattermostTokenURL = "https://developers.mattermost.com/integrate/reference/personal-access-token/"
	// DefaultMatrixTokenURL explains how to obtain a Matrix access token.
	DefaultMatrixTokenURL = "https://spec.matrix.org/latest/client-server-api/#using-access-tokens"

	defaultQueueSize = 256
	seenEventsSize   = 1024
)

// TeamChat is the bot's own Mattermost session.
type TeamChat interface {
	Self() session.Identity
	GetUser(ctx context.Context, userID string) (*session.UserMeta, error)
	GetChannel(ctx context.Context, channelID string) (*session.ChannelMeta, error)
	OpenDirectChannel(ctx context.Context, userID string) (*session.ChannelMeta, error)
	PostMessage(ctx context.Context, channelID, text string) (string, error)
}

// Links is the registry as seen by the router.
type Links interface {
	Lookup(userID string) *registry.IdentityLink
	Resolve(ctx context.Context, userID string) (*registry.IdentityLink, error)
	EnrollTeamChat(ctx context.Context, userID, token string) (*registry.IdentityLink, error)
	EnrollDirectMessage(ctx context.Context, userID, token string) (*registry.IdentityLink, error)
}

// Options configures a Router.
type Options struct {
	// GreetingChannel is the channel name whose joiners get a greeting DM.
	GreetingChannel string
	// BotPrefix marks usernames of other bridge bots. Their posts are
	// discarded. Empty disables the check.
	BotPrefix          string
	MattermostTokenURL string
	MatrixTokenURL     string
	QueueSize          int
}

type task func(ctx context.Context)

// Router owns the event loop and the metadata caches. Everything in the
// "loop-confined" block is only touched from tasks running on the loop.
type Router struct {
	bot   TeamChat
	links Links
	opts  Options

	tasks   chan task
	stop    chan struct{}
	stopped sync.Once
	async   sync.WaitGroup
	filters []filter

	sendMu sync.Mutex
	sends  map[string]*sendQueue

	// loop-confined
	channels map[string]*session.ChannelMeta
	users    map[string]*session.UserMeta
	ims      map[string]string
	prompted map[string]struct{}
	seen     *exsync.RingBuffer[string, struct{}]

	log zerolog.Logger
}

// New creates a router. Call Run to start the loop.
func New(bot TeamChat, links Links, opts Options, log zerolog.Logger) *Router {
	if opts.GreetingChannel == "" {
		opts.GreetingChannel = DefaultGreetingChannel
	}
	if opts.MattermostTokenURL == "" {
		opts.MattermostTokenURL = DefaultMattermostTokenURL
	}
	if opts.MatrixTokenURL == "" {
		opts.MatrixTokenURL = DefaultMatrixTokenURL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	r := &Router{
		bot:      bot,
		links:    links,
		opts:     opts,
		tasks:    make(chan task, opts.QueueSize),
		stop:     make(chan struct{}),
		sends:    make(map[string]*sendQueue),
		channels: make(map[string]*session.ChannelMeta),
		users:    make(map[string]*session.UserMeta),
		ims:      make(map[string]string),
		prompted: make(map[string]struct{}),
		seen:     exsync.NewRingBuffer[string, struct{}](seenEventsSize),
		log:      log.With().Str("component", "router").Logger(),
	}
	r.filters = []filter{
		{name: "command", match: r.addressedToBot, route: r.routeCommand},
		{name: "message", match: r.notAddressedToBot, route: r.routeMessage},
	}
	return r
}

// HandleEvent queues a Mattermost event. It is meant to be passed to the
// bot session's Subscribe.
func (r *Router) HandleEvent(evt session.Event) {
	r.enqueue(func(ctx context.Context) {
		r.route(ctx, evt)
	})
}

// HandleDirectMessageEvent queues an event from the Matrix session linked to
// owner. It is meant to be passed to Registry.OnDirectMessageEvent.
func (r *Router) HandleDirectMessageEvent(owner string, evt session.Event) {
	r.enqueue(func(ctx context.Context) {
		r.routeDirectMessage(ctx, owner, evt)
	})
}

// enqueue blocks while the queue is full so that events keep their order.
// Tasks queued after the loop stopped are dropped.
func (r *Router) enqueue(t task) {
	select {
	case r.tasks <- t:
	case <-r.stop:
	}
}

// Run consumes the queue until ctx is cancelled, then waits for in-flight
// sends to finish.
func (r *Router) Run(ctx context.Context) error {
	r.log.Info().Msg("Router loop started")
	defer func() {
		r.stopped.Do(func() { close(r.stop) })
		r.async.Wait()
		r.log.Info().Msg("Router loop stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-r.tasks:
			t(ctx)
		}
	}
}

// goAsync runs fn off the loop. Run waits for these before returning.
func (r *Router) goAsync(ctx context.Context, fn func(ctx context.Context)) {
	r.async.Add(1)
	go func() {
		defer r.async.Done()
		fn(ctx)
	}()
}

// sendQueue holds the pending jobs for one target. Its worker drains it in
// order and exits once it is empty.
type sendQueue struct {
	pending []task
}

func userQueue(userID string) string       { return "user:" + userID }
func channelQueue(channelID string) string { return "channel:" + channelID }

// serialize runs fn off the loop, after every job queued earlier under the
// same key.
func (r *Router) serialize(ctx context.Context, key string, fn task) {
	r.sendMu.Lock()
	q, running := r.sends[key]
	if !running {
		q = &sendQueue{}
		r.sends[key] = q
	}
	q.pending = append(q.pending, fn)
	r.sendMu.Unlock()
	if !running {
		r.goAsync(ctx, func(ctx context.Context) {
			r.drain(ctx, key, q)
		})
	}
}

func (r *Router) drain(ctx context.Context, key string, q *sendQueue) {
	for {
		r.sendMu.Lock()
		if len(q.pending) == 0 {
			delete(r.sends, key)
			r.sendMu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		r.sendMu.Unlock()
		next(ctx)
	}
}

// post sends a message without waiting for the result. Posts to the same
// channel go out in the order they were made. Failures are logged.
func (r *Router) post(ctx context.Context, channelID, text string) {
	r.serialize(ctx, channelQueue(channelID), func(ctx context.Context) {
		r.postNow(ctx, channelID, text)
	})
}

func (r *Router) postNow(ctx context.Context, channelID, text string) {
	if _, err := r.bot.PostMessage(ctx, channelID, text); err != nil {
		r.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to post message")
	}
}

// directMessage posts text into the bot's DM with userID.
func (r *Router) directMessage(ctx context.Context, userID, text string) {
	channelID, err := r.getIM(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to open direct channel")
		return
	}
	r.post(ctx, channelID, text)
}
