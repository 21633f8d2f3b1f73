// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/linkbridge/pkg/credstore"
	"github.com/aiku/linkbridge/pkg/matrix"
	"github.com/aiku/linkbridge/pkg/mattermost"
	"github.com/aiku/linkbridge/pkg/registry"
	"github.com/aiku/linkbridge/pkg/router"
	"github.com/aiku/linkbridge/pkg/session"
)

// Bootstrap credential file names in the config directory.
const (
	BotTokenFile   = "bot.token"
	AdminTokenFile = "admin.token"
)

// restoreConcurrency bounds how many cached links are restored at once.
const restoreConcurrency = 4

// ErrMissingBootstrap is returned by Start when bot.token or admin.token is
// absent. It is fatal but not an error condition for the process.
var ErrMissingBootstrap = errors.New("missing bootstrap credential")

// Bridge owns the bot session, the registry and the router.
type Bridge struct {
	cfg   *Config
	store credstore.Store

	bot      *mattermost.Session
	registry *registry.Registry
	router   *router.Router
	api      *http.Server

	restoreWG sync.WaitGroup
	closeOnce sync.Once
	log       zerolog.Logger
}

// New opens the credential store. Nothing touches the network until Start.
func New(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	if err := cfg.Credentials.ResolveDirs(); err != nil {
		return nil, err
	}
	store, err := credstore.Open(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return &Bridge{
		cfg:   cfg,
		store: store,
		log:   log.With().Str("component", "bridge").Logger(),
	}, nil
}

// Start reads the bootstrap credentials, pre-populates the router and
// connects the bot. It returns ErrMissingBootstrap if either bootstrap file
// is missing.
func (b *Bridge) Start(ctx context.Context) error {
	botToken, err := b.bootstrapToken(BotTokenFile)
	if err != nil {
		return err
	}
	adminToken, err := b.bootstrapToken(AdminTokenFile)
	if err != nil {
		return err
	}

	listing, err := b.prefetch(ctx, adminToken)
	if err != nil {
		return err
	}

	b.bot, err = b.newMattermostSession("")
	if err != nil {
		return err
	}
	if _, err = b.bot.Authenticate(ctx, botToken); err != nil {
		return fmt.Errorf("failed to authenticate bot: %w", err)
	}

	b.registry = registry.New(registry.Options{
		Store: b.store,
		NewTeamChat: func(owner string) (registry.TeamChatSession, error) {
			sess, err := b.newMattermostSession(owner)
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
		NewDirectMessage: func(owner string) (registry.DirectMessageSession, error) {
			return matrix.New(matrix.Options{
				HomeserverURL: b.cfg.Matrix.HomeserverURL,
				Owner:         owner,
				Store:         b.store,
			}, b.log), nil
		},
		ConnectTimeout: b.cfg.Matrix.ConnectTimeout(),
	}, b.log)
	b.router = router.New(b.bot, b.registry, b.cfg.routerOptions(), b.log)
	b.router.Seed(listing)

	b.bot.Subscribe(b.router.HandleEvent)
	b.registry.OnDirectMessageEvent(b.router.HandleDirectMessageEvent)
	if err = b.bot.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect bot: %w", err)
	}

	b.restoreLinks(ctx, listing.Users)
	if b.cfg.AdminAPIAddr != "" {
		b.startAdminAPI()
	}
	return nil
}

// Run blocks on the router loop until ctx is cancelled, then closes
// everything.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		if err := b.Close(); err != nil {
			b.log.Warn().Err(err).Msg("Errors while shutting down")
		}
	}()
	return b.router.Run(ctx)
}

// Close stops the admin API and closes every session.
func (b *Bridge) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		if b.api != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, b.api.Shutdown(shutdownCtx))
			cancel()
		}
		if b.bot != nil {
			errs = append(errs, b.bot.Close())
		}
		b.restoreWG.Wait()
		if b.registry != nil {
			errs = append(errs, b.registry.Close())
		}
		b.log.Info().Msg("Bridge stopped")
	})
	return errors.Join(errs...)
}

func (b *Bridge) bootstrapToken(name string) (string, error) {
	token, err := credstore.ReadBootstrapToken(b.cfg.Credentials.ConfigDir, name)
	if errors.Is(err, credstore.ErrNotFound) {
		return "", fmt.Errorf("%w: %s not found in %s", ErrMissingBootstrap, name, b.cfg.Credentials.ConfigDir)
	} else if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return token, nil
}

// newMattermostSession builds a team-chat session. Only user sessions cache
// their token; the bot's lives in bot.token.
func (b *Bridge) newMattermostSession(owner string) (*mattermost.Session, error) {
	var store credstore.Store
	if owner != "" {
		store = b.store
	}
	return mattermost.New(mattermost.Options{
		ServerURL:           b.cfg.Mattermost.ServerURL,
		Owner:               owner,
		Store:               store,
		DisplaynameTemplate: b.cfg.Mattermost.DisplaynameTemplate,
		SendRate:            b.cfg.Mattermost.SendRate,
		SendBurst:           b.cfg.Mattermost.SendBurst,
	}, b.log)
}

// prefetch lists channels, direct channels and users with the admin
// account. A failed listing is logged and skipped.
func (b *Bridge) prefetch(ctx context.Context, adminToken string) (router.Listing, error) {
	admin, err := mattermost.New(mattermost.Options{
		ServerURL:           b.cfg.Mattermost.ServerURL,
		DisplaynameTemplate: b.cfg.Mattermost.DisplaynameTemplate,
	}, b.log)
	if err != nil {
		return router.Listing{}, err
	}
	defer admin.Close()
	if _, err = admin.Authenticate(ctx, adminToken); err != nil {
		return router.Listing{}, fmt.Errorf("failed to authenticate admin: %w", err)
	}

	var listing router.Listing
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		channels, err := admin.ListChannels(gctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("Failed to list channels")
		}
		listing.Channels = channels
		return nil
	})
	g.Go(func() error {
		channels, err := admin.ListDirectChannels(gctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("Failed to list direct channels")
		}
		listing.DirectChannels = channels
		return nil
	})
	g.Go(func() error {
		users, err := admin.ListUsers(gctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("Failed to list users")
		}
		listing.Users = users
		return nil
	})
	_ = g.Wait()
	b.log.Info().
		Int("channels", len(listing.Channels)).
		Int("direct_channels", len(listing.DirectChannels)).
		Int("users", len(listing.Users)).
		Msg("Pre-populated caches")
	return listing, nil
}

// restoreLinks re-establishes links from cached tokens in the background.
// Users without a cached Mattermost token are skipped silently.
func (b *Bridge) restoreLinks(ctx context.Context, users []*session.UserMeta) {
	if len(users) == 0 {
		return
	}
	b.restoreWG.Add(1)
	go func() {
		defer b.restoreWG.Done()
		var g errgroup.Group
		g.SetLimit(restoreConcurrency)
		var restored int
		var mu sync.Mutex
		for _, user := range users {
			if user == nil {
				continue
			}
			g.Go(func() error {
				if _, err := b.registry.Resolve(ctx, user.ID); err != nil {
					if !errors.Is(err, credstore.ErrNotFound) {
						b.log.Debug().Err(err).Str("user_id", user.ID).Msg("Failed to restore link")
					}
					return nil
				}
				mu.Lock()
				restored++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if restored > 0 {
			b.log.Info().Int("links", restored).Msg("Restored cached links")
		}
	}()
}
