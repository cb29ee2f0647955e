// Package app assembles the client stack from a Config: one credential
// store, one session manager, and the data layers that follow it.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mark-chris/plansync/internal/api"
	"github.com/mark-chris/plansync/internal/cache"
	"github.com/mark-chris/plansync/internal/config"
	"github.com/mark-chris/plansync/internal/keychain"
	"github.com/mark-chris/plansync/internal/logging"
	"github.com/mark-chris/plansync/internal/metrics"
	"github.com/mark-chris/plansync/internal/notify"
	"github.com/mark-chris/plansync/internal/query"
	"github.com/mark-chris/plansync/internal/realtime"
	"github.com/mark-chris/plansync/internal/session"
)

// Options overrides parts of the assembly. Zero values are built from the
// Config.
type Options struct {
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Keychain keychain.Keychain
}

// App is one client instance. Several Apps sharing a Keychain behave like
// several tabs of the same user.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Keychain keychain.Keychain

	API         *api.Client
	Sessions    *session.Manager
	Cache       *cache.QueryCache
	Realtime    *realtime.Client
	Coordinator *cache.Coordinator
	Query       *query.Service
	Notify      *notify.Channel

	detach  func()
	closers []func() error
}

// New wires an App. The coordinator is attached to the session manager
// before anything can issue an authenticated request.
func New(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: opts.Logger, Metrics: opts.Metrics, Keychain: opts.Keychain}
	if a.Logger == nil {
		l, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			return nil, err
		}
		a.Logger = l
	}
	if a.Metrics == nil {
		a.Metrics = metrics.New()
	}
	if a.Keychain == nil {
		kc, closeFn, err := OpenKeychain(cfg)
		if err != nil {
			return nil, err
		}
		a.Keychain = kc
		a.closers = append(a.closers, closeFn)
	}

	a.API = a.newAPIClient(cfg.Server.URL)
	a.Sessions = session.NewManager(a.Keychain, a.API,
		session.WithLogger(a.Logger.Named("session")),
		session.WithMetrics(a.Metrics))

	a.Cache = cache.NewQueryCache(
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithLogger(a.Logger.Named("cache")),
		cache.WithMetrics(a.Metrics))

	rtAPI := a.API
	if cfg.Realtime.URL != "" {
		rtAPI = a.newAPIClient(cfg.Realtime.URL)
	}
	factory, err := realtime.NewTransportFactory(rtAPI, a.Sessions,
		realtime.WithLogger(a.Logger.Named("realtime")),
		realtime.WithMetrics(a.Metrics))
	if err != nil {
		_ = a.closeAll()
		return nil, err
	}
	a.Realtime = realtime.NewClient(factory, a.Sessions.Current().Token)

	a.Coordinator = cache.NewCoordinator(a.Logger.Named("coordinator"), a.Cache, a.Realtime)
	a.detach = a.Coordinator.Attach(a.Sessions)

	a.Query = query.NewService(a.Cache, api.NewAuthenticatedClient(a.API, a.Sessions), a.Sessions)
	a.Notify = notify.NewChannel(a.Realtime,
		notify.WithLogger(a.Logger.Named("notify")),
		notify.WithMetrics(a.Metrics),
		notify.WithInvalidator(a.Coordinator),
		notify.WithBackoff(cfg.Realtime.ReconnectMin, cfg.Realtime.ReconnectMax))

	return a, nil
}

func (a *App) newAPIClient(baseURL string) *api.Client {
	opts := []api.Option{
		api.WithTimeout(a.Config.HTTP.Timeout),
		api.WithMaxRetries(a.Config.HTTP.MaxRetries),
		api.WithLogger(a.Logger.Named("api")),
		api.WithMetrics(a.Metrics),
	}
	if b := a.Config.Breaker; b.Enabled {
		opts = append(opts, api.WithBreaker(b.MaxFailures, b.OpenTimeout))
	}
	return api.NewClient(baseURL, opts...)
}

// OpenKeychain opens the configured credential store. The system keychain
// has no change feed of its own and is polled.
func OpenKeychain(cfg *config.Config) (keychain.Keychain, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Credentials.Backend {
	case config.BackendMemory:
		return keychain.NewMemoryKeychain(), nop, nil
	case config.BackendSystem:
		return keychain.NewPollingWatcher(keychain.NewSystemKeychain(), cfg.Credentials.PollInterval), nop, nil
	case config.BackendRedis:
		client, err := keychain.NewRedisClient(keychain.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return keychain.NewRedisKeychain(client, cfg.Redis.Namespace, cfg.Redis.Channel), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential backend %q", cfg.Credentials.Backend)
	}
}

// Run follows the credential store and keeps the notification channel live
// until ctx ends.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Sessions.Run(ctx) })
	g.Go(func() error { return a.Notify.Run(ctx) })
	return g.Wait()
}

// AwaitRebuild blocks until the realtime transport follows the latest
// session change: the previous transport has drained and every rebuild
// listener has run.
func (a *App) AwaitRebuild(ctx context.Context) error {
	return a.Realtime.Settled(ctx)
}

// Close detaches the data layers, closes the realtime transport and releases
// the credential store.
func (a *App) Close(ctx context.Context) error {
	if a.detach != nil {
		a.detach()
	}
	err := a.Realtime.Close(ctx)
	return errors.Join(err, a.closeAll())
}

func (a *App) closeAll() error {
	var errs []error
	for _, fn := range a.closers {
		errs = append(errs, fn())
	}
	a.closers = nil
	return errors.Join(errs...)
}
