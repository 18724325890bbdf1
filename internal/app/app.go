package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/roomsync/internal/config"
	"github.com/vovakirdan/roomsync/internal/core"
	"github.com/vovakirdan/roomsync/internal/store"
	"github.com/vovakirdan/roomsync/internal/store/memory"
	"github.com/vovakirdan/roomsync/internal/store/redis"
	"github.com/vovakirdan/roomsync/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/roomsync/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.SnapshotStore
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Store.Driver).Msg("snapshot store initialized")

	hub := core.NewHub(st, HubOptions(cfg.Rooms), logger)
	server := transporthttp.NewServer(hub, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		log:             logger,
	}, nil
}

// OpenStore builds the snapshot store named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.SnapshotStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.New(cfg.SQLitePath)
	case config.DriverRedis:
		return redis.New(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// HubOptions maps the rooms section of the config onto hub options.
func HubOptions(cfg config.RoomsConfig) core.Options {
	return core.Options{
		Shards:      cfg.Shards,
		IdleTimeout: cfg.IdleTimeout,
		Room: core.RoomOptions{
			HistoryLimit:  cfg.HistoryLimit,
			InitHistory:   cfg.InitHistory,
			SnapshotEvery: cfg.SnapshotEvery,
			SessionBuffer: cfg.SessionBuffer,
			StoreTimeout:  cfg.StoreTimeout,
		},
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
// Rooms are stopped only after the HTTP server has shut down, so their final
// snapshots include everything accepted before shutdown.
func (a *App) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubErr := make(chan error, 1)
	go func() { hubErr <- a.hub.Run(hubCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	stopHub()
	err = errors.Join(err, <-hubErr)

	a.cleanup()
	return err
}

// cleanup closes the snapshot store once every room has written its final snapshot.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
