package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/buffer"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/server"
	"github.com/go-go-golems/chatsync/pkg/store"
)

type serveFlags struct {
	addr        string
	basePath    string
	storeDriver string
	storeDSN    string
	redis       bool
	redisAddr   string
}

func newServeCommand(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket push, health probe and message history endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			applyServeFlags(cmd, flags, cfg)
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid config")
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&flags.basePath, "base-path", "", "Mount all endpoints under this path")
	cmd.Flags().StringVar(&flags.storeDriver, "store", "", "Message store driver (memory, sqlite)")
	cmd.Flags().StringVar(&flags.storeDSN, "store-dsn", "", "SQLite DSN or database file path")
	cmd.Flags().BoolVar(&flags.redis, "redis", false, "Fan messages out through Redis Streams")
	cmd.Flags().StringVar(&flags.redisAddr, "redis-addr", "", "Redis address host:port")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, f *serveFlags, cfg *config.Config) {
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if cmd.Flags().Changed("base-path") {
		cfg.Server.BasePath = f.basePath
	}
	if cmd.Flags().Changed("store") {
		cfg.Store.Driver = f.storeDriver
	}
	if cmd.Flags().Changed("store-dsn") {
		cfg.Store.DSN = f.storeDSN
	}
	if cmd.Flags().Changed("redis") {
		cfg.Redis.Enabled = f.redis
	}
	if cmd.Flags().Changed("redis-addr") {
		cfg.Redis.Addr = f.redisAddr
	}
}

func openStore(cfg config.StoreConfig) (store.MessageStore, error) {
	switch cfg.Driver {
	case config.StoreDriverMemory:
		return store.NewMemoryStore(), nil
	case config.StoreDriverSQLite:
		dsn := cfg.DSN
		if !hasDSNPrefix(dsn) {
			var err error
			dsn, err = store.SQLiteDSNForFile(dsn)
			if err != nil {
				return nil, err
			}
		}
		return store.NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func hasDSNPrefix(dsn string) bool {
	return strings.HasPrefix(dsn, "file:") || dsn == ":memory:"
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Store)
	if err != nil {
		return errors.Wrap(err, "open message store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("message store close error")
		}
	}()

	bus, err := redisstream.BuildBus(cfg.Redis)
	if err != nil {
		return errors.Wrap(err, "build message bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error().Err(err).Msg("message bus close error")
		}
	}()

	recent := buffer.New(ctx, buffer.Options{
		MaxSize:       cfg.Buffer.MaxSize,
		MaxAge:        cfg.Buffer.MaxAge,
		SweepInterval: cfg.Buffer.SweepInterval,
	})
	defer recent.Close()

	opts := server.Options{
		Store:             st,
		Publisher:         bus.Publisher,
		Subscriber:        bus.Subscriber,
		Recent:            recent,
		BasePath:          cfg.Server.BasePath,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		IdleTimeout:       time.Minute,
	}
	if cfg.Redis.Enabled {
		opts.PrepareTopic = func(ctx context.Context, busTopic string) error {
			return redisstream.EnsureGroupAtTail(ctx, cfg.Redis.Addr, busTopic, cfg.Redis.Group)
		}
	}
	srv, err := server.New(ctx, opts)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Run(egCtx) })
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Str("store", cfg.Store.Driver).Bool("redis", cfg.Redis.Enabled).Msg("starting chatsync server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})
	return eg.Wait()
}
