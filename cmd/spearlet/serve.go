package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lfedgeai/SPEAR-sub001/internal/config"
	"github.com/lfedgeai/SPEAR-sub001/internal/events"
	"github.com/lfedgeai/SPEAR-sub001/internal/httpapi"
	"github.com/lfedgeai/SPEAR-sub001/internal/manager"
	"github.com/lfedgeai/SPEAR-sub001/internal/registry"
	"github.com/lfedgeai/SPEAR-sub001/internal/store"
)

var _ httpapi.Service = (*manager.Manager)(nil)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node: HTTP gateway, task event subscriber and instance pools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("addr", os.Getenv("SPEARLET_ADDR"), "HTTP listen address, e.g. :8080; overrides http.addr")
	return cmd
}

// serve runs until ctx is canceled, then shuts the gateway down and drains
// every pool.
func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	nodeID := events.NodeUUID(cfg.Node.NodeID)
	logger = logger.With().Str("node_id", nodeID).Logger()

	st, err := store.Open(ctx, store.Config{
		Driver:     cfg.Store.Driver,
		DSN:        cfg.Store.DSN,
		MaxRecords: cfg.Store.MaxRecords,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	runtimes, closeRuntimes, err := buildRuntimes(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRuntimes(context.Background())

	mc, err := managerConfig(cfg)
	if err != nil {
		return err
	}
	mc.NodeID = nodeID
	mc.Runtimes = runtimes
	mc.Store = st
	mc.Registerer = prometheus.DefaultRegisterer
	mc.Publisher = logPublisher{logger: logger}
	mc.Logger = logger

	var feed *events.Redis
	if cfg.Events.RedisAddr != "" {
		feed, err = events.DialRedis(ctx, events.RedisConfig{
			Addr:       cfg.Events.RedisAddr,
			Password:   cfg.Events.RedisPassword,
			Stream:     cfg.Events.Stream,
			TaskPrefix: cfg.Events.TaskHashPrefix,
			Block:      config.Ms(cfg.Events.BlockMs),
		})
		if err != nil {
			return err
		}
		defer feed.Close()
		mc.Lookup = feed
	}

	mgr := manager.NewWithConfig(mc)
	mgr.Start()

	if cfg.ArtifactsDir != "" {
		if _, err := registry.Preload(mgr, cfg.ArtifactsDir, logger); err != nil {
			_ = mgr.DrainAll(context.Background())
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if feed != nil {
		sub, err := events.NewSubscriber(events.Config{
			NodeID:     nodeID,
			Source:     feed,
			Lookup:     feed,
			Target:     mgr,
			Cursor:     events.NewFileCursor(cfg.Node.DataDir, nodeID),
			Prewarm:    cfg.Events.Prewarm,
			RetryDelay: config.Ms(cfg.Events.RetryMs),
			Logger:     logger.With().Str("component", "events").Logger(),
		})
		if err != nil {
			_ = mgr.DrainAll(context.Background())
			return err
		}
		g.Go(func() error { return sub.Run(gctx) })
	}

	if cfg.HTTP.Addr != "" {
		httpapi.SetLogger(logger.With().Str("component", "http").Logger())
		httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
		httpapi.SetCORSOptions(cfg.HTTP.CORS.Enabled, cfg.HTTP.CORS.Origins, cfg.HTTP.CORS.Methods, cfg.HTTP.CORS.Headers)
		httpapi.SetBaseContext(gctx)
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           httpapi.NewMux(mgr),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.HTTP.Addr).Msg("spearlet listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn().Err(err).Msg("graceful shutdown error")
			}
			return nil
		})
	}

	<-gctx.Done()
	logger.Info().Msg("shutting down")
	runErr := g.Wait()

	dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.DrainAll(dctx); err != nil {
		logger.Warn().Err(err).Msg("drain error")
	}
	return runErr
}
