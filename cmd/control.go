// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentryproxy.dev/sentryproxy/internal/api"
	"sentryproxy.dev/sentryproxy/internal/api/push"
	"sentryproxy.dev/sentryproxy/internal/auth"
	"sentryproxy.dev/sentryproxy/internal/config"
	"sentryproxy.dev/sentryproxy/internal/fleet"
	"sentryproxy.dev/sentryproxy/internal/logging"
	"sentryproxy.dev/sentryproxy/internal/metrics"
	"sentryproxy.dev/sentryproxy/internal/store"
)

// RunControl runs the control-plane server: the REST/JSON API, the fleet
// manager's status-poll loop, and the websocket push hub, all serving off
// of one HCL configuration file until interrupted.
func RunControl(args []string) {
	flags := flag.NewFlagSet("sentry-control", flag.ExitOnError)
	configFile := flags.String("config", "/etc/sentryproxy/control.hcl", "Path to the control-plane HCL config file")
	bootstrapAdmin := flags.String("bootstrap-admin-password", "", "Create an initial admin operator with this password if the store has none")
	flags.Parse(args)

	logCfg := logging.DefaultConfig()
	logger := logging.New(logCfg).WithComponent("control")
	logging.SetDefault(logger)

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var st store.Store
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(cfg.Database.DSN(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.MaxLifetime)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
	default:
		logger.Warn("database.driver is \"memory\", state will not survive a restart")
		st = store.NewMemoryStore()
	}

	tm := auth.NewTokenManager(cfg.Security.JWTSecret, cfg.Security.JWTExpiry)
	authStore := auth.NewStore(tm)
	if *bootstrapAdmin != "" {
		if err := authStore.CreateOperator("admin", *bootstrapAdmin, auth.RoleAdmin); err != nil {
			logger.Warn("bootstrap admin creation skipped", "error", err)
		} else {
			logger.Info("bootstrap admin operator created", "username", "admin")
		}
	}

	var pubsub *fleet.PubSub
	if cfg.Cluster.RedisURL != "" {
		rdb, err := fleet.NewRedisClient(cfg.Cluster.RedisURL)
		if err != nil {
			logger.Error("failed to configure redis pubsub", "error", err)
			os.Exit(1)
		}
		pubsub = fleet.NewPubSub(rdb, cfg.Cluster.RedisChannel)
		logger.Info("cross-replica fleet pubsub enabled", "channel", cfg.Cluster.RedisChannel)
	}

	fleetMgr := fleet.New(fleet.Config{
		Store:            st,
		PollInterval:     cfg.Node.HealthCheckInterval,
		FailureThreshold: cfg.Node.RetryAttempts,
		HTTPTimeout:      cfg.Node.NodeTimeout,
		PubSub:           pubsub,
	})

	met := metrics.New()
	hub := push.NewHub()

	server := api.NewServer(api.Config{
		Store:   st,
		Fleet:   fleetMgr,
		Auth:    authStore,
		Metrics: met,
		Hub:     hub,
		Logger:  logger.WithComponent("api"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubStop := make(chan struct{})
	go hub.Run(hubStop)

	fleetMgr.StartHealthChecks(ctx)
	fleetMgr.StartPubSub(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.API.Address,
		Handler:      server.Router(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	go func() {
		logger.Info("control-plane API listening", "address", cfg.API.Address)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown did not complete cleanly", "error", err)
	}
	fleetMgr.StopHealthChecks()
	fleetMgr.StopPubSub()
	close(hubStop)

	logger.Info("control-plane exited")
}
