package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/recipebus/internal/api"
	"github.com/gyaneshwarpardhi/recipebus/internal/config"
	"github.com/gyaneshwarpardhi/recipebus/internal/cron"
	"github.com/gyaneshwarpardhi/recipebus/internal/engine"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
	"github.com/gyaneshwarpardhi/recipebus/internal/module/builtin"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the cron trigger source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags.configPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

func serve(parent context.Context, cfgPath, addr string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Load config ──────────────────────────────────────────────────────────
	cfg, loader, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	if addr == "" {
		addr = cfg.Server.Addr
	}

	// ── Store ────────────────────────────────────────────────────────────────
	st, err := store.Open(ctx, store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		AutoMigrate:  cfg.Store.Migrate(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "driver", cfg.Store.Driver)

	// ── Module registry ──────────────────────────────────────────────────────
	reg := module.NewRegistry()
	builtin.Register(reg, builtin.Options{
		Logger: logger,
		Webhook: builtin.WebhookOptions{
			Timeout:      time.Duration(cfg.Modules.Webhook.TimeoutMs) * time.Millisecond,
			AllowedHosts: cfg.Modules.Webhook.AllowedHosts,
			UserAgent:    cfg.Modules.Webhook.UserAgent,
		},
	})
	logger.Info("modules registered", "modules", reg.IDs())

	// ── Engine ───────────────────────────────────────────────────────────────
	eng := engine.New(ctx, st, reg, engine.Config{
		MaxDispatchDepth: cfg.Engine.MaxDispatchDepth,
		ActionTimeout:    cfg.Engine.ActionTimeout(),
		AsyncWorkers:     cfg.Engine.AsyncWorkers,
		QueueDepth:       cfg.Engine.QueueDepth,
		Credentials:      cfg.Modules.Credentials,
	}, engine.WithLogger(logger))

	// ── Seed definitions, hot-reload them on change ──────────────────────────
	if err := config.Seed(ctx, st, reg, cfg, time.Now(), logger); err != nil {
		eng.Shutdown()
		return fmt.Errorf("seed config: %w", err)
	}
	if loader != nil {
		loader.OnChange(func(newCfg *config.Config) {
			if err := config.Seed(ctx, st, reg, newCfg, time.Now(), logger); err != nil {
				logger.Warn("hot-reload skipped: seeding failed", "err", err)
				return
			}
			logger.Info("definitions hot-reloaded; engine, store and module settings apply on restart")
		})
		stopWatch, err := loader.Watch()
		if err != nil {
			logger.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── Cron trigger source ──────────────────────────────────────────────────
	sched := cron.NewScheduler(st, eng,
		cron.WithInterval(cfg.Engine.CronInterval()),
		cron.WithLogger(logger),
	)
	cronDone := make(chan struct{})
	go func() {
		defer close(cronDone)
		sched.Start(ctx)
	}()

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.New(eng, st, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Engine.ActionTimeout() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-cronDone
			eng.Shutdown()
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down…")
	stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	<-cronDone
	eng.Shutdown()
	logger.Info("goodbye")
	return nil
}
