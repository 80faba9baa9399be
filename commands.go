package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"skate-duel-system/handlers"
	"skate-duel-system/middleware"
	"skate-duel-system/notify"
	"skate-duel-system/services"
	"skate-duel-system/workers"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the deadline reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not run AutoMigrate on startup")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, skipMigrate bool) error {
	rt, err := bootstrap(opts)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.cfg.RequireServe(); err != nil {
		return err
	}
	if !skipMigrate {
		if err := rt.migrate(); err != nil {
			return err
		}
	}
	deps, err := rt.deps(ctx)
	if err != nil {
		return err
	}
	feed := notify.NewFeed(rt.db, rt.log)

	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Join(rt.cfg.AllowedOrigins, ","),
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID, X-User-Roles, Idempotency-Key",
		ExposeHeaders: "Content-Length, Content-Type, X-Request-ID",
		MaxAge:        86400,
	}))
	app.Use(middleware.GatewayAuthMiddleware(rt.cfg.GatewayToken, rt.log))

	handlers.SetupRoutes(app, handlers.Deps{
		Duels:      services.NewDuelService(deps),
		Battles:    services.NewBattleService(deps),
		Presence:   services.NewPresenceService(deps),
		Dispatcher: feed,
		Feed:       feed,
		Logger:     rt.log.Named("http"),
	})

	reconciler := services.NewReconciler(deps, feed)
	scheduler, err := services.NewScheduler(reconciler, rt.cfg.ReconcileInterval, rt.log)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			rt.log.Warn("scheduler shutdown", zap.Error(err))
		}
	}()

	if rt.cfg.ProfileSyncEnabled() {
		worker := workers.NewProfileSyncWorker(rt.db, rt.log, rt.cfg.SyncServiceURL,
			rt.cfg.ProfileSyncPath, rt.cfg.GatewayToken, rt.cfg.ProfileSyncInterval)
		worker.Start(ctx)
	} else {
		rt.log.Info("SYNC_SERVICE_URL not set, profile mirror disabled")
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(":" + rt.cfg.Port)
	}()
	rt.log.Info("server running",
		zap.String("port", rt.cfg.Port),
		zap.Strings("allowed_origins", rt.cfg.AllowedOrigins),
		zap.Duration("reconcile_interval", rt.cfg.ReconcileInterval),
	)

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}
	rt.log.Info("shutting down server")
	return app.ShutdownWithTimeout(10 * time.Second)
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one deadline and disconnect sweep, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer rt.close()
			deps, err := rt.deps(cmd.Context())
			if err != nil {
				return err
			}
			rep := services.NewReconciler(deps, notify.NewFeed(rt.db, rt.log)).RunOnce(cmd.Context())
			rt.log.Info("sweep finished",
				zap.Int("duel_timeouts", rep.DuelTimeouts),
				zap.Int("duel_forfeits", rep.DuelForfeits),
				zap.Int("battle_timeouts", rep.BattleTimeouts),
				zap.Int("disconnect_forfeits", rep.DisconnectForfeit),
				zap.Int("failures", rep.Failures),
			)
			return nil
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			rt, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.migrate(); err != nil {
				return err
			}
			rt.log.Info("database migrated")
			return nil
		},
	}
}
