package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"skate-duel-system/analytics"
	"skate-duel-system/config"
	"skate-duel-system/models"
	"skate-duel-system/services"
	"skate-duel-system/store"
	"skate-duel-system/utils"
)

// runtime is what every command shares once configuration is loaded.
type runtime struct {
	cfg config.Config
	log *zap.Logger
	db  *gorm.DB
}

func newLogger(cfg config.Config, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development() {
		zcfg = zap.NewDevelopmentConfig()
	}
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zcfg.Build()
}

// bootstrap loads configuration, builds the logger and connects the database.
func bootstrap(opts *rootOptions) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg, opts.verbose)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if !cfg.DotenvLoaded {
		log.Info("no .env file found, reading environment variables directly")
	}
	db, err := config.ConnectDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, log: log, db: db}, nil
}

func (r *runtime) migrate() error {
	if err := models.AutoMigrate(r.db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// deps wires the shared service dependencies. The media check is attached
// only when the bucket is configured.
func (r *runtime) deps(ctx context.Context) (services.Deps, error) {
	d := services.Deps{
		Store:     store.New(r.db),
		Logger:    r.log,
		Analytics: analytics.NewZapEmitter(r.log),
		Settings:  r.cfg.Settings(),
	}
	if r.cfg.R2().Enabled() {
		media, err := utils.NewR2Media(ctx, r.cfg.R2())
		if err != nil {
			return d, fmt.Errorf("failed to initialize R2 client: %w", err)
		}
		d.Media = media
	} else {
		r.log.Warn("R2 not configured, media existence checks disabled")
	}
	return d, nil
}

func (r *runtime) close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.log.Sync()
}
