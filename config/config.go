// Package config loads service settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"skate-duel-system/services"
	"skate-duel-system/utils"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"production"`
	DatabaseURL string `env:"DATABASE_URL"`
	Port        string `env:"PORT" envDefault:"5200"`

	// GatewayToken is the bearer token the gateway presents on every request.
	GatewayToken   string   `env:"GAME_SERVICE_TOKEN"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`

	TurnWindow        time.Duration `env:"TURN_WINDOW" envDefault:"24h"`
	VoteWindow        time.Duration `env:"VOTE_WINDOW" envDefault:"24h"`
	ReconnectWindow   time.Duration `env:"RECONNECT_WINDOW" envDefault:"2m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	LedgerCap         int           `env:"LEDGER_CAP" envDefault:"50"`

	R2AccountID       string `env:"R2_ACCOUNT_ID"`
	R2AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	R2Bucket          string `env:"R2_BUCKET_NAME"`
	R2Endpoint        string `env:"R2_ENDPOINT"`

	SyncServiceURL      string        `env:"SYNC_SERVICE_URL"`
	ProfileSyncPath     string        `env:"PROFILE_SYNC_PATH" envDefault:"/api/v1/public/profiles"`
	ProfileSyncInterval time.Duration `env:"PROFILE_SYNC_INTERVAL" envDefault:"5m"`

	// DotenvLoaded is set when a .env file was found and applied.
	DotenvLoaded bool
}

// Load applies .env (if present) and then parses the environment.
func Load() (Config, error) {
	loaded := godotenv.Load() == nil
	cfg, err := FromEnv()
	cfg.DotenvLoaded = loaded
	return cfg, err
}

// FromEnv parses the process environment without touching .env.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"TURN_WINDOW":        c.TurnWindow,
		"VOTE_WINDOW":        c.VoteWindow,
		"RECONNECT_WINDOW":   c.ReconnectWindow,
		"RECONCILE_INTERVAL": c.ReconcileInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.LedgerCap <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_CAP must be positive, got %d", c.LedgerCap))
	}
	return errors.Join(errs...)
}

// RequireDatabase fails when no DSN is configured.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable not set")
	}
	return nil
}

// RequireServe checks what the HTTP server needs on top of the database.
func (c Config) RequireServe() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if c.GatewayToken == "" {
		return errors.New("GAME_SERVICE_TOKEN is not set, service cannot authenticate gateway")
	}
	return nil
}

func (c Config) Development() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

func (c Config) Settings() services.Settings {
	return services.Settings{
		TurnWindow:      c.TurnWindow,
		VoteWindow:      c.VoteWindow,
		ReconnectWindow: c.ReconnectWindow,
		LedgerCap:       c.LedgerCap,
	}
}

func (c Config) R2() utils.R2Config {
	return utils.R2Config{
		AccountID:       c.R2AccountID,
		AccessKeyID:     c.R2AccessKeyID,
		AccessKeySecret: c.R2AccessKeySecret,
		Bucket:          c.R2Bucket,
		Endpoint:        c.R2Endpoint,
	}
}

// ProfileSyncEnabled reports whether the profile mirror worker should run.
func (c Config) ProfileSyncEnabled() bool {
	return c.SyncServiceURL != ""
}
