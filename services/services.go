package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"skate-duel-system/analytics"
	"skate-duel-system/apperr"
	"skate-duel-system/models"
	"skate-duel-system/store"
)

// Settings are the timing and retention knobs shared by the game services.
type Settings struct {
	TurnWindow      time.Duration
	VoteWindow      time.Duration
	ReconnectWindow time.Duration
	LedgerCap       int
}

// DefaultSettings mirrors the production defaults.
func DefaultSettings() Settings {
	return Settings{
		TurnWindow:      24 * time.Hour,
		VoteWindow:      24 * time.Hour,
		ReconnectWindow: 2 * time.Minute,
		LedgerCap:       models.DefaultLedgerCap,
	}
}

// MediaChecker confirms that an uploaded clip exists.
type MediaChecker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// Deps is everything a game service needs. Analytics, Media and Clock are
// optional.
type Deps struct {
	Store     *store.Store
	Logger    *zap.Logger
	Analytics analytics.Emitter
	Media     MediaChecker
	Clock     func() time.Time
	Settings  Settings
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Analytics == nil {
		d.Analytics = analytics.Noop{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	def := DefaultSettings()
	if d.Settings.TurnWindow <= 0 {
		d.Settings.TurnWindow = def.TurnWindow
	}
	if d.Settings.VoteWindow <= 0 {
		d.Settings.VoteWindow = def.VoteWindow
	}
	if d.Settings.ReconnectWindow <= 0 {
		d.Settings.ReconnectWindow = def.ReconnectWindow
	}
	if d.Settings.LedgerCap <= 0 {
		d.Settings.LedgerCap = def.LedgerCap
	}
	return d
}

// now returns the injected clock in UTC. Every stored timestamp is UTC so
// deadline comparisons behave the same in every database.
func (d Deps) now() time.Time {
	return d.Clock().UTC()
}

// loadErr classifies a failed locked read.
func loadErr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("%s not found", what)
	}
	return apperr.Internal(err, "failed to load %s", what)
}

// storageErr wraps a write failure unless it is already classified.
func storageErr(err error, what string) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e
	}
	return apperr.Internal(err, "failed to %s", what)
}

// resolveName prefers the name given by the caller and falls back to the
// mirrored profile.
func resolveName(tx *store.Tx, playerID string, given *string) *string {
	if given != nil && *given != "" {
		return given
	}
	var p models.PlayerProfile
	if err := tx.Get(&p, "player_id = ?", playerID); err != nil || p.Username == "" {
		return nil
	}
	name := p.Username
	return &name
}
