package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"skate-duel-system/apperr"
	"skate-duel-system/models"
	"skate-duel-system/store"
)

// PresenceKind selects which table a presence update targets.
type PresenceKind string

const (
	PresenceContest PresenceKind = "contest"
	PresenceBattle  PresenceKind = "battle"
)

type PresenceInput struct {
	Kind      PresenceKind `json:"-"`
	ID        string       `json:"-"`
	PlayerID  string       `json:"-"`
	Connected bool         `json:"connected"`
}

// PresenceService pauses and resumes rows when a participant's connection
// drops. Pause state lives on the row itself, so any worker can serve the
// reconnect.
type PresenceService struct {
	Deps
}

func NewPresenceService(deps Deps) *PresenceService {
	return &PresenceService{Deps: deps.withDefaults()}
}

// SetPresence marks the player disconnected or reconnected. The first
// disconnect pauses the row; only the player who paused it can resume it.
// Pausing never moves a deadline.
func (s *PresenceService) SetPresence(ctx context.Context, in PresenceInput) error {
	now := s.now()
	var changed bool
	err := s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		switch in.Kind {
		case PresenceContest:
			var c models.Contest
			if err := tx.GetForUpdate(&c, in.ID); err != nil {
				return loadErr(err, "contest")
			}
			if !c.IsParticipant(in.PlayerID) {
				return apperr.Forbidden("not a participant in this contest")
			}
			if c.Status != models.ContestStatusActive {
				return apperr.InvalidState("contest is not active")
			}
			patch := presencePatch(c.PausedAt, c.DisconnectedPlayerID, in, now)
			changed = patch != nil
			if !changed {
				return nil
			}
			return tx.Update(&models.Contest{}, c.ID, patch)
		case PresenceBattle:
			var b models.Battle
			if err := tx.GetForUpdate(&b, in.ID); err != nil {
				return loadErr(err, "battle")
			}
			if !b.IsParticipant(in.PlayerID) {
				return apperr.Forbidden("not a participant in this battle")
			}
			if b.Status != models.BattleStatusVoting {
				return apperr.InvalidState("battle is not in voting")
			}
			patch := presencePatch(b.PausedAt, b.DisconnectedPlayerID, in, now)
			changed = patch != nil
			if !changed {
				return nil
			}
			return tx.Update(&models.Battle{}, b.ID, patch)
		}
		return apperr.InvalidArgument("unknown presence target %q", in.Kind)
	})
	if err != nil {
		return storageErr(err, "update presence")
	}
	if changed {
		s.Logger.Info("presence changed",
			zap.String("kind", string(in.Kind)),
			zap.String("id", in.ID),
			zap.String("player_id", in.PlayerID),
			zap.Bool("connected", in.Connected),
		)
	}
	return nil
}

// presencePatch returns the pause columns to write, or nil when the update
// changes nothing.
func presencePatch(pausedAt *time.Time, disconnected *string, in PresenceInput, now time.Time) map[string]any {
	if !in.Connected {
		if pausedAt != nil {
			return nil
		}
		return map[string]any{"paused_at": now, "disconnected_player_id": in.PlayerID}
	}
	if pausedAt == nil || disconnected == nil || *disconnected != in.PlayerID {
		return nil
	}
	return map[string]any{"paused_at": nil, "disconnected_player_id": nil}
}
