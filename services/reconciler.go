package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"skate-duel-system/analytics"
	"skate-duel-system/apperr"
	"skate-duel-system/engine"
	"skate-duel-system/models"
	"skate-duel-system/notify"
	"skate-duel-system/store"
)

// sweepBatch bounds how many rows one sweep pass picks up per category. Rows
// left over are caught by the next interval.
const sweepBatch = 200

// errNothingToDo marks a row that no longer qualifies once re-read under lock.
var errNothingToDo = errors.New("nothing to do")

// SweepReport counts what one RunOnce did.
type SweepReport struct {
	Skipped           bool `json:"skipped"`
	DuelTimeouts      int  `json:"duel_timeouts"`
	DuelForfeits      int  `json:"duel_forfeits"`
	BattleTimeouts    int  `json:"battle_timeouts"`
	DisconnectForfeit int  `json:"disconnect_forfeits"`
	Failures          int  `json:"failures"`
}

// Reconciler resolves expired deadlines and abandoned rows. Each row is
// handled in its own transaction; a failure on one row is logged and the sweep
// moves on.
type Reconciler struct {
	Deps
	dispatcher notify.Dispatcher
	running    atomic.Bool
}

func NewReconciler(deps Deps, dispatcher notify.Dispatcher) *Reconciler {
	deps = deps.withDefaults()
	if dispatcher == nil {
		dispatcher = notify.LogDispatcher{Log: deps.Logger}
	}
	return &Reconciler{Deps: deps, dispatcher: dispatcher}
}

// RunOnce performs one full sweep. An overlapping call returns immediately
// with Skipped set.
func (r *Reconciler) RunOnce(ctx context.Context) SweepReport {
	if !r.running.CompareAndSwap(false, true) {
		r.Logger.Debug("reconcile sweep already running, skipping")
		return SweepReport{Skipped: true}
	}
	defer r.running.Store(false)

	now := r.now()
	var rep SweepReport
	r.sweepDuelDeadlines(ctx, now, &rep)
	r.sweepBattleDeadlines(ctx, now, &rep)
	r.sweepDisconnects(ctx, now, &rep)

	if rep.DuelTimeouts+rep.DuelForfeits+rep.BattleTimeouts+rep.DisconnectForfeit+rep.Failures > 0 {
		r.Logger.Info("reconcile sweep finished",
			zap.Int("duel_timeouts", rep.DuelTimeouts),
			zap.Int("duel_forfeits", rep.DuelForfeits),
			zap.Int("battle_timeouts", rep.BattleTimeouts),
			zap.Int("disconnect_forfeits", rep.DisconnectForfeit),
			zap.Int("failures", rep.Failures),
		)
	}
	return rep
}

func (r *Reconciler) candidateIDs(ctx context.Context, model any, query string, args ...any) ([]string, error) {
	var ids []string
	err := r.Store.DB().WithContext(ctx).
		Model(model).
		Where(query, args...).
		Order("id").
		Limit(sweepBatch).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *Reconciler) sweepDuelDeadlines(ctx context.Context, now time.Time, rep *SweepReport) {
	ids, err := r.candidateIDs(ctx, &models.Contest{},
		"status = ? AND deadline_at IS NOT NULL AND deadline_at <= ? AND (paused_at IS NULL OR deadline_at <= ?)",
		models.ContestStatusActive, now, now.Add(-r.Settings.ReconnectWindow))
	if err != nil {
		r.Logger.Error("failed to list expired contests", zap.Error(err))
		rep.Failures++
		return
	}
	for _, id := range ids {
		kind, err := r.resolveDuelDeadline(ctx, id, now)
		switch {
		case errors.Is(err, errNothingToDo):
		case err != nil:
			rep.Failures++
			r.Logger.Error("failed to resolve contest deadline", zap.String("contest_id", id), zap.Error(err))
		case kind == engine.TimeoutForfeit:
			rep.DuelForfeits++
		case kind == engine.TimeoutBenefitOfDoubt:
			rep.DuelTimeouts++
		}
	}
}

// resolveDuelDeadline re-reads the contest under lock and applies the timeout
// path that still applies. The idempotency key is derived from the stored
// deadline, so a repeated sweep over the same instant is a no-op.
func (r *Reconciler) resolveDuelDeadline(ctx context.Context, contestID string, now time.Time) (engine.TimeoutKind, error) {
	var (
		kind  engine.TimeoutKind
		out   engine.Outcome
		batch []notify.Notification
		c     models.Contest
	)
	err := r.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.GetForUpdate(&c, contestID); err != nil {
			return loadErr(err, "contest")
		}
		kind = engine.ClassifyTimeout(&c, now, r.Settings.ReconnectWindow)
		key := engine.TimeoutKey(&c)
		if kind == engine.TimeoutNone || c.ProcessedEvents.Contains(key) {
			return errNothingToDo
		}
		if err := engine.CheckIntegrity(&c); err != nil {
			return err
		}

		switch kind {
		case engine.TimeoutForfeit:
			// The setter never set: the defender takes the contest.
			out = engine.Forfeit(&c, c.DefensivePlayerID, now)
			batch = notify.Forfeit(&c, out.WinnerID, "turn_timeout")
		case engine.TimeoutBenefitOfDoubt:
			var pending models.Turn
			err := tx.DB().
				Where("contest_id = ? AND player_id = ? AND type = ? AND result = ?",
					c.ID, c.OffensivePlayerID, models.TurnTypeSet, models.TurnResultPending).
				Order("turn_number DESC").
				Take(&pending).Error
			if err != nil {
				return apperr.Internal(err, "contest %s has no pending set turn in phase %s", c.ID, c.Phase)
			}
			pending.Result = models.TurnResultLanded
			pending.TimedOut = true
			pending.JudgedAt = &now
			if err := tx.Save(&pending); err != nil {
				return err
			}
			out = engine.ApplyTimeoutLanded(&c, now, r.Settings.TurnWindow)
			batch = notify.TurnTimedOut(&c)
		case engine.TimeoutNone:
			return errNothingToDo
		}

		c.ProcessedEvents = c.ProcessedEvents.Append(key, r.Settings.LedgerCap)
		return tx.Save(&c)
	})
	if err != nil {
		return kind, err
	}

	r.dispatcher.Dispatch(ctx, batch)
	switch kind {
	case engine.TimeoutForfeit:
		r.Analytics.Emit(ctx, analytics.PlayerForfeited, analytics.Props{
			"contest_id": c.ID, "player_id": out.LoserID, "reason": "turn_timeout",
		})
		r.Analytics.Emit(ctx, analytics.ContestCompleted, analytics.Props{
			"contest_id": c.ID, "winner_id": out.WinnerID, "loser_id": out.LoserID, "reason": "turn_timeout",
		})
	case engine.TimeoutBenefitOfDoubt:
		r.Analytics.Emit(ctx, analytics.TurnTimedOut, analytics.Props{
			"contest_id": c.ID, "offensive_player_id": c.OffensivePlayerID,
		})
	case engine.TimeoutNone:
	}
	return kind, nil
}

func (r *Reconciler) sweepBattleDeadlines(ctx context.Context, now time.Time, rep *SweepReport) {
	ids, err := r.candidateIDs(ctx, &models.Battle{},
		"status = ? AND vote_deadline_at IS NOT NULL AND vote_deadline_at <= ? AND (paused_at IS NULL OR vote_deadline_at <= ?)",
		models.BattleStatusVoting, now, now.Add(-r.Settings.ReconnectWindow))
	if err != nil {
		r.Logger.Error("failed to list expired battles", zap.Error(err))
		rep.Failures++
		return
	}
	for _, id := range ids {
		err := r.resolveBattleDeadline(ctx, id, now)
		switch {
		case errors.Is(err, errNothingToDo):
		case err != nil:
			rep.Failures++
			r.Logger.Error("failed to resolve battle deadline", zap.String("battle_id", id), zap.Error(err))
		default:
			rep.BattleTimeouts++
		}
	}
}

// resolveBattleDeadline closes voting on an expired battle using the timeout
// winner rule.
func (r *Reconciler) resolveBattleDeadline(ctx context.Context, battleID string, now time.Time) error {
	var (
		b     models.Battle
		batch []notify.Notification
	)
	err := r.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.GetForUpdate(&b, battleID); err != nil {
			return loadErr(err, "battle")
		}
		if b.Status != models.BattleStatusVoting ||
			!engine.DeadlineDue(b.VoteDeadlineAt, b.PausedAt, now, r.Settings.ReconnectWindow) {
			return errNothingToDo
		}
		if b.OpponentID == nil {
			return apperr.Internal(nil, "battle %s is voting without an opponent", b.ID)
		}
		key := engine.BattleTimeoutKey(&b)

		st, votes, err := r.lockVotingState(tx, &b)
		if err != nil {
			return err
		}
		if st != nil && st.ProcessedEvents.Contains(key) {
			return errNothingToDo
		}

		result := engine.DecideTimeout(votes, b.CreatorID, b.OpponentIDOrEmpty())
		completeBattle(&b, st, result, now)
		if err := tx.Save(&b); err != nil {
			return err
		}
		if st != nil {
			st.ProcessedEvents = st.ProcessedEvents.Append(key, r.Settings.LedgerCap)
			if err := tx.Save(st); err != nil {
				return err
			}
		}
		batch = notify.BattleComplete(&b, "vote_timeout")
		return nil
	})
	if err != nil {
		return err
	}

	r.dispatcher.Dispatch(ctx, batch)
	r.Analytics.Emit(ctx, analytics.BattleCompleted, analytics.Props{
		"battle_id": b.ID, "winner_id": *b.WinnerID, "reason": "vote_timeout",
		"scores": map[string]int{b.CreatorID: b.CreatorScore, b.OpponentIDOrEmpty(): b.OpponentScore},
	})
	return nil
}

// lockVotingState locks the battle's voting-state document and returns its
// votes. Battles without a document fall back to the vote table.
func (r *Reconciler) lockVotingState(tx *store.Tx, b *models.Battle) (*models.BattleVotingState, map[string]models.VoteRecord, error) {
	var st models.BattleVotingState
	err := tx.GetForUpdateWhere(&st, "battle_id", b.ID)
	if err == nil {
		if st.Votes == nil {
			st.Votes = map[string]models.VoteRecord{}
		}
		return &st, st.Votes, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, loadErr(err, "voting state")
	}
	var rows []models.BattleVote
	if err := tx.DB().Where("battle_id = ?", b.ID).Find(&rows).Error; err != nil {
		return nil, nil, apperr.Internal(err, "failed to load votes")
	}
	return nil, votesFromRows(rows), nil
}

func (r *Reconciler) sweepDisconnects(ctx context.Context, now time.Time, rep *SweepReport) {
	cutoff := now.Add(-r.Settings.ReconnectWindow)

	contestIDs, err := r.candidateIDs(ctx, &models.Contest{},
		"status = ? AND paused_at IS NOT NULL AND paused_at < ?", models.ContestStatusActive, cutoff)
	if err != nil {
		r.Logger.Error("failed to list paused contests", zap.Error(err))
		rep.Failures++
	}
	for _, id := range contestIDs {
		r.countDisconnect(rep, "contest_id", id, r.forfeitDisconnectedContest(ctx, id, now))
	}

	battleIDs, err := r.candidateIDs(ctx, &models.Battle{},
		"status = ? AND paused_at IS NOT NULL AND paused_at < ?", models.BattleStatusVoting, cutoff)
	if err != nil {
		r.Logger.Error("failed to list paused battles", zap.Error(err))
		rep.Failures++
	}
	for _, id := range battleIDs {
		r.countDisconnect(rep, "battle_id", id, r.forfeitDisconnectedBattle(ctx, id, now))
	}
}

func (r *Reconciler) countDisconnect(rep *SweepReport, field, id string, err error) {
	switch {
	case errors.Is(err, errNothingToDo):
	case err != nil:
		rep.Failures++
		r.Logger.Error("failed to forfeit disconnected player", zap.String(field, id), zap.Error(err))
	default:
		rep.DisconnectForfeit++
	}
}

func (r *Reconciler) forfeitDisconnectedContest(ctx context.Context, contestID string, now time.Time) error {
	var (
		c     models.Contest
		out   engine.Outcome
		batch []notify.Notification
	)
	err := r.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.GetForUpdate(&c, contestID); err != nil {
			return loadErr(err, "contest")
		}
		if c.Status != models.ContestStatusActive || c.DisconnectedPlayerID == nil ||
			!engine.ReconnectWindowElapsed(c.PausedAt, now, r.Settings.ReconnectWindow) {
			return errNothingToDo
		}
		key := engine.DisconnectKey(c.PausedAt)
		if c.ProcessedEvents.Contains(key) {
			return errNothingToDo
		}
		winner := c.Opponent(*c.DisconnectedPlayerID)
		if winner == "" {
			return apperr.Internal(nil, "contest %s paused by non-participant", c.ID)
		}
		out = engine.Forfeit(&c, winner, now)
		c.ProcessedEvents = c.ProcessedEvents.Append(key, r.Settings.LedgerCap)
		batch = notify.Forfeit(&c, winner, "disconnect")
		return tx.Save(&c)
	})
	if err != nil {
		return err
	}

	r.dispatcher.Dispatch(ctx, batch)
	r.Analytics.Emit(ctx, analytics.PlayerForfeited, analytics.Props{
		"contest_id": c.ID, "player_id": out.LoserID, "reason": "disconnect",
	})
	r.Analytics.Emit(ctx, analytics.ContestCompleted, analytics.Props{
		"contest_id": c.ID, "winner_id": out.WinnerID, "loser_id": out.LoserID, "reason": "disconnect",
	})
	return nil
}

func (r *Reconciler) forfeitDisconnectedBattle(ctx context.Context, battleID string, now time.Time) error {
	var (
		b     models.Battle
		loser string
		batch []notify.Notification
	)
	err := r.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.GetForUpdate(&b, battleID); err != nil {
			return loadErr(err, "battle")
		}
		if b.Status != models.BattleStatusVoting || b.DisconnectedPlayerID == nil ||
			!engine.ReconnectWindowElapsed(b.PausedAt, now, r.Settings.ReconnectWindow) {
			return errNothingToDo
		}
		key := engine.DisconnectKey(b.PausedAt)
		st, votes, err := r.lockVotingState(tx, &b)
		if err != nil {
			return err
		}
		if st != nil && st.ProcessedEvents.Contains(key) {
			return errNothingToDo
		}
		loser = *b.DisconnectedPlayerID
		winner := b.Other(loser)
		if winner == "" {
			return apperr.Internal(nil, "battle %s paused by non-participant", b.ID)
		}

		result := engine.BattleResult{WinnerID: winner, Scores: engine.Score(votes, b.CreatorID, b.OpponentIDOrEmpty())}
		completeBattle(&b, st, result, now)
		if err := tx.Save(&b); err != nil {
			return err
		}
		if st != nil {
			st.ProcessedEvents = st.ProcessedEvents.Append(key, r.Settings.LedgerCap)
			if err := tx.Save(st); err != nil {
				return err
			}
		}
		batch = notify.BattleComplete(&b, "disconnect")
		return nil
	})
	if err != nil {
		return err
	}

	r.dispatcher.Dispatch(ctx, batch)
	r.Analytics.Emit(ctx, analytics.PlayerForfeited, analytics.Props{
		"battle_id": b.ID, "player_id": loser, "reason": "disconnect",
	})
	r.Analytics.Emit(ctx, analytics.BattleCompleted, analytics.Props{
		"battle_id": b.ID, "winner_id": *b.WinnerID, "reason": "disconnect",
	})
	return nil
}
