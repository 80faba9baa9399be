package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"skate-duel-system/analytics"
	"skate-duel-system/apperr"
	"skate-duel-system/engine"
	"skate-duel-system/models"
	"skate-duel-system/notify"
	"skate-duel-system/store"
	"skate-duel-system/utils"
)

// DuelService runs SKATE contests. Every mutating call locks exactly one
// contest row for one transaction.
type DuelService struct {
	Deps
}

func NewDuelService(deps Deps) *DuelService {
	return &DuelService{Deps: deps.withDefaults()}
}

// DuelResult is the outcome of a contest action.
type DuelResult struct {
	Contest          *models.Contest       `json:"contest"`
	Turn             *models.Turn          `json:"turn,omitempty"`
	Message          string                `json:"message,omitempty"`
	GameOver         bool                  `json:"game_over"`
	WinnerID         string                `json:"winner_id,omitempty"`
	AlreadyProcessed bool                  `json:"already_processed,omitempty"`
	Notifications    []notify.Notification `json:"notifications,omitempty"`
}

type CreateContestInput struct {
	ChallengerID   string  `json:"-"`
	ChallengerName *string `json:"challenger_name"`
	OpponentID     string  `json:"opponent_id"`
	OpponentName   *string `json:"opponent_name"`
}

// CreateContest opens a waiting contest between the challenger and opponent.
func (s *DuelService) CreateContest(ctx context.Context, in CreateContestInput) (*models.Contest, error) {
	in.OpponentID = strings.TrimSpace(in.OpponentID)
	if in.ChallengerID == "" || in.OpponentID == "" {
		return nil, apperr.InvalidArgument("challenger and opponent are required")
	}
	if in.ChallengerID == in.OpponentID {
		return nil, apperr.InvalidArgument("cannot challenge yourself")
	}

	c := &models.Contest{
		ID:        uuid.NewString(),
		PlayerAID: in.ChallengerID,
		PlayerBID: in.OpponentID,
		Status:    models.ContestStatusWaiting,
	}
	err := s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		c.PlayerAName = resolveName(tx, in.ChallengerID, in.ChallengerName)
		c.PlayerBName = resolveName(tx, in.OpponentID, in.OpponentName)
		return tx.Insert(c)
	})
	if err != nil {
		return nil, storageErr(err, "create contest")
	}

	s.Analytics.Emit(ctx, analytics.ContestCreated, analytics.Props{
		"contest_id": c.ID, "player_a_id": c.PlayerAID, "player_b_id": c.PlayerBID,
	})
	return c, nil
}

// AcceptContest lets the challenged player start the contest. The challenger
// sets first.
func (s *DuelService) AcceptContest(ctx context.Context, contestID, playerID, actionID string) (*DuelResult, error) {
	now := s.now()
	var res DuelResult
	err := s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var c models.Contest
		if err := tx.GetForUpdate(&c, contestID); err != nil {
			return loadErr(err, "contest")
		}
		if !c.IsParticipant(playerID) {
			return apperr.Forbidden("not a participant in this contest")
		}
		if c.ProcessedEvents.Contains(actionID) {
			res = replayed(&c)
			return nil
		}
		if playerID != c.PlayerBID {
			return apperr.Forbidden("only the challenged player may accept")
		}
		if c.Status != models.ContestStatusWaiting {
			return apperr.InvalidState("contest is not waiting for acceptance")
		}

		engine.Start(&c, now, s.Settings.TurnWindow)
		c.ProcessedEvents = c.ProcessedEvents.Append(actionID, s.Settings.LedgerCap)
		if err := tx.Save(&c); err != nil {
			return err
		}
		res = DuelResult{
			Contest:       &c,
			Message:       "contest started",
			Notifications: []notify.Notification{notify.YourSet(&c)},
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "accept contest")
	}
	if !res.AlreadyProcessed {
		s.Analytics.Emit(ctx, analytics.ContestStarted, analytics.Props{"contest_id": contestID})
	}
	return &res, nil
}

// GetContest returns a contest and its turns without locking.
func (s *DuelService) GetContest(ctx context.Context, contestID string) (*models.Contest, error) {
	var c models.Contest
	err := s.Store.DB().WithContext(ctx).
		Preload("Turns", func(db *gorm.DB) *gorm.DB { return db.Order("turn_number ASC") }).
		Where("id = ?", contestID).
		Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("contest not found")
		}
		return nil, apperr.Internal(err, "failed to load contest")
	}
	return &c, nil
}

type SubmitMoveInput struct {
	ContestID        string  `json:"-"`
	PlayerID         string  `json:"-"`
	ActionID         string  `json:"-"`
	TrickDescription string  `json:"trick_description"`
	MediaRef         string  `json:"media_ref"`
	DurationMs       int64   `json:"duration_ms"`
	ThumbnailRef     *string `json:"thumbnail_ref"`
}

// SubmitMove records a set or response clip and advances the phase.
func (s *DuelService) SubmitMove(ctx context.Context, in SubmitMoveInput) (*DuelResult, error) {
	in.MediaRef = strings.TrimSpace(in.MediaRef)
	if err := s.precheckSubmission(ctx, in); err != nil {
		return nil, err
	}

	now := s.now()
	var res DuelResult
	err := s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var c models.Contest
		if err := tx.GetForUpdate(&c, in.ContestID); err != nil {
			return loadErr(err, "contest")
		}
		if !c.IsParticipant(in.PlayerID) {
			return apperr.Forbidden("not a participant in this contest")
		}
		if c.ProcessedEvents.Contains(in.ActionID) {
			res = replayed(&c)
			return nil
		}
		turnType, err := engine.ValidateSubmission(&c, in.PlayerID, now)
		if err != nil {
			return err
		}

		var count int64
		if err := tx.DB().Model(&models.Turn{}).Where("contest_id = ?", c.ID).Count(&count).Error; err != nil {
			return apperr.Internal(err, "failed to count turns")
		}
		turn := &models.Turn{
			ID:               uuid.NewString(),
			ContestID:        c.ID,
			PlayerID:         in.PlayerID,
			TurnNumber:       int(count) + 1,
			Type:             turnType,
			TrickDescription: strings.TrimSpace(in.TrickDescription),
			TrickSlug:        utils.TrickSlug(in.TrickDescription),
			MediaRef:         in.MediaRef,
			ThumbnailRef:     in.ThumbnailRef,
			DurationMs:       in.DurationMs,
			Result:           models.TurnResultPending,
		}
		if err := tx.Insert(turn); err != nil {
			return err
		}

		engine.AdvanceAfterSubmission(&c, turnType, now, s.Settings.TurnWindow)
		c.ProcessedEvents = c.ProcessedEvents.Append(in.ActionID, s.Settings.LedgerCap)
		if err := tx.Save(&c); err != nil {
			return err
		}

		res = DuelResult{Contest: &c, Turn: turn}
		switch turnType {
		case models.TurnTypeSet:
			res.Message = "trick set, waiting for " + notify.DisplayName(c.NameOf(c.DefensivePlayerID))
			res.Notifications = []notify.Notification{notify.TrickSet(&c, turn)}
		case models.TurnTypeResponse:
			res.Message = "response recorded, judge the trick"
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "submit move")
	}
	if !res.AlreadyProcessed {
		s.Analytics.Emit(ctx, analytics.MoveSubmitted, analytics.Props{
			"contest_id": in.ContestID, "player_id": in.PlayerID,
			"turn_id": res.Turn.ID, "type": string(res.Turn.Type), "turn_number": res.Turn.TurnNumber,
		})
	}
	return &res, nil
}

// precheckSubmission rejects a submission against an unlocked read of the
// contest, so lookup and permission errors outrank input errors and the media
// bucket is never consulted while the row is locked. The transaction checks
// the contest again.
func (s *DuelService) precheckSubmission(ctx context.Context, in SubmitMoveInput) error {
	var c models.Contest
	err := s.Store.DB().WithContext(ctx).Where("id = ?", in.ContestID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("contest not found")
	}
	if err != nil {
		return apperr.Internal(err, "failed to load contest")
	}
	if c.IsParticipant(in.PlayerID) && c.ProcessedEvents.Contains(in.ActionID) {
		return nil
	}
	if _, err := engine.ValidateSubmission(&c, in.PlayerID, s.now()); err != nil {
		return err
	}
	if in.MediaRef == "" {
		return apperr.InvalidArgument("media_ref is required")
	}
	if in.DurationMs < 0 {
		return apperr.InvalidArgument("duration_ms must not be negative")
	}
	if s.Media == nil {
		return nil
	}
	ok, err := s.Media.Exists(ctx, in.MediaRef)
	if err != nil {
		return apperr.Internal(err, "failed to verify media")
	}
	if !ok {
		return apperr.InvalidArgument("media %q not found", in.MediaRef)
	}
	return nil
}

type JudgeInput struct {
	ContestID string `json:"-"`
	TurnID    string `json:"-"`
	PlayerID  string `json:"-"`
	ActionID  string `json:"-"`
	Verdict   string `json:"verdict"`
}

// Judge records the defender's verdict on the trick set this round.
func (s *DuelService) Judge(ctx context.Context, in JudgeInput) (*DuelResult, error) {
	verdict, err := models.ParseVerdict(in.Verdict)
	if err != nil {
		return nil, apperr.InvalidArgument("verdict must be landed or missed")
	}

	now := s.now()
	var res DuelResult
	var out engine.Outcome
	err = s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var c models.Contest
		if err := tx.GetForUpdate(&c, in.ContestID); err != nil {
			return loadErr(err, "contest")
		}
		if !c.IsParticipant(in.PlayerID) {
			return apperr.Forbidden("not a participant in this contest")
		}
		if c.ProcessedEvents.Contains(in.ActionID) {
			res = replayed(&c)
			return nil
		}

		// Re-read under the contest lock; a concurrent judge has already
		// committed by the time this read runs.
		var turn models.Turn
		if err := tx.Get(&turn, "id = ?", in.TurnID); err != nil {
			return loadErr(err, "turn")
		}
		var responses int64
		err := tx.DB().Model(&models.Turn{}).
			Where("contest_id = ? AND player_id = ? AND type = ? AND turn_number > ?",
				c.ID, in.PlayerID, models.TurnTypeResponse, turn.TurnNumber).
			Count(&responses).Error
		if err != nil {
			return apperr.Internal(err, "failed to check response")
		}
		if err := engine.ValidateJudge(&c, &turn, in.PlayerID, responses > 0, now); err != nil {
			return err
		}

		out, err = engine.ApplyVerdict(&c, verdict, now, s.Settings.TurnWindow)
		if err != nil {
			return err
		}
		judge := in.PlayerID
		turn.Result = verdict
		turn.JudgedBy = &judge
		turn.JudgedAt = &now
		if err := tx.Save(&turn); err != nil {
			return err
		}
		c.ProcessedEvents = c.ProcessedEvents.Append(in.ActionID, s.Settings.LedgerCap)
		if err := tx.Save(&c); err != nil {
			return err
		}

		res = outcomeResult(&c, out)
		res.Turn = &turn
		if !out.GameOver {
			switch verdict {
			case models.TurnResultMissed:
				res.Message = "missed, " + notify.DisplayName(c.NameOf(out.LetterTo)) + " takes " + out.Letters
			case models.TurnResultLanded:
				res.Message = "landed, roles switched"
			case models.TurnResultPending:
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "judge turn")
	}
	if !res.AlreadyProcessed {
		s.Analytics.Emit(ctx, analytics.MoveJudged, analytics.Props{
			"contest_id": in.ContestID, "turn_id": in.TurnID, "verdict": string(verdict), "judge_id": in.PlayerID,
		})
		s.emitCompletion(ctx, res.Contest, out, "letters")
	}
	return &res, nil
}

// SetterBail lets the offensive player concede the trick they are about to
// set: they take a letter and offense passes to the defender.
func (s *DuelService) SetterBail(ctx context.Context, contestID, playerID, actionID string) (*DuelResult, error) {
	now := s.now()
	var res DuelResult
	var out engine.Outcome
	err := s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var c models.Contest
		if err := tx.GetForUpdate(&c, contestID); err != nil {
			return loadErr(err, "contest")
		}
		if !c.IsParticipant(playerID) {
			return apperr.Forbidden("not a participant in this contest")
		}
		if c.ProcessedEvents.Contains(actionID) {
			res = replayed(&c)
			return nil
		}
		if err := engine.ValidateBail(&c, playerID, now); err != nil {
			return err
		}
		out = engine.ApplyBail(&c, now, s.Settings.TurnWindow)
		c.ProcessedEvents = c.ProcessedEvents.Append(actionID, s.Settings.LedgerCap)
		if err := tx.Save(&c); err != nil {
			return err
		}
		res = outcomeResult(&c, out)
		if !out.GameOver {
			res.Message = "bailed, " + notify.DisplayName(c.NameOf(out.LetterTo)) + " takes " + out.Letters
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "bail")
	}
	if !res.AlreadyProcessed {
		s.Analytics.Emit(ctx, analytics.SetterBailed, analytics.Props{
			"contest_id": contestID, "player_id": playerID, "letters": out.Letters,
		})
		s.emitCompletion(ctx, res.Contest, out, "letters")
	}
	return &res, nil
}

func (s *DuelService) emitCompletion(ctx context.Context, c *models.Contest, out engine.Outcome, reason string) {
	if !out.GameOver || c == nil {
		return
	}
	s.Logger.Info("contest completed",
		zap.String("contest_id", c.ID),
		zap.String("winner_id", out.WinnerID),
		zap.String("reason", reason),
	)
	s.Analytics.Emit(ctx, analytics.ContestCompleted, analytics.Props{
		"contest_id": c.ID, "winner_id": out.WinnerID, "loser_id": out.LoserID, "reason": reason,
	})
}

// outcomeResult shapes the response and notifications for a judged, bailed or
// timed-out round.
func outcomeResult(c *models.Contest, out engine.Outcome) DuelResult {
	res := DuelResult{Contest: c, GameOver: out.GameOver, WinnerID: out.WinnerID}
	if out.GameOver {
		res.Message = "game over"
		res.Notifications = notify.GameOver(c, out.WinnerID)
		return res
	}
	res.Notifications = []notify.Notification{notify.YourSet(c)}
	return res
}

// replayed answers a duplicate action id with the current state.
func replayed(c *models.Contest) DuelResult {
	res := DuelResult{Contest: c, AlreadyProcessed: true, Message: "already processed"}
	if c.Status == models.ContestStatusCompleted {
		res.GameOver = true
		if c.WinnerID != nil {
			res.WinnerID = *c.WinnerID
		}
	}
	return res
}
