package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"skate-duel-system/analytics"
	"skate-duel-system/apperr"
	"skate-duel-system/engine"
	"skate-duel-system/models"
	"skate-duel-system/notify"
	"skate-duel-system/store"
)

// BattleService runs clip-vs-clip battles. Votes lock the battle row and then
// its voting-state document, in that order.
type BattleService struct {
	Deps
}

func NewBattleService(deps Deps) *BattleService {
	return &BattleService{Deps: deps.withDefaults()}
}

// VoteResult is the outcome of a vote.
type VoteResult struct {
	Success          bool                  `json:"success"`
	AlreadyProcessed bool                  `json:"already_processed,omitempty"`
	BattleComplete   bool                  `json:"battle_complete"`
	WinnerID         string                `json:"winner_id,omitempty"`
	FinalScore       map[string]int        `json:"final_score,omitempty"`
	Battle           *models.Battle        `json:"battle"`
	Notifications    []notify.Notification `json:"notifications,omitempty"`
}

type CreateBattleInput struct {
	CreatorID   string  `json:"-"`
	CreatorName *string `json:"creator_name"`
}

// CreateBattle opens a battle waiting for an opponent.
func (s *BattleService) CreateBattle(ctx context.Context, in CreateBattleInput) (*models.Battle, error) {
	if in.CreatorID == "" {
		return nil, apperr.InvalidArgument("creator is required")
	}
	b := &models.Battle{
		ID:        uuid.NewString(),
		CreatorID: in.CreatorID,
		Status:    models.BattleStatusWaiting,
	}
	err := s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		b.CreatorName = resolveName(tx, in.CreatorID, in.CreatorName)
		return tx.Insert(b)
	})
	if err != nil {
		return nil, storageErr(err, "create battle")
	}
	s.Analytics.Emit(ctx, analytics.BattleCreated, analytics.Props{"battle_id": b.ID, "creator_id": b.CreatorID})
	return b, nil
}

type JoinBattleInput struct {
	BattleID     string  `json:"-"`
	OpponentID   string  `json:"-"`
	OpponentName *string `json:"opponent_name"`
}

// JoinBattle binds the opponent, opens voting and initialises the voting-state
// document.
func (s *BattleService) JoinBattle(ctx context.Context, in JoinBattleInput) (*models.Battle, error) {
	now := s.now()
	var b models.Battle
	err := s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.GetForUpdate(&b, in.BattleID); err != nil {
			return loadErr(err, "battle")
		}
		if in.OpponentID == "" {
			return apperr.InvalidArgument("opponent is required")
		}
		if in.OpponentID == b.CreatorID {
			return apperr.InvalidArgument("cannot join your own battle")
		}
		if b.Status != models.BattleStatusWaiting {
			return apperr.InvalidState("battle is not open for joining")
		}

		opponent := in.OpponentID
		deadline := now.Add(s.Settings.VoteWindow)
		b.OpponentID = &opponent
		b.OpponentName = resolveName(tx, in.OpponentID, in.OpponentName)
		b.Status = models.BattleStatusVoting
		b.VoteDeadlineAt = &deadline
		if err := tx.Save(&b); err != nil {
			return err
		}
		_, err := tx.InsertIfAbsent(&models.BattleVotingState{
			BattleID: b.ID,
			Status:   models.BattleStatusVoting,
			Votes:    map[string]models.VoteRecord{},
		})
		return err
	})
	if err != nil {
		return nil, storageErr(err, "join battle")
	}
	s.Analytics.Emit(ctx, analytics.BattleJoined, analytics.Props{"battle_id": b.ID, "opponent_id": in.OpponentID})
	return &b, nil
}

// BattleView is a battle plus its live votes.
type BattleView struct {
	*models.Battle
	Votes map[string]models.VoteRecord `json:"votes"`
}

// GetBattle returns a battle and its current votes without locking.
func (s *BattleService) GetBattle(ctx context.Context, battleID string) (*BattleView, error) {
	db := s.Store.DB().WithContext(ctx)
	var b models.Battle
	if err := db.Where("id = ?", battleID).Take(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("battle not found")
		}
		return nil, apperr.Internal(err, "failed to load battle")
	}
	view := &BattleView{Battle: &b, Votes: map[string]models.VoteRecord{}}

	var st models.BattleVotingState
	err := db.Where("battle_id = ?", battleID).Take(&st).Error
	switch {
	case err == nil:
		for k, v := range st.Votes {
			view.Votes[k] = v
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		var rows []models.BattleVote
		if err := db.Where("battle_id = ?", battleID).Find(&rows).Error; err != nil {
			return nil, apperr.Internal(err, "failed to load votes")
		}
		view.Votes = votesFromRows(rows)
	default:
		return nil, apperr.Internal(err, "failed to load voting state")
	}
	return view, nil
}

type CastVoteInput struct {
	EventID  string `json:"-"`
	BattleID string `json:"-"`
	VoterID  string `json:"-"`
	Value    string `json:"value"`
}

// CastVote records or revises a participant's vote and completes the battle
// once both participants have voted.
func (s *BattleService) CastVote(ctx context.Context, in CastVoteInput) (*VoteResult, error) {
	if in.EventID == "" {
		in.EventID = uuid.NewString()
	}

	now := s.now()
	var (
		res   VoteResult
		value models.VoteValue
	)
	err := s.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var b models.Battle
		if err := tx.GetForUpdate(&b, in.BattleID); err != nil {
			return loadErr(err, "battle")
		}
		if !b.IsParticipant(in.VoterID) {
			return apperr.Forbidden("not a participant in this battle")
		}
		var err error
		if value, err = models.ParseVoteValue(in.Value); err != nil {
			return apperr.InvalidArgument("vote must be clean, sketch or redo")
		}
		var st models.BattleVotingState
		err = tx.GetForUpdateWhere(&st, "battle_id", b.ID)
		if errors.Is(err, store.ErrNotFound) {
			return s.castVoteLegacy(tx, &b, in, value, now, &res)
		}
		if err != nil {
			return loadErr(err, "voting state")
		}

		if st.ProcessedEvents.Contains(in.EventID) {
			res = voteSummary(&b)
			res.AlreadyProcessed = true
			return nil
		}
		if err := engine.ValidateVote(&b, in.VoterID, now); err != nil {
			return err
		}

		if st.Votes == nil {
			st.Votes = map[string]models.VoteRecord{}
		}
		st.Votes[in.VoterID] = models.VoteRecord{VoterID: in.VoterID, Value: value, VotedAt: now}
		if err := upsertVoteRow(tx, b.ID, in.VoterID, value, in.EventID, now); err != nil {
			return err
		}
		st.ProcessedEvents = st.ProcessedEvents.Append(in.EventID, s.Settings.LedgerCap)

		if engine.BothVoted(st.Votes, b.CreatorID, b.OpponentIDOrEmpty()) {
			result := engine.Decide(st.Votes, b.CreatorID, b.OpponentIDOrEmpty())
			completeBattle(&b, &st, result, now)
			if err := tx.Save(&b); err != nil {
				return err
			}
		}
		if err := tx.Save(&st); err != nil {
			return err
		}
		res = voteSummary(&b)
		if res.BattleComplete {
			res.Notifications = notify.BattleComplete(&b, "votes")
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "cast vote")
	}
	if !res.AlreadyProcessed {
		s.Analytics.Emit(ctx, analytics.BattleVoted, analytics.Props{
			"battle_id": in.BattleID, "voter_id": in.VoterID, "value": string(value),
		})
		if res.BattleComplete {
			s.Logger.Info("battle completed", zap.String("battle_id", in.BattleID), zap.String("winner_id", res.WinnerID))
			s.Analytics.Emit(ctx, analytics.BattleCompleted, analytics.Props{
				"battle_id": in.BattleID, "winner_id": res.WinnerID, "scores": res.FinalScore, "reason": "votes",
			})
		}
	}
	return &res, nil
}

// castVoteLegacy handles battles that predate the voting-state document. State
// is re-derived from the relational vote table, where a vote row's event_id
// doubles as the idempotency record. The document is created on the way out
// so later votes take the normal path.
func (s *BattleService) castVoteLegacy(tx *store.Tx, b *models.Battle, in CastVoteInput, value models.VoteValue, now time.Time, res *VoteResult) error {
	s.Logger.Warn("voting state missing, using vote table", zap.String("battle_id", b.ID))

	var rows []models.BattleVote
	if err := tx.DB().Where("battle_id = ?", b.ID).Order("voted_at ASC").Find(&rows).Error; err != nil {
		return apperr.Internal(err, "failed to load votes")
	}
	for _, r := range rows {
		if r.EventID == in.EventID {
			*res = voteSummary(b)
			res.AlreadyProcessed = true
			return nil
		}
	}
	if err := engine.ValidateVote(b, in.VoterID, now); err != nil {
		return err
	}
	if err := upsertVoteRow(tx, b.ID, in.VoterID, value, in.EventID, now); err != nil {
		return err
	}

	votes := votesFromRows(rows)
	votes[in.VoterID] = models.VoteRecord{VoterID: in.VoterID, Value: value, VotedAt: now}
	st := models.BattleVotingState{BattleID: b.ID, Status: b.Status, Votes: votes}
	for _, r := range rows {
		st.ProcessedEvents = st.ProcessedEvents.Append(r.EventID, s.Settings.LedgerCap)
	}
	st.ProcessedEvents = st.ProcessedEvents.Append(in.EventID, s.Settings.LedgerCap)

	if engine.BothVoted(votes, b.CreatorID, b.OpponentIDOrEmpty()) {
		completeBattle(b, &st, engine.Decide(votes, b.CreatorID, b.OpponentIDOrEmpty()), now)
		if err := tx.Save(b); err != nil {
			return err
		}
	}
	if _, err := tx.InsertIfAbsent(&st); err != nil {
		return err
	}
	*res = voteSummary(b)
	if res.BattleComplete {
		res.Notifications = notify.BattleComplete(b, "votes")
	}
	return nil
}

// upsertVoteRow keeps the relational vote table current; a later vote by the
// same voter overwrites the earlier one.
func upsertVoteRow(tx *store.Tx, battleID, voterID string, value models.VoteValue, eventID string, now time.Time) error {
	row := models.BattleVote{
		ID:       uuid.NewString(),
		BattleID: battleID,
		VoterID:  voterID,
		Value:    value,
		EventID:  eventID,
		VotedAt:  now,
	}
	err := tx.DB().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "battle_id"}, {Name: "voter_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "event_id", "voted_at"}),
	}).Create(&row).Error
	if err != nil {
		return apperr.Internal(err, "failed to record vote")
	}
	return nil
}

func votesFromRows(rows []models.BattleVote) map[string]models.VoteRecord {
	votes := make(map[string]models.VoteRecord, len(rows))
	for _, r := range rows {
		votes[r.VoterID] = models.VoteRecord{VoterID: r.VoterID, Value: r.Value, VotedAt: r.VotedAt}
	}
	return votes
}

// completeBattle writes the final result to the battle row and the document.
func completeBattle(b *models.Battle, st *models.BattleVotingState, result engine.BattleResult, now time.Time) {
	winner := result.WinnerID
	b.Status = models.BattleStatusCompleted
	b.WinnerID = &winner
	b.CreatorScore = result.Scores[b.CreatorID]
	b.OpponentScore = result.Scores[b.OpponentIDOrEmpty()]
	b.CompletedAt = &now
	b.PausedAt = nil
	b.DisconnectedPlayerID = nil

	if st != nil {
		st.Status = models.BattleStatusCompleted
		st.WinnerID = &winner
		st.Scores = result.Scores
	}
}

func voteSummary(b *models.Battle) VoteResult {
	res := VoteResult{Success: true, Battle: b}
	if b.Status == models.BattleStatusCompleted {
		res.BattleComplete = true
		if b.WinnerID != nil {
			res.WinnerID = *b.WinnerID
		}
		res.FinalScore = map[string]int{
			b.CreatorID:           b.CreatorScore,
			b.OpponentIDOrEmpty(): b.OpponentScore,
		}
	}
	return res
}
