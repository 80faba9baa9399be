package engine

import (
	"fmt"
	"time"

	"skate-duel-system/apperr"
	"skate-duel-system/models"
)

// BattleResult is the final tally of a battle.
type BattleResult struct {
	WinnerID string
	Scores   map[string]int
}

// ValidateVote checks that voterID may vote on b at now.
func ValidateVote(b *models.Battle, voterID string, now time.Time) error {
	if !b.Status.Valid() {
		return apperr.Internal(nil, "battle %s has unknown status %q", b.ID, b.Status)
	}
	switch b.Status {
	case models.BattleStatusVoting:
	case models.BattleStatusWaiting, models.BattleStatusCompleted:
		return apperr.InvalidState("voting is not open")
	}
	if b.OpponentID == nil {
		return apperr.Internal(nil, "battle %s is voting without an opponent", b.ID)
	}
	if VoteDeadlinePassed(b, now) {
		return apperr.Expired("voting deadline has passed")
	}
	if !b.IsParticipant(voterID) {
		return apperr.Forbidden("only battle participants may vote")
	}
	return nil
}

// VoteDeadlinePassed reports whether the vote deadline is at or before now.
func VoteDeadlinePassed(b *models.Battle, now time.Time) bool {
	return b.VoteDeadlineAt != nil && !now.Before(*b.VoteDeadlineAt)
}

// BothVoted reports whether creator and opponent each have a live vote.
func BothVoted(votes map[string]models.VoteRecord, creatorID, opponentID string) bool {
	_, c := votes[creatorID]
	_, o := votes[opponentID]
	return c && o
}

// Score tallies votes. A clean vote awards one point to the participant who
// did not cast it; sketch and redo award nothing. Votes from anyone other than
// the two participants are ignored.
func Score(votes map[string]models.VoteRecord, creatorID, opponentID string) map[string]int {
	scores := map[string]int{creatorID: 0, opponentID: 0}
	for voter, v := range votes {
		var other string
		switch voter {
		case creatorID:
			other = opponentID
		case opponentID:
			other = creatorID
		default:
			continue
		}
		switch v.Value {
		case models.VoteClean:
			scores[other]++
		case models.VoteSketch, models.VoteRedo:
		}
	}
	return scores
}

// Decide scores a battle where both participants voted. Ties go to the creator.
func Decide(votes map[string]models.VoteRecord, creatorID, opponentID string) BattleResult {
	scores := Score(votes, creatorID, opponentID)
	winner := creatorID
	if scores[opponentID] > scores[creatorID] {
		winner = opponentID
	}
	return BattleResult{WinnerID: winner, Scores: scores}
}

// DecideTimeout picks the winner when the vote deadline elapsed. The creator
// wins whether they were the only voter, nobody voted, the opponent alone
// voted (the non-voting creator keeps the default), or both votes are present
// without the battle having completed. Scores still reflect the recorded votes.
func DecideTimeout(votes map[string]models.VoteRecord, creatorID, opponentID string) BattleResult {
	return BattleResult{WinnerID: creatorID, Scores: Score(votes, creatorID, opponentID)}
}

// BattleTimeoutKey is the idempotency key for resolving the vote deadline.
func BattleTimeoutKey(b *models.Battle) string {
	if b.VoteDeadlineAt == nil {
		return ""
	}
	return fmt.Sprintf("timeout:vote:%d", b.VoteDeadlineAt.UTC().UnixMilli())
}

// DisconnectKey is the idempotency key for forfeiting a paused row.
func DisconnectKey(pausedAt *time.Time) string {
	if pausedAt == nil {
		return ""
	}
	return fmt.Sprintf("disconnect:%d", pausedAt.UTC().UnixMilli())
}

// ReconnectWindowElapsed reports whether a row paused at pausedAt has waited
// longer than window.
func ReconnectWindowElapsed(pausedAt *time.Time, now time.Time, window time.Duration) bool {
	return pausedAt != nil && now.Sub(*pausedAt) > window
}
