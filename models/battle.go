package models

import (
	"fmt"
	"time"
)

// BattleStatus is the lifecycle state of a clip-vs-clip battle.
type BattleStatus string

const (
	BattleStatusWaiting   BattleStatus = "waiting"
	BattleStatusVoting    BattleStatus = "voting"
	BattleStatusCompleted BattleStatus = "completed"
)

// Valid reports whether s is a known status.
func (s BattleStatus) Valid() bool {
	switch s {
	case BattleStatusWaiting, BattleStatusVoting, BattleStatusCompleted:
		return true
	}
	return false
}

// VoteValue is a participant's verdict on the opponent's clip.
type VoteValue string

const (
	VoteClean  VoteValue = "clean"
	VoteSketch VoteValue = "sketch"
	VoteRedo   VoteValue = "redo"
)

// ParseVoteValue rejects anything outside the three known values.
func ParseVoteValue(v string) (VoteValue, error) {
	switch VoteValue(v) {
	case VoteClean:
		return VoteClean, nil
	case VoteSketch:
		return VoteSketch, nil
	case VoteRedo:
		return VoteRedo, nil
	}
	return "", fmt.Errorf("unknown vote value %q", v)
}

// Battle is a single-round vote-off between a creator and an opponent.
type Battle struct {
	ID           string       `json:"id" gorm:"primaryKey"`
	CreatorID    string       `json:"creator_id" gorm:"index;not null"`
	OpponentID   *string      `json:"opponent_id,omitempty" gorm:"index"`
	CreatorName  *string      `json:"creator_name,omitempty"`
	OpponentName *string      `json:"opponent_name,omitempty"`
	Status       BattleStatus `json:"status" gorm:"type:varchar(16);index;not null;default:'waiting'"`

	VoteDeadlineAt *time.Time `json:"vote_deadline_at,omitempty" gorm:"index"`
	WinnerID       *string    `json:"winner_id,omitempty"`
	CreatorScore   int        `json:"creator_score" gorm:"default:0"`
	OpponentScore  int        `json:"opponent_score" gorm:"default:0"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	PausedAt             *time.Time `json:"paused_at,omitempty" gorm:"index"`
	DisconnectedPlayerID *string    `json:"disconnected_player_id,omitempty"`

	Timestamps
}

// OpponentIDOrEmpty dereferences OpponentID.
func (b *Battle) OpponentIDOrEmpty() string {
	if b.OpponentID == nil {
		return ""
	}
	return *b.OpponentID
}

// IsParticipant reports whether playerID is the creator or the bound opponent.
func (b *Battle) IsParticipant(playerID string) bool {
	if playerID == "" {
		return false
	}
	return playerID == b.CreatorID || playerID == b.OpponentIDOrEmpty()
}

// Other returns the participant that is not playerID.
func (b *Battle) Other(playerID string) string {
	switch playerID {
	case b.CreatorID:
		return b.OpponentIDOrEmpty()
	case b.OpponentIDOrEmpty():
		return b.CreatorID
	}
	return ""
}

// BattleVote is the relational vote table. It is kept current on every vote and
// is the only source of votes for battles whose voting-state document is missing.
type BattleVote struct {
	ID       string    `json:"id" gorm:"primaryKey"`
	BattleID string    `json:"battle_id" gorm:"not null;uniqueIndex:ux_battle_voter,priority:1"`
	VoterID  string    `json:"voter_id" gorm:"not null;uniqueIndex:ux_battle_voter,priority:2"`
	Value    VoteValue `json:"value" gorm:"type:varchar(16);not null"`
	EventID  string    `json:"event_id" gorm:"index"`
	VotedAt  time.Time `json:"voted_at"`
}

// VoteRecord is one live vote inside the voting-state document.
type VoteRecord struct {
	VoterID string    `json:"voter_id"`
	Value   VoteValue `json:"value"`
	VotedAt time.Time `json:"voted_at"`
}

// BattleVotingState is the transactional document that drives voting. It is
// created when the opponent joins and locked by every vote and timeout.
type BattleVotingState struct {
	BattleID        string                `json:"battle_id" gorm:"primaryKey"`
	Status          BattleStatus          `json:"status" gorm:"type:varchar(16);not null"`
	Votes           map[string]VoteRecord `json:"votes" gorm:"serializer:json;type:text"`
	Scores          map[string]int        `json:"scores,omitempty" gorm:"serializer:json;type:text"`
	WinnerID        *string               `json:"winner_id,omitempty"`
	ProcessedEvents EventLedger           `json:"-" gorm:"serializer:json;type:text"`
	UpdatedAt       time.Time             `json:"updated_at" gorm:"autoUpdateTime"`
}
