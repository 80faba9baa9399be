package models

import (
	"fmt"
	"time"
)

// ContestStatus is the lifecycle state of a SKATE duel.
type ContestStatus string

const (
	ContestStatusWaiting   ContestStatus = "waiting"
	ContestStatusActive    ContestStatus = "active"
	ContestStatusCompleted ContestStatus = "completed"
)

// Valid reports whether s is a known status.
func (s ContestStatus) Valid() bool {
	switch s {
	case ContestStatusWaiting, ContestStatusActive, ContestStatusCompleted:
		return true
	}
	return false
}

// Phase is the step of the current round. PhaseNone is only legal on contests
// that are not active.
type Phase string

const (
	PhaseNone         Phase = ""
	PhaseSetTrick     Phase = "set_trick"
	PhaseRespondTrick Phase = "respond_trick"
	PhaseJudge        Phase = "judge"
)

// Valid reports whether p is a known phase (including PhaseNone).
func (p Phase) Valid() bool {
	switch p {
	case PhaseNone, PhaseSetTrick, PhaseRespondTrick, PhaseJudge:
		return true
	}
	return false
}

// TurnType distinguishes the trick being set from the attempt to match it.
type TurnType string

const (
	TurnTypeSet      TurnType = "set"
	TurnTypeResponse TurnType = "response"
)

// TurnResult is the verdict recorded on a turn.
type TurnResult string

const (
	TurnResultPending TurnResult = "pending"
	TurnResultLanded  TurnResult = "landed"
	TurnResultMissed  TurnResult = "missed"
)

// ParseVerdict accepts only the two terminal results a judge may record.
func ParseVerdict(v string) (TurnResult, error) {
	switch TurnResult(v) {
	case TurnResultLanded:
		return TurnResultLanded, nil
	case TurnResultMissed:
		return TurnResultMissed, nil
	}
	return "", fmt.Errorf("unknown verdict %q", v)
}

// Contest is a two-player SKATE duel. The row is the single source of truth for
// the duel; every action locks it for the duration of one transaction.
type Contest struct {
	ID          string  `json:"id" gorm:"primaryKey"`
	PlayerAID   string  `json:"player_a_id" gorm:"index;not null"`
	PlayerBID   string  `json:"player_b_id" gorm:"index;not null"`
	PlayerAName *string `json:"player_a_name,omitempty"`
	PlayerBName *string `json:"player_b_name,omitempty"`

	Status            ContestStatus `json:"status" gorm:"type:varchar(16);index;not null;default:'waiting'"`
	OffensivePlayerID string        `json:"offensive_player_id"`
	DefensivePlayerID string        `json:"defensive_player_id"`
	CurrentTurnID     string        `json:"current_turn"`
	Phase             Phase         `json:"phase" gorm:"type:varchar(16)"`
	LettersA          string        `json:"letters_a" gorm:"type:varchar(5);not null;default:''"`
	LettersB          string        `json:"letters_b" gorm:"type:varchar(5);not null;default:''"`
	DeadlineAt        *time.Time    `json:"deadline_at,omitempty" gorm:"index"`
	WinnerID          *string       `json:"winner_id,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`

	// Presence: set while a participant is disconnected.
	PausedAt             *time.Time `json:"paused_at,omitempty" gorm:"index"`
	DisconnectedPlayerID *string    `json:"disconnected_player_id,omitempty"`

	ProcessedEvents EventLedger `json:"-" gorm:"serializer:json;type:text"`

	Turns []Turn `json:"turns,omitempty" gorm:"foreignKey:ContestID"`

	Timestamps
}

// IsParticipant reports whether playerID is one of the two players.
func (c *Contest) IsParticipant(playerID string) bool {
	return playerID != "" && (playerID == c.PlayerAID || playerID == c.PlayerBID)
}

// Opponent returns the other participant, or "" if playerID is not in the contest.
func (c *Contest) Opponent(playerID string) string {
	switch playerID {
	case c.PlayerAID:
		return c.PlayerBID
	case c.PlayerBID:
		return c.PlayerAID
	}
	return ""
}

// LettersOf returns the SKATE prefix held by playerID.
func (c *Contest) LettersOf(playerID string) string {
	switch playerID {
	case c.PlayerAID:
		return c.LettersA
	case c.PlayerBID:
		return c.LettersB
	}
	return ""
}

// SetLetters overwrites the SKATE prefix held by playerID.
func (c *Contest) SetLetters(playerID, letters string) {
	switch playerID {
	case c.PlayerAID:
		c.LettersA = letters
	case c.PlayerBID:
		c.LettersB = letters
	}
}

// NameOf returns the stored display name of playerID, which may be nil.
func (c *Contest) NameOf(playerID string) *string {
	switch playerID {
	case c.PlayerAID:
		return c.PlayerAName
	case c.PlayerBID:
		return c.PlayerBName
	}
	return nil
}

// Turn is one submitted clip: either the trick being set or the attempt to match it.
type Turn struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	ContestID        string     `json:"contest_id" gorm:"not null;uniqueIndex:ux_turn_contest_number,priority:1"`
	PlayerID         string     `json:"player_id" gorm:"index;not null"`
	TurnNumber       int        `json:"turn_number" gorm:"not null;uniqueIndex:ux_turn_contest_number,priority:2"`
	Type             TurnType   `json:"type" gorm:"type:varchar(16);not null"`
	TrickDescription string     `json:"trick_description"`
	TrickSlug        string     `json:"trick_slug"`
	MediaRef         string     `json:"media_ref" gorm:"not null"`
	ThumbnailRef     *string    `json:"thumbnail_ref,omitempty"`
	DurationMs       int64      `json:"duration_ms"`
	Result           TurnResult `json:"result" gorm:"type:varchar(16);not null;default:'pending'"`
	TimedOut         bool       `json:"timed_out" gorm:"default:false"`
	JudgedBy         *string    `json:"judged_by,omitempty"`
	JudgedAt         *time.Time `json:"judged_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at" gorm:"autoCreateTime"`
}
