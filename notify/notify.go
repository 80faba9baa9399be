// Package notify shapes outbound notification descriptors and hands them to a
// Dispatcher. Feed persists them for the per-player event stream.
package notify

import (
	"context"

	"go.uber.org/zap"

	"skate-duel-system/models"
	"skate-duel-system/utils"
)

// Type names the kind of notification.
type Type string

const (
	TypeYourTurn       Type = "your_turn"
	TypeGameOver       Type = "game_over"
	TypeVoteTimeout    Type = "vote_timeout"
	TypeBattleComplete Type = "battle_complete"
	TypeForfeit        Type = "forfeit"
)

// Fallbacks used when a stored value is missing.
const (
	FallbackPlayerName = "Your opponent"
	FallbackTrickName  = "a trick"
	NoLetters          = "no letters"
)

// Notification is one message for one recipient.
type Notification struct {
	RecipientID string         `json:"recipient_id"`
	Type        Type           `json:"type"`
	Data        map[string]any `json:"data"`
}

// DisplayName resolves a nullable, possibly blank name to something printable.
func DisplayName(name *string) string {
	if name == nil || *name == "" {
		return FallbackPlayerName
	}
	return *name
}

// TrickName resolves a trick description for display.
func TrickName(description string) string {
	if title := utils.TrickTitle(description); title != "" {
		return title
	}
	return FallbackTrickName
}

// LettersLabel renders a letter prefix for display.
func LettersLabel(letters string) string {
	if letters == "" {
		return NoLetters
	}
	return letters
}

// TrickSet tells the defender that the offensive player set a trick.
func TrickSet(c *models.Contest, turn *models.Turn) Notification {
	setter := c.OffensivePlayerID
	return Notification{
		RecipientID: c.DefensivePlayerID,
		Type:        TypeYourTurn,
		Data: map[string]any{
			"contest_id":  c.ID,
			"phase":       string(c.Phase),
			"from_player": setter,
			"from_name":   DisplayName(c.NameOf(setter)),
			"trick":       TrickName(turn.TrickDescription),
			"turn_id":     turn.ID,
			"message":     DisplayName(c.NameOf(setter)) + " set " + TrickName(turn.TrickDescription),
		},
	}
}

// YourSet tells the current offensive player it is their turn to set.
func YourSet(c *models.Contest) Notification {
	return Notification{
		RecipientID: c.OffensivePlayerID,
		Type:        TypeYourTurn,
		Data: map[string]any{
			"contest_id":    c.ID,
			"phase":         string(c.Phase),
			"opponent_name": DisplayName(c.NameOf(c.DefensivePlayerID)),
			"your_letters":  LettersLabel(c.LettersOf(c.OffensivePlayerID)),
			"their_letters": LettersLabel(c.LettersOf(c.DefensivePlayerID)),
		},
	}
}

// GameOver builds the terminal notification for both participants.
func GameOver(c *models.Contest, winnerID string) []Notification {
	return duelEnding(c, winnerID, TypeGameOver, "")
}

// Forfeit is GameOver for a contest decided without a final judgment.
func Forfeit(c *models.Contest, winnerID, reason string) []Notification {
	return duelEnding(c, winnerID, TypeForfeit, reason)
}

func duelEnding(c *models.Contest, winnerID string, typ Type, reason string) []Notification {
	out := make([]Notification, 0, 2)
	for _, p := range []string{c.PlayerAID, c.PlayerBID} {
		data := map[string]any{
			"contest_id":    c.ID,
			"you_won":       p == winnerID,
			"winner_id":     winnerID,
			"opponent_name": DisplayName(c.NameOf(c.Opponent(p))),
			"your_letters":  LettersLabel(c.LettersOf(p)),
			"their_letters": LettersLabel(c.LettersOf(c.Opponent(p))),
		}
		if reason != "" {
			data["reason"] = reason
		}
		out = append(out, Notification{RecipientID: p, Type: typ, Data: data})
	}
	return out
}

// TurnTimedOut tells both players that an unanswered round was counted as
// landed and roles switched.
func TurnTimedOut(c *models.Contest) []Notification {
	out := make([]Notification, 0, 2)
	for _, p := range []string{c.PlayerAID, c.PlayerBID} {
		out = append(out, Notification{
			RecipientID: p,
			Type:        TypeVoteTimeout,
			Data: map[string]any{
				"contest_id":   c.ID,
				"message":      "vote timed out - trick counted as landed, roles switched",
				"your_turn":    p == c.CurrentTurnID,
				"offensive_id": c.OffensivePlayerID,
			},
		})
	}
	return out
}

// BattleComplete tells both battle participants the result.
func BattleComplete(b *models.Battle, reason string) []Notification {
	winner := ""
	if b.WinnerID != nil {
		winner = *b.WinnerID
	}
	out := make([]Notification, 0, 2)
	for _, p := range []string{b.CreatorID, b.OpponentIDOrEmpty()} {
		if p == "" {
			continue
		}
		opponentName := b.OpponentName
		if p != b.CreatorID {
			opponentName = b.CreatorName
		}
		data := map[string]any{
			"battle_id":      b.ID,
			"you_won":        p == winner,
			"winner_id":      winner,
			"opponent_name":  DisplayName(opponentName),
			"creator_score":  b.CreatorScore,
			"opponent_score": b.OpponentScore,
		}
		if reason != "" {
			data["reason"] = reason
		}
		out = append(out, Notification{RecipientID: p, Type: TypeBattleComplete, Data: data})
	}
	return out
}

// Dispatcher hands descriptors to the delivery layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch []Notification)
}

// LogDispatcher writes descriptors to the log. It stands in when no delivery
// transport is attached.
type LogDispatcher struct {
	Log *zap.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, batch []Notification) {
	for _, n := range batch {
		d.Log.Info("notification",
			zap.String("recipient_id", n.RecipientID),
			zap.String("type", string(n.Type)),
			zap.Any("data", n.Data),
		)
	}
}
