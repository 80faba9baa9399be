// Package engine holds the decision logic for duels and battles. Functions
// operate on a row that the caller has already locked and return the next
// state in place; they never touch storage or the clock directly.
package engine

import (
	"fmt"
	"time"

	"skate-duel-system/apperr"
	"skate-duel-system/models"
)

// Outcome summarises what a judging, bail, or timeout did to a contest.
type Outcome struct {
	LetterTo     string
	Letters      string
	RolesSwapped bool
	GameOver     bool
	WinnerID     string
	LoserID      string
}

// CheckIntegrity rejects rows that violate the role/phase invariants. Such
// rows are reported, never patched.
func CheckIntegrity(c *models.Contest) error {
	if !c.Status.Valid() {
		return apperr.Internal(nil, "contest %s has unknown status %q", c.ID, c.Status)
	}
	if !c.Phase.Valid() {
		return apperr.Internal(nil, "contest %s has unknown phase %q", c.ID, c.Phase)
	}
	if c.Status != models.ContestStatusActive {
		return nil
	}
	if c.OffensivePlayerID == "" || c.DefensivePlayerID == "" {
		return apperr.Internal(nil, "contest %s is active without role assignment", c.ID)
	}
	if !c.IsParticipant(c.OffensivePlayerID) || !c.IsParticipant(c.DefensivePlayerID) ||
		c.OffensivePlayerID == c.DefensivePlayerID {
		return apperr.Internal(nil, "contest %s has invalid role assignment", c.ID)
	}
	var want string
	switch c.Phase {
	case models.PhaseSetTrick:
		want = c.OffensivePlayerID
	case models.PhaseRespondTrick, models.PhaseJudge:
		want = c.DefensivePlayerID
	case models.PhaseNone:
		return apperr.Internal(nil, "contest %s is active without a phase", c.ID)
	}
	if c.CurrentTurnID != want {
		return apperr.Internal(nil, "contest %s current turn does not match phase %s", c.ID, c.Phase)
	}
	return nil
}

// Start binds roles on a waiting contest: the challenger (player A) sets first.
func Start(c *models.Contest, now time.Time, window time.Duration) {
	c.Status = models.ContestStatusActive
	c.OffensivePlayerID = c.PlayerAID
	c.DefensivePlayerID = c.PlayerBID
	c.LettersA = ""
	c.LettersB = ""
	setPhase(c, models.PhaseSetTrick, now, window)
}

// ValidateSubmission checks whether playerID may submit a clip now and returns
// the type of turn the submission produces.
func ValidateSubmission(c *models.Contest, playerID string, now time.Time) (models.TurnType, error) {
	if !c.IsParticipant(playerID) {
		return "", apperr.Forbidden("not a participant in this contest")
	}
	if c.Status != models.ContestStatusActive {
		return "", apperr.InvalidState("contest is not active")
	}
	if err := CheckIntegrity(c); err != nil {
		return "", err
	}
	if c.CurrentTurnID != playerID {
		return "", apperr.InvalidState("it is not your turn")
	}
	if Expired(c, now) {
		return "", apperr.Expired("turn deadline has passed")
	}
	switch c.Phase {
	case models.PhaseSetTrick:
		if playerID != c.OffensivePlayerID {
			return "", apperr.InvalidState("only offensive player may set")
		}
		return models.TurnTypeSet, nil
	case models.PhaseRespondTrick:
		if playerID != c.DefensivePlayerID {
			return "", apperr.InvalidState("only defensive player may respond")
		}
		return models.TurnTypeResponse, nil
	case models.PhaseJudge, models.PhaseNone:
		return "", apperr.InvalidState("current phase does not accept submissions")
	}
	return "", apperr.InvalidState("current phase does not accept submissions")
}

// AdvanceAfterSubmission moves the phase forward once a turn of turnType has
// been recorded. Both transitions leave the defensive player to act.
func AdvanceAfterSubmission(c *models.Contest, turnType models.TurnType, now time.Time, window time.Duration) {
	switch turnType {
	case models.TurnTypeSet:
		setPhase(c, models.PhaseRespondTrick, now, window)
	case models.TurnTypeResponse:
		setPhase(c, models.PhaseJudge, now, window)
	}
}

// ValidateJudge checks a judging request against the locked contest, the turn
// being judged, and whether the judge has already posted their response.
// A turn that is no longer pending yields AlreadyProcessed before any role
// check, so the loser of a judging race always sees "already judged".
func ValidateJudge(c *models.Contest, judged *models.Turn, playerID string, hasResponse bool, now time.Time) error {
	if !c.IsParticipant(playerID) {
		return apperr.Forbidden("not a participant in this contest")
	}
	if judged.ContestID != c.ID {
		return apperr.NotFound("turn not found")
	}
	if judged.Result != models.TurnResultPending {
		return apperr.AlreadyProcessed("already judged")
	}
	if c.Status != models.ContestStatusActive {
		return apperr.InvalidState("contest is not active")
	}
	if err := CheckIntegrity(c); err != nil {
		return err
	}
	if playerID != c.DefensivePlayerID {
		return apperr.Forbidden("only the defensive player may judge")
	}
	if c.Phase != models.PhaseJudge || c.CurrentTurnID != playerID {
		return apperr.InvalidState("contest is not awaiting judgment")
	}
	if judged.Type != models.TurnTypeSet || judged.PlayerID != c.OffensivePlayerID {
		return apperr.InvalidState("only the trick set this round can be judged")
	}
	if Expired(c, now) {
		return apperr.Expired("judging deadline has passed")
	}
	if !hasResponse {
		return apperr.InvalidState("must submit your response before judging")
	}
	return nil
}

// ApplyVerdict records the judge's verdict on the round. A miss costs the
// defensive player a letter and keeps roles; a landed trick swaps roles.
func ApplyVerdict(c *models.Contest, verdict models.TurnResult, now time.Time, window time.Duration) (Outcome, error) {
	switch verdict {
	case models.TurnResultMissed:
		return awardLetter(c, c.DefensivePlayerID, false, now, window), nil
	case models.TurnResultLanded:
		return swapAndContinue(c, now, window), nil
	case models.TurnResultPending:
		return Outcome{}, apperr.InvalidArgument("verdict must be landed or missed")
	}
	return Outcome{}, apperr.InvalidArgument("verdict must be landed or missed")
}

// ValidateBail checks that playerID is the setter and the round is still open.
func ValidateBail(c *models.Contest, playerID string, now time.Time) error {
	if !c.IsParticipant(playerID) {
		return apperr.Forbidden("not a participant in this contest")
	}
	if c.Status != models.ContestStatusActive {
		return apperr.InvalidState("contest is not active")
	}
	if err := CheckIntegrity(c); err != nil {
		return err
	}
	if playerID != c.OffensivePlayerID {
		return apperr.Forbidden("only the offensive player may bail")
	}
	if c.Phase != models.PhaseSetTrick {
		return apperr.InvalidState("bail is only allowed while setting a trick")
	}
	if Expired(c, now) {
		return apperr.Expired("turn deadline has passed")
	}
	return nil
}

// ApplyBail gives the setter a letter and hands offense to the other player.
func ApplyBail(c *models.Contest, now time.Time, window time.Duration) Outcome {
	return awardLetter(c, c.OffensivePlayerID, true, now, window)
}

// TimeoutKind classifies what the reconciler should do with a contest.
type TimeoutKind int

const (
	TimeoutNone TimeoutKind = iota
	// TimeoutForfeit: the setter never set a trick.
	TimeoutForfeit
	// TimeoutBenefitOfDoubt: the defender never responded or judged; the trick
	// counts as landed.
	TimeoutBenefitOfDoubt
)

// ClassifyTimeout reports which timeout path applies at now. A paused contest
// is held for at most grace past its deadline.
func ClassifyTimeout(c *models.Contest, now time.Time, grace time.Duration) TimeoutKind {
	if c.Status != models.ContestStatusActive || !DeadlineDue(c.DeadlineAt, c.PausedAt, now, grace) {
		return TimeoutNone
	}
	switch c.Phase {
	case models.PhaseSetTrick:
		return TimeoutForfeit
	case models.PhaseRespondTrick, models.PhaseJudge:
		return TimeoutBenefitOfDoubt
	case models.PhaseNone:
		return TimeoutNone
	}
	return TimeoutNone
}

// TimeoutKey is the idempotency key for resolving the current deadline. It is
// derived from stored state only, so repeated sweeps produce the same key.
func TimeoutKey(c *models.Contest) string {
	if c.DeadlineAt == nil {
		return ""
	}
	return fmt.Sprintf("timeout:%s:%d", c.Phase, c.DeadlineAt.UTC().UnixMilli())
}

// ApplyTimeoutLanded resolves an expired respond/judge phase as a landed trick.
func ApplyTimeoutLanded(c *models.Contest, now time.Time, window time.Duration) Outcome {
	return swapAndContinue(c, now, window)
}

// Forfeit ends the contest in favour of winnerID.
func Forfeit(c *models.Contest, winnerID string, now time.Time) Outcome {
	loser := c.Opponent(winnerID)
	complete(c, winnerID, now)
	return Outcome{GameOver: true, WinnerID: winnerID, LoserID: loser}
}

// Expired reports whether the contest's deadline is at or before now.
func Expired(c *models.Contest, now time.Time) bool {
	return c.DeadlineAt != nil && !now.Before(*c.DeadlineAt)
}

// DeadlineDue reports whether deadline is enforceable at now. Pausing never
// moves the deadline; it only holds enforcement back by grace.
func DeadlineDue(deadline, pausedAt *time.Time, now time.Time, grace time.Duration) bool {
	if deadline == nil || now.Before(*deadline) {
		return false
	}
	return pausedAt == nil || !now.Before(deadline.Add(grace))
}

func awardLetter(c *models.Contest, loser string, swap bool, now time.Time, window time.Duration) Outcome {
	letters := NextLetters(c.LettersOf(loser))
	c.SetLetters(loser, letters)
	out := Outcome{LetterTo: loser, Letters: letters}
	if Spelled(letters) {
		winner := c.Opponent(loser)
		complete(c, winner, now)
		out.GameOver = true
		out.WinnerID = winner
		out.LoserID = loser
		return out
	}
	if swap {
		swapRoles(c)
		out.RolesSwapped = true
	}
	setPhase(c, models.PhaseSetTrick, now, window)
	return out
}

func swapAndContinue(c *models.Contest, now time.Time, window time.Duration) Outcome {
	swapRoles(c)
	setPhase(c, models.PhaseSetTrick, now, window)
	return Outcome{RolesSwapped: true}
}

func swapRoles(c *models.Contest) {
	c.OffensivePlayerID, c.DefensivePlayerID = c.DefensivePlayerID, c.OffensivePlayerID
}

func setPhase(c *models.Contest, phase models.Phase, now time.Time, window time.Duration) {
	c.Phase = phase
	switch phase {
	case models.PhaseSetTrick:
		c.CurrentTurnID = c.OffensivePlayerID
	case models.PhaseRespondTrick, models.PhaseJudge:
		c.CurrentTurnID = c.DefensivePlayerID
	case models.PhaseNone:
		c.CurrentTurnID = ""
	}
	deadline := now.Add(window)
	c.DeadlineAt = &deadline
}

func complete(c *models.Contest, winnerID string, now time.Time) {
	c.Status = models.ContestStatusCompleted
	c.WinnerID = &winnerID
	c.Phase = models.PhaseNone
	c.CurrentTurnID = ""
	c.DeadlineAt = nil
	c.PausedAt = nil
	c.DisconnectedPlayerID = nil
	completedAt := now
	c.CompletedAt = &completedAt
}
