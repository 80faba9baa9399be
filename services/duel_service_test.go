package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skate-duel-system/analytics"
	"skate-duel-system/apperr"
	"skate-duel-system/models"
	"skate-duel-system/notify"
)

func TestCreateContestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.duels.CreateContest(ctx, CreateContestInput{ChallengerID: "A", OpponentID: "A"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	_, err = h.duels.CreateContest(ctx, CreateContestInput{ChallengerID: "A"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestCreateContestFallsBackToMirroredProfile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Create(&models.PlayerProfile{PlayerID: "B", Username: "bones"}).Error)

	alice := "Alice"
	c, err := h.duels.CreateContest(context.Background(), CreateContestInput{
		ChallengerID: "A", ChallengerName: &alice, OpponentID: "B",
	})
	require.NoError(t, err)
	require.NotNil(t, c.PlayerBName)
	assert.Equal(t, "bones", *c.PlayerBName)
	assert.Equal(t, "Alice", *c.PlayerAName)
	assert.Equal(t, models.ContestStatusWaiting, c.Status)
}

func TestAcceptContest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.duels.CreateContest(ctx, CreateContestInput{ChallengerID: "A", OpponentID: "B"})
	require.NoError(t, err)

	_, err = h.duels.AcceptContest(ctx, c.ID, "A", "")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
	_, err = h.duels.AcceptContest(ctx, c.ID, "Z", "")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	res, err := h.duels.AcceptContest(ctx, c.ID, "B", "accept-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContestStatusActive, res.Contest.Status)
	assert.Equal(t, "A", res.Contest.CurrentTurnID)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, "A", res.Notifications[0].RecipientID)
	assert.Equal(t, notify.TypeYourTurn, res.Notifications[0].Type)

	again, err := h.duels.AcceptContest(ctx, c.ID, "B", "accept-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)

	_, err = h.duels.AcceptContest(ctx, c.ID, "B", "accept-2")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
	assert.Equal(t, 1, h.events.Count(analytics.ContestStarted))
}

func TestGetContest(t *testing.T) {
	h := newHarness(t)
	c := h.activeContest(t)
	h.submit(t, c.ID, "A", "kickflip")

	got, err := h.duels.GetContest(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "kickflip", got.Turns[0].TrickSlug)

	_, err = h.duels.GetContest(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestMissedJudgmentGivesDefenderLetter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContest(t)

	set := h.submit(t, c.ID, "A", "Kickflip")
	assert.Equal(t, models.TurnTypeSet, set.Turn.Type)
	assert.Equal(t, 1, set.Turn.TurnNumber)
	require.Len(t, set.Notifications, 1)
	assert.Equal(t, "B", set.Notifications[0].RecipientID)
	assert.Equal(t, models.PhaseRespondTrick, set.Contest.Phase)
	assert.Equal(t, "B", set.Contest.CurrentTurnID)

	resp := h.submit(t, c.ID, "B", "Kickflip")
	assert.Equal(t, models.TurnTypeResponse, resp.Turn.Type)
	assert.Equal(t, 2, resp.Turn.TurnNumber)
	assert.Empty(t, resp.Notifications)
	assert.Equal(t, models.PhaseJudge, resp.Contest.Phase)

	res, err := h.duels.Judge(ctx, JudgeInput{ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "B", Verdict: "missed"})
	require.NoError(t, err)
	assert.False(t, res.GameOver)

	got := h.reloadContest(t, c.ID)
	assert.Equal(t, "S", got.LettersB)
	assert.Equal(t, "", got.LettersA)
	assert.Equal(t, "A", got.OffensivePlayerID)
	assert.Equal(t, models.PhaseSetTrick, got.Phase)
	assert.Equal(t, "A", got.CurrentTurnID)
	require.NotNil(t, got.DeadlineAt)
	assert.True(t, got.DeadlineAt.Equal(t0.Add(24*time.Hour)))

	var judged models.Turn
	require.NoError(t, h.db.Take(&judged, "id = ?", set.Turn.ID).Error)
	assert.Equal(t, models.TurnResultMissed, judged.Result)
	require.NotNil(t, judged.JudgedBy)
	assert.Equal(t, "B", *judged.JudgedBy)

	require.Len(t, res.Notifications, 1)
	assert.Equal(t, "A", res.Notifications[0].RecipientID)
	assert.Equal(t, []string{
		analytics.ContestCreated, analytics.ContestStarted,
		analytics.MoveSubmitted, analytics.MoveSubmitted, analytics.MoveJudged,
	}, h.events.Names())
}

func TestLandedJudgmentSwapsRoles(t *testing.T) {
	h := newHarness(t)
	c := h.activeContest(t)
	set := h.submit(t, c.ID, "A", "heelflip")
	h.submit(t, c.ID, "B", "heelflip")

	res, err := h.duels.Judge(context.Background(), JudgeInput{ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "B", Verdict: "landed"})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Contest.OffensivePlayerID)
	assert.Equal(t, "B", res.Contest.CurrentTurnID)
	assert.Equal(t, "", res.Contest.LettersA+res.Contest.LettersB)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, "B", res.Notifications[0].RecipientID)
}

func TestSubmitMoveErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContest(t)

	_, err := h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: "nope", PlayerID: "A", MediaRef: "x"})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "Z", MediaRef: "x"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "B", MediaRef: "x"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))

	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "A"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	h.clock.Advance(25 * time.Hour)
	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "A", MediaRef: "x"})
	assert.True(t, apperr.Is(err, apperr.CodeExpired))

	// Late submissions are rejected, never resolved.
	got := h.reloadContest(t, c.ID)
	assert.Equal(t, models.ContestStatusActive, got.Status)
	assert.Equal(t, models.PhaseSetTrick, got.Phase)
}

func TestSubmitMoveVerifiesMedia(t *testing.T) {
	h := newHarness(t)
	c := h.activeContest(t)
	h.duels.Media = fakeMedia{present: map[string]bool{"clips/ok.mp4": true}}
	ctx := context.Background()

	_, err := h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "A", MediaRef: "clips/gone.mp4"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	res, err := h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "A", MediaRef: "clips/ok.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "clips/ok.mp4", res.Turn.MediaRef)

	h.duels.Media = fakeMedia{err: errors.New("bucket down")}
	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "B", MediaRef: "clips/ok.mp4"})
	assert.True(t, apperr.Is(err, apperr.CodeInternal))
}

func TestReplayedSubmissionDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	c := h.activeContest(t)
	in := SubmitMoveInput{ContestID: c.ID, PlayerID: "A", ActionID: "move-1", MediaRef: "clips/a.mp4", TrickDescription: "ollie"}

	first, err := h.duels.SubmitMove(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := h.duels.SubmitMove(context.Background(), in)
		require.NoError(t, err)
		assert.True(t, again.AlreadyProcessed)
		assert.Equal(t, first.Contest.Phase, again.Contest.Phase)
	}

	var turns int64
	require.NoError(t, h.db.Model(&models.Turn{}).Where("contest_id = ?", c.ID).Count(&turns).Error)
	assert.EqualValues(t, 1, turns)
	assert.Equal(t, 1, h.events.Count(analytics.MoveSubmitted))
}

func TestJudgeRequiresOwnResponse(t *testing.T) {
	h := newHarness(t)
	c := h.activeContest(t)
	set := h.submit(t, c.ID, "A", "kickflip")

	_, err := h.duels.Judge(context.Background(), JudgeInput{ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "A", Verdict: "landed"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = h.duels.Judge(context.Background(), JudgeInput{ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "B", Verdict: "maybe"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	// Still in respond_trick: B has not responded.
	_, err = h.duels.Judge(context.Background(), JudgeInput{ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "B", Verdict: "landed"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
}

func TestConcurrentJudgeOnlyOneApplies(t *testing.T) {
	h := newHarness(t)
	c := h.activeContest(t)
	set := h.submit(t, c.ID, "A", "kickflip")
	h.submit(t, c.ID, "B", "kickflip")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.duels.Judge(context.Background(), JudgeInput{
				ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "B", Verdict: "missed",
			})
		}(i)
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.CodeAlreadyProcessed):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, already)
	assert.Equal(t, "S", h.reloadContest(t, c.ID).LettersB)
}

func TestJudgeReplaySameActionID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContest(t)
	set := h.submit(t, c.ID, "A", "kickflip")
	h.submit(t, c.ID, "B", "kickflip")

	in := JudgeInput{ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "B", Verdict: "missed", ActionID: "judge-1"}
	first, err := h.duels.Judge(ctx, in)
	require.NoError(t, err)
	require.False(t, first.AlreadyProcessed)

	// A replay carrying a different verdict is still the same action.
	in.Verdict = "landed"
	for i := 0; i < 2; i++ {
		again, err := h.duels.Judge(ctx, in)
		require.NoError(t, err)
		assert.True(t, again.AlreadyProcessed)
		assert.Empty(t, again.Notifications)
		assert.Equal(t, "S", again.Contest.LettersB)
	}

	got := h.reloadContest(t, c.ID)
	assert.Equal(t, "S", got.LettersB)
	assert.Equal(t, "A", got.OffensivePlayerID)
	assert.Equal(t, 1, h.events.Count(analytics.MoveJudged))
}

func TestReplayedActionIDFromOutsiderIsForbidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.duels.CreateContest(ctx, CreateContestInput{ChallengerID: "A", OpponentID: "B"})
	require.NoError(t, err)

	_, err = h.duels.AcceptContest(ctx, c.ID, "B", "accept-1")
	require.NoError(t, err)
	res, err := h.duels.AcceptContest(ctx, c.ID, "Z", "accept-1")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
	assert.Nil(t, res)

	move := SubmitMoveInput{ContestID: c.ID, PlayerID: "A", ActionID: "move-1", MediaRef: "clips/a.mp4"}
	set, err := h.duels.SubmitMove(ctx, move)
	require.NoError(t, err)
	move.PlayerID = "Z"
	_, err = h.duels.SubmitMove(ctx, move)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	h.submit(t, c.ID, "B", "ollie")
	judge := JudgeInput{ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "B", Verdict: "missed", ActionID: "judge-1"}
	_, err = h.duels.Judge(ctx, judge)
	require.NoError(t, err)
	judge.PlayerID = "Z"
	_, err = h.duels.Judge(ctx, judge)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = h.duels.SetterBail(ctx, c.ID, "A", "bail-1")
	require.NoError(t, err)
	_, err = h.duels.SetterBail(ctx, c.ID, "Z", "bail-1")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	b := h.votingBattle(t)
	vote(t, h, b.ID, "C", "clean", "vote-1")
	_, err = h.battles.CastVote(ctx, CastVoteInput{EventID: "vote-1", BattleID: b.ID, VoterID: "Z", Value: "clean"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestSubmitMoveChecksContestBeforeInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContest(t)
	h.duels.Media = fakeMedia{err: errors.New("bucket down")}

	_, err := h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: "nope", PlayerID: "A"})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "Z"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "Z", MediaRef: "clips/z.mp4"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "B", MediaRef: "clips/b.mp4"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))

	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "A", MediaRef: "clips/a.mp4", DurationMs: -1})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	// Only a permitted, well-formed submission reaches the bucket.
	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "A", MediaRef: "clips/a.mp4"})
	assert.True(t, apperr.Is(err, apperr.CodeInternal))
}

func TestFifthLetterCompletesContest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContest(t)

	// Put A on defense one letter from losing.
	require.NoError(t, h.db.Model(&models.Contest{}).Where("id = ?", c.ID).Updates(map[string]any{
		"letters_a":           "SKAT",
		"offensive_player_id": "B",
		"defensive_player_id": "A",
		"current_turn_id":     "B",
	}).Error)

	set := h.submit(t, c.ID, "B", "hardflip")
	h.submit(t, c.ID, "A", "hardflip")
	res, err := h.duels.Judge(ctx, JudgeInput{ContestID: c.ID, TurnID: set.Turn.ID, PlayerID: "A", Verdict: "missed"})
	require.NoError(t, err)

	assert.True(t, res.GameOver)
	assert.Equal(t, "B", res.WinnerID)
	require.Len(t, res.Notifications, 2)
	for _, n := range res.Notifications {
		assert.Equal(t, notify.TypeGameOver, n.Type)
		assert.Equal(t, n.RecipientID == "B", n.Data["you_won"])
	}

	got := h.reloadContest(t, c.ID)
	assert.Equal(t, "SKATE", got.LettersA)
	assert.Equal(t, models.ContestStatusCompleted, got.Status)
	require.NotNil(t, got.WinnerID)
	assert.Equal(t, "B", *got.WinnerID)
	assert.Equal(t, models.PhaseNone, got.Phase)
	assert.Empty(t, got.CurrentTurnID)
	assert.Nil(t, got.DeadlineAt)
	assert.Equal(t, 1, h.events.Count(analytics.ContestCompleted))

	_, err = h.duels.SubmitMove(ctx, SubmitMoveInput{ContestID: c.ID, PlayerID: "A", MediaRef: "x"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
}

func TestSetterBail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContest(t)

	_, err := h.duels.SetterBail(ctx, c.ID, "B", "")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	res, err := h.duels.SetterBail(ctx, c.ID, "A", "bail-1")
	require.NoError(t, err)
	assert.Equal(t, "S", res.Contest.LettersA)
	assert.Equal(t, "B", res.Contest.OffensivePlayerID)
	assert.Equal(t, models.PhaseSetTrick, res.Contest.Phase)

	again, err := h.duels.SetterBail(ctx, c.ID, "A", "bail-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, "S", h.reloadContest(t, c.ID).LettersA)
}

func TestCorruptRowIsInternal(t *testing.T) {
	h := newHarness(t)
	c := h.activeContest(t)
	require.NoError(t, h.db.Model(&models.Contest{}).Where("id = ?", c.ID).
		Update("defensive_player_id", "").Error)

	_, err := h.duels.SubmitMove(context.Background(), SubmitMoveInput{ContestID: c.ID, PlayerID: "A", MediaRef: "x"})
	assert.True(t, apperr.Is(err, apperr.CodeInternal))
}
