package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skate-duel-system/analytics"
	"skate-duel-system/apperr"
	"skate-duel-system/models"
)

func vote(t *testing.T, h *harness, battleID, voter, value, eventID string) *VoteResult {
	t.Helper()
	res, err := h.battles.CastVote(context.Background(), CastVoteInput{
		EventID: eventID, BattleID: battleID, VoterID: voter, Value: value,
	})
	require.NoError(t, err)
	return res
}

func TestJoinBattle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.battles.CreateBattle(ctx, CreateBattleInput{CreatorID: "C"})
	require.NoError(t, err)

	_, err = h.battles.JoinBattle(ctx, JoinBattleInput{BattleID: b.ID, OpponentID: "C"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	joined, err := h.battles.JoinBattle(ctx, JoinBattleInput{BattleID: b.ID, OpponentID: "O"})
	require.NoError(t, err)
	assert.Equal(t, models.BattleStatusVoting, joined.Status)
	require.NotNil(t, joined.VoteDeadlineAt)
	assert.True(t, joined.VoteDeadlineAt.Equal(t0.Add(24*time.Hour)))

	var st models.BattleVotingState
	require.NoError(t, h.db.Take(&st, "battle_id = ?", b.ID).Error)
	assert.Equal(t, models.BattleStatusVoting, st.Status)

	_, err = h.battles.JoinBattle(ctx, JoinBattleInput{BattleID: b.ID, OpponentID: "P"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
}

func TestCleanVoteScoresTheOpponent(t *testing.T) {
	h := newHarness(t)
	b := h.votingBattle(t)

	first := vote(t, h, b.ID, "C", "clean", "e1")
	assert.False(t, first.BattleComplete)

	res := vote(t, h, b.ID, "O", "sketch", "e2")
	assert.True(t, res.BattleComplete)
	assert.Equal(t, "O", res.WinnerID)
	assert.Equal(t, map[string]int{"C": 0, "O": 1}, res.FinalScore)
	require.Len(t, res.Notifications, 2)

	got := h.reloadBattle(t, b.ID)
	assert.Equal(t, models.BattleStatusCompleted, got.Status)
	assert.Equal(t, 1, got.OpponentScore)
	require.NotNil(t, got.WinnerID)
	assert.Equal(t, "O", *got.WinnerID)
	assert.Equal(t, 1, h.events.Count(analytics.BattleCompleted))
}

func TestTieGoesToCreator(t *testing.T) {
	h := newHarness(t)
	b := h.votingBattle(t)

	vote(t, h, b.ID, "C", "clean", "e1")
	res := vote(t, h, b.ID, "O", "clean", "e2")
	assert.True(t, res.BattleComplete)
	assert.Equal(t, "C", res.WinnerID)
	assert.Equal(t, map[string]int{"C": 1, "O": 1}, res.FinalScore)
}

func TestRevoteOverwrites(t *testing.T) {
	h := newHarness(t)
	b := h.votingBattle(t)

	vote(t, h, b.ID, "C", "sketch", "e1")
	vote(t, h, b.ID, "C", "clean", "e2")

	var rows []models.BattleVote
	require.NoError(t, h.db.Where("battle_id = ?", b.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, models.VoteClean, rows[0].Value)
	assert.Equal(t, "e2", rows[0].EventID)

	res := vote(t, h, b.ID, "O", "redo", "e3")
	assert.Equal(t, "O", res.WinnerID)
}

func TestReplayedVoteEvent(t *testing.T) {
	h := newHarness(t)
	b := h.votingBattle(t)

	vote(t, h, b.ID, "C", "clean", "e1")
	vote(t, h, b.ID, "O", "clean", "e2")
	for i := 0; i < 3; i++ {
		res := vote(t, h, b.ID, "O", "sketch", "e2")
		assert.True(t, res.AlreadyProcessed)
		assert.True(t, res.BattleComplete)
		assert.Equal(t, "C", res.WinnerID)
	}
	assert.Equal(t, 2, h.events.Count(analytics.BattleVoted))

	view, err := h.battles.GetBattle(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VoteClean, view.Votes["O"].Value)
}

func TestVoteRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.votingBattle(t)

	_, err := h.battles.CastVote(ctx, CastVoteInput{BattleID: b.ID, VoterID: "X", Value: "clean"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = h.battles.CastVote(ctx, CastVoteInput{BattleID: b.ID, VoterID: "C", Value: "meh"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	_, err = h.battles.CastVote(ctx, CastVoteInput{BattleID: "missing", VoterID: "C", Value: "clean"})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	h.clock.Advance(25 * time.Hour)
	_, err = h.battles.CastVote(ctx, CastVoteInput{BattleID: b.ID, VoterID: "C", Value: "clean"})
	assert.True(t, apperr.Is(err, apperr.CodeExpired))
}

func TestLegacyBattleWithoutVotingState(t *testing.T) {
	h := newHarness(t)
	opp := "O"
	deadline := t0.Add(time.Hour)
	b := models.Battle{ID: "legacy", CreatorID: "C", OpponentID: &opp, Status: models.BattleStatusVoting, VoteDeadlineAt: &deadline}
	require.NoError(t, h.db.Create(&b).Error)
	require.NoError(t, h.db.Create(&models.BattleVote{
		ID: "v1", BattleID: b.ID, VoterID: "C", Value: models.VoteSketch, EventID: "old", VotedAt: t0,
	}).Error)

	replay := vote(t, h, b.ID, "C", "clean", "old")
	assert.True(t, replay.AlreadyProcessed)

	res := vote(t, h, b.ID, "O", "clean", "new")
	assert.True(t, res.BattleComplete)
	assert.Equal(t, "C", res.WinnerID)

	var st models.BattleVotingState
	require.NoError(t, h.db.Take(&st, "battle_id = ?", b.ID).Error)
	assert.Equal(t, models.BattleStatusCompleted, st.Status)
	assert.True(t, st.ProcessedEvents.Contains("old"))
	assert.True(t, st.ProcessedEvents.Contains("new"))
}

func TestConcurrentVotesFromBothParticipants(t *testing.T) {
	h := newHarness(t)
	b := h.votingBattle(t)

	ballots := []CastVoteInput{
		{EventID: "vote-c", BattleID: b.ID, VoterID: "C", Value: "clean"},
		{EventID: "vote-o", BattleID: b.ID, VoterID: "O", Value: "sketch"},
	}
	results := make([]*VoteResult, len(ballots))
	errs := make([]error, len(ballots))
	var wg sync.WaitGroup
	for i := range ballots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.battles.CastVote(context.Background(), ballots[i])
		}(i)
	}
	wg.Wait()

	completed := 0
	for i := range ballots {
		require.NoError(t, errs[i])
		assert.False(t, results[i].AlreadyProcessed)
		if results[i].BattleComplete {
			completed++
			assert.Equal(t, "O", results[i].WinnerID)
		}
	}
	assert.Equal(t, 1, completed)

	got := h.reloadBattle(t, b.ID)
	assert.Equal(t, models.BattleStatusCompleted, got.Status)
	require.NotNil(t, got.WinnerID)
	assert.Equal(t, "O", *got.WinnerID)

	var st models.BattleVotingState
	require.NoError(t, h.db.Take(&st, "battle_id = ?", b.ID).Error)
	assert.Len(t, st.Votes, 2)
	assert.Equal(t, 2, h.events.Count(analytics.BattleVoted))
	assert.Equal(t, 1, h.events.Count(analytics.BattleCompleted))
}
