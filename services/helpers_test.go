package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"skate-duel-system/analytics"
	"skate-duel-system/models"
	"skate-duel-system/notify"
	"skate-duel-system/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	db       *gorm.DB
	clock    *testClock
	events   *analytics.Recorder
	deps     Deps
	duels    *DuelService
	battles  *BattleService
	presence *PresenceService
}

// newHarness opens a private in-memory SQLite database. A single connection
// serialises transactions the way row locks do in Postgres.
func newHarness(t *testing.T) *harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))

	h := &harness{
		db:     db,
		clock:  &testClock{now: t0},
		events: &analytics.Recorder{},
	}
	h.deps = Deps{
		Store:     store.New(db),
		Logger:    zap.NewNop(),
		Analytics: h.events,
		Clock:     h.clock.Now,
		Settings:  DefaultSettings(),
	}
	h.duels = NewDuelService(h.deps)
	h.battles = NewBattleService(h.deps)
	h.presence = NewPresenceService(h.deps)
	return h
}

// activeContest creates a contest between A and B and has B accept it.
func (h *harness) activeContest(t *testing.T) *models.Contest {
	t.Helper()
	ctx := context.Background()
	c, err := h.duels.CreateContest(ctx, CreateContestInput{ChallengerID: "A", OpponentID: "B"})
	require.NoError(t, err)
	_, err = h.duels.AcceptContest(ctx, c.ID, "B", "")
	require.NoError(t, err)
	return h.reloadContest(t, c.ID)
}

func (h *harness) reloadContest(t *testing.T, id string) *models.Contest {
	t.Helper()
	var c models.Contest
	require.NoError(t, h.db.Take(&c, "id = ?", id).Error)
	return &c
}

func (h *harness) reloadBattle(t *testing.T, id string) *models.Battle {
	t.Helper()
	var b models.Battle
	require.NoError(t, h.db.Take(&b, "id = ?", id).Error)
	return &b
}

// submit is a SubmitMove shortcut.
func (h *harness) submit(t *testing.T, contestID, playerID, trick string) *DuelResult {
	t.Helper()
	res, err := h.duels.SubmitMove(context.Background(), SubmitMoveInput{
		ContestID:        contestID,
		PlayerID:         playerID,
		TrickDescription: trick,
		MediaRef:         "clips/" + playerID + ".mp4",
		DurationMs:       4200,
	})
	require.NoError(t, err)
	return res
}

// votingBattle creates a battle by C that O has joined.
func (h *harness) votingBattle(t *testing.T) *models.Battle {
	t.Helper()
	ctx := context.Background()
	b, err := h.battles.CreateBattle(ctx, CreateBattleInput{CreatorID: "C"})
	require.NoError(t, err)
	joined, err := h.battles.JoinBattle(ctx, JoinBattleInput{BattleID: b.ID, OpponentID: "O"})
	require.NoError(t, err)
	return joined
}

type captureDispatcher struct {
	mu    sync.Mutex
	batch []notify.Notification
}

func (d *captureDispatcher) Dispatch(_ context.Context, batch []notify.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batch = append(d.batch, batch...)
}

func (d *captureDispatcher) all() []notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Notification(nil), d.batch...)
}

type fakeMedia struct {
	present map[string]bool
	err     error
}

func (f fakeMedia) Exists(_ context.Context, ref string) (bool, error) {
	return f.present[ref], f.err
}
