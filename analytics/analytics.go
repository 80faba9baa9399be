// Package analytics emits fire-and-forget product events. Emitters are called
// only after the transaction that produced the event has committed; a lost
// event never affects game state.
package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	ContestCreated   = "contest_created"
	ContestStarted   = "contest_started"
	MoveSubmitted    = "move_submitted"
	MoveJudged       = "move_judged"
	SetterBailed     = "setter_bailed"
	ContestCompleted = "contest_completed"
	TurnTimedOut     = "turn_timed_out"
	BattleCreated    = "battle_created"
	BattleJoined     = "battle_joined"
	BattleVoted      = "battle_voted"
	BattleCompleted  = "battle_completed"
	PlayerForfeited  = "player_forfeited"
)

// Props are the event's properties.
type Props map[string]any

// Emitter sends events somewhere. Implementations must not block the caller
// for long and must not return errors to it.
type Emitter interface {
	Emit(ctx context.Context, name string, props Props)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(context.Context, string, Props) {}

// ZapEmitter writes events as structured log lines, to be shipped by the log
// pipeline.
type ZapEmitter struct {
	log *zap.Logger
}

func NewZapEmitter(log *zap.Logger) *ZapEmitter {
	return &ZapEmitter{log: log.Named("analytics")}
}

func (e *ZapEmitter) Emit(_ context.Context, name string, props Props) {
	fields := make([]zap.Field, 0, len(props)+1)
	fields = append(fields, zap.String("event", name))
	for k, v := range props {
		fields = append(fields, zap.Any(k, v))
	}
	e.log.Info("analytics event", fields...)
}

// Event is one recorded emission.
type Event struct {
	Name  string
	Props Props
	At    time.Time
}

// Recorder keeps events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, name string, props Props) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Props: props, At: time.Now()})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}
	return names
}

// Count returns how many events named name were recorded.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
