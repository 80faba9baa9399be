// services/scheduler.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler runs the reconciler on a fixed interval, independent of any
// contest's own deadline.
type Scheduler struct {
	sched      gocron.Scheduler
	reconciler *Reconciler
	interval   time.Duration
	log        *zap.Logger
}

func NewScheduler(reconciler *Reconciler, interval time.Duration, log *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		sched:      sched,
		reconciler: reconciler,
		interval:   interval,
		log:        log.Named("scheduler"),
	}, nil
}

// Start registers the sweep job and starts the scheduler. The first sweep runs
// immediately. A sweep that is still running when the next tick fires is not
// doubled up: gocron reschedules, and RunOnce itself refuses to overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			rep := s.reconciler.RunOnce(ctx)
			if rep.Skipped {
				s.log.Debug("sweep skipped, previous run still active")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithName("reconcile-deadlines"),
	)
	if err != nil {
		return fmt.Errorf("register reconcile job: %w", err)
	}
	s.sched.Start()
	s.log.Info("reconcile scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Shutdown stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
