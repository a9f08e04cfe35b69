package forecast

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper is the job the scheduler runs.
type Sweeper interface {
	SweepDeadlines(ctx context.Context) (int, error)
}

// Scheduler runs SweepDeadlines on a cron schedule. Schedules take a
// leading seconds field ("0 * * * * *") or a descriptor ("@every 1m").
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *slog.Logger
	baseCtx context.Context
}

// NewScheduler registers the sweep under schedule. Jobs run with baseCtx, so
// cancelling it aborts an in-flight sweep.
func NewScheduler(baseCtx context.Context, sweeper Sweeper, schedule string, logger *slog.Logger) (*Scheduler, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		logger:  logger,
		baseCtx: baseCtx,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) run() {
	if _, err := s.sweeper.SweepDeadlines(s.baseCtx); err != nil {
		s.logger.Error("scheduled deadline sweep", "err", err)
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("deadline scheduler started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("deadline scheduler stopped")
}
