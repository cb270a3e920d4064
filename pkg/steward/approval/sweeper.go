package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically marks lapsed pending actions as expired.
type Sweeper struct {
	queue  *Queue
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper creates a sweeper over the queue using its configured
// schedule.
func NewSweeper(queue *Queue, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		queue:  queue,
		cron:   cron.New(),
		logger: logger.With("component", "approval_sweeper"),
	}
}

// Start registers the sweep job and begins the schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.queue.cfg.SweepSchedule, func() {
		if _, err := s.queue.SweepExpired(ctx); err != nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("registering sweep schedule %q: %w", s.queue.cfg.SweepSchedule, err)
	}

	s.cron.Start()
	s.logger.Info("expiry sweeper started", "schedule", s.queue.cfg.SweepSchedule)
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("expiry sweeper stopped")
}
