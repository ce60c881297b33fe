// Package scheduler wires the six background jobs to their cron cadences
// on a single UTC-anchored cron runner that starts with the process and
// stops cooperatively with it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Jobs groups the callables the scheduler dispatches. Each is run with a
// fresh context.Background(), not one derived from the context passed to
// Start, and errors are logged, never fatal to the process.
type Jobs struct {
	Accrual           func(ctx context.Context) error
	DelinquencyReview func(ctx context.Context) error
	BreakerFeed       func(ctx context.Context) error
	Reconciliation    func(ctx context.Context) error
	DailyReport       func(ctx context.Context) error
	Settlement        func(ctx context.Context) error
}

// Cadences for the six jobs, all in UTC.
const (
	cadenceAccrual           = "5 * * * *"
	cadenceDelinquencyReview = "0 1 * * *"
	cadenceBreakerFeed       = "30 1 * * *"
	cadenceReconciliation    = "0 2 * * *"
	cadenceDailyReport       = "30 2 * * *"
	cadenceSettlement        = "0 3 * * *"
)

// Scheduler owns the cron runner and the job set.
type Scheduler struct {
	cron *cron.Cron
	jobs Jobs
	log  *slog.Logger
}

// New constructs a Scheduler with a UTC-anchored cron runner and registers
// every non-nil job at its cadence.
func New(jobs Jobs, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	c := cron.New(cron.WithLocation(time.UTC))
	s := &Scheduler{cron: c, jobs: jobs, log: log}

	entries := []struct {
		cadence string
		name    string
		fn      func(ctx context.Context) error
	}{
		{cadenceAccrual, "accrual", jobs.Accrual},
		{cadenceDelinquencyReview, "delinquency_review", jobs.DelinquencyReview},
		{cadenceBreakerFeed, "breaker_feed", jobs.BreakerFeed},
		{cadenceReconciliation, "reconciliation", jobs.Reconciliation},
		{cadenceDailyReport, "daily_report", jobs.DailyReport},
		{cadenceSettlement, "settlement", jobs.Settlement},
	}
	for _, e := range entries {
		if e.fn == nil {
			continue
		}
		if _, err := c.AddFunc(e.cadence, s.run(e.name, e.fn)); err != nil {
			return nil, fmt.Errorf("scheduler: register %s: %w", e.name, err)
		}
	}
	return s, nil
}

// run wraps a job with a name for logging; failures are logged and do not
// stop the cron runner or affect other jobs.
func (s *Scheduler) run(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx := context.Background()
		if err := fn(ctx); err != nil {
			s.log.ErrorContext(ctx, "scheduler: job failed", slog.String("job", name), slog.String("err", err.Error()))
			return
		}
		s.log.InfoContext(ctx, "scheduler: job completed", slog.String("job", name))
	}
}

// Start begins the cron runner and blocks until ctx is cancelled, then stops
// the runner and waits for any in-flight job to finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
