package lifecycle

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// scheduleParser accepts standard 5-field expressions and descriptors such
// as "@every 30s".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Reconciler is the operation run on each tick.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Scheduler runs reconciliation on a cron schedule. Overlapping ticks are
// skipped.
type Scheduler struct {
	schedule cron.Schedule
	spec     string
	r        Reconciler
	logger   *zap.Logger
}

// NewScheduler parses spec and returns a Scheduler for r.
func NewScheduler(spec string, r Reconciler, logger *zap.Logger) (*Scheduler, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: reconcile schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{schedule: sched, spec: spec, r: r, logger: logger}, nil
}

// Run blocks until ctx is cancelled, then waits for a running tick.
func (s *Scheduler) Run(ctx context.Context) {
	cl := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))
	c.Start()
	s.logger.Info("reconcile scheduler started", zap.String("schedule", s.spec))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("reconcile scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.r.Reconcile(ctx)
	if err != nil {
		s.logger.Error("scheduled reconcile failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("scheduled reconcile stopped dead nodes", zap.Int("count", n))
	}
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
