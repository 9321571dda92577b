package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/core"
)

// DefaultCron runs a target once a day at 09:00 UTC.
const DefaultCron = "0 9 * * *"

// DefaultInterval is how often the scheduler looks for due targets.
const DefaultInterval = time.Minute

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule computes the next activation time after from.
type Schedule interface {
	Next(from time.Time) time.Time
}

// Parse parses a cron expression. Errors wrap core.ErrInvalidInput.
func Parse(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(core.ErrInvalidInput, "invalid cron expression %q: %v", expr, err)
	}
	return s, nil
}

// Every returns a schedule firing at a fixed interval.
func Every(d time.Duration) Schedule {
	return cron.Every(d)
}

// TargetSource lists targets and their run history.
type TargetSource interface {
	ListActiveTargets(ctx context.Context) ([]*core.Target, error)
	HasOpenJob(ctx context.Context, targetID string) (bool, error)
	LatestTargetJob(ctx context.Context, targetID string) (*core.Job, error)
}

// Runner enqueues a target's discovery run.
type Runner interface {
	RunTarget(ctx context.Context, targetID string) (*core.Job, error)
}

// Option configures a Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithDefaultCron sets the schedule of targets that have none.
func WithDefaultCron(s Schedule) Option {
	return optionFunc(func(sc *Scheduler) {
		if s != nil {
			sc.fallback = s
		}
	})
}

// WithInterval sets how often due targets are checked.
func WithInterval(d time.Duration) Option {
	return optionFunc(func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(s *Scheduler) { s.now = now })
}

// Scheduler enqueues discovery runs of active targets when they come due.
type Scheduler struct {
	source   TargetSource
	runner   Runner
	fallback Schedule
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time
	parsed  map[string]Schedule
}

// New creates a Scheduler.
func New(source TargetSource, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:   source,
		runner:   runner,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
		now:      time.Now,
		lastRun:  make(map[string]time.Time),
		parsed:   make(map[string]Schedule),
	}
	for _, o := range opts {
		o.apply(s)
	}
	if s.fallback == nil {
		s.fallback, _ = Parse(DefaultCron)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s
}

// Start checks for due targets every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("schedule targets", zap.Error(err))
			}
		}
	}
}

// Tick enqueues a run for every due target and returns how many it started.
// A target is due when its schedule's next activation after its last run has
// passed. Targets with an unfinished job are skipped until it finishes.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	targets, err := s.source.ListActiveTargets(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list active targets")
	}
	now := s.now()
	started := 0
	for _, t := range targets {
		ok, err := s.runIfDue(ctx, t, now)
		if err != nil {
			s.logger.Error("run target",
				zap.String("target_id", t.ID),
				zap.String("workspace_id", t.WorkspaceID),
				zap.Error(err))
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

func (s *Scheduler) runIfDue(ctx context.Context, t *core.Target, now time.Time) (bool, error) {
	sched, err := s.scheduleFor(t)
	if err != nil {
		return false, err
	}
	last, err := s.lastRunOf(ctx, t)
	if err != nil {
		return false, err
	}
	if sched.Next(last).After(now) {
		return false, nil
	}

	open, err := s.source.HasOpenJob(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if open {
		s.logger.Debug("target still running, skipped", zap.String("target_id", t.ID))
		return false, nil
	}
	job, err := s.runner.RunTarget(ctx, t.ID)
	if errors.Is(err, core.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.lastRun[t.ID] = now
	s.mu.Unlock()
	s.logger.Info("target run enqueued",
		zap.String("target_id", t.ID),
		zap.String("workspace_id", t.WorkspaceID),
		zap.String("job_id", job.ID))
	return true, nil
}

// lastRunOf returns when the target last ran: the run this scheduler
// started, else its latest job, else its creation.
func (s *Scheduler) lastRunOf(ctx context.Context, t *core.Target) (time.Time, error) {
	s.mu.Lock()
	last, ok := s.lastRun[t.ID]
	s.mu.Unlock()
	if ok {
		return last, nil
	}
	job, err := s.source.LatestTargetJob(ctx, t.ID)
	if err != nil {
		return time.Time{}, err
	}
	if job != nil {
		return job.CreatedAt, nil
	}
	return t.CreatedAt, nil
}

func (s *Scheduler) scheduleFor(t *core.Target) (Schedule, error) {
	expr := t.Settings.Data().Cron
	if expr == "" {
		return s.fallback, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.parsed[expr]; ok {
		return sched, nil
	}
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	s.parsed[expr] = sched
	return sched, nil
}
