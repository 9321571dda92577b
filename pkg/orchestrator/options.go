package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/security"
)

// Config holds worker configuration.
type Config struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration

	// LockLease is how long a claimed job stays locked without a heartbeat.
	LockLease         time.Duration
	HeartbeatInterval time.Duration
	// StaleLockInterval is how often expired job locks are released.
	StaleLockInterval time.Duration

	ProviderTimeout time.Duration

	// GateMax is the number of jobs per workspace and provider that may run
	// at once. GateTTL expires slots of crashed workers; the heartbeat
	// refreshes it for live ones.
	GateMax   int
	GateTTL   time.Duration
	GateRetry time.Duration

	// RetryBackoff is the delay before each retry of a transiently failing
	// job. Its length is the job's retry budget unless the job sets its own.
	RetryBackoff []time.Duration

	// SafetyMinConnectDelay is the floor between connection requests while
	// a workspace's safety mode is on.
	SafetyMinConnectDelay time.Duration

	StorageRetry RetryConfig
	DequeueRetry RetryConfig
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:           4,
		PollInterval:          time.Second,
		LockLease:             10 * time.Minute,
		HeartbeatInterval:     2 * time.Minute,
		StaleLockInterval:     time.Minute,
		ProviderTimeout:       90 * time.Second,
		GateMax:               1,
		GateTTL:               30 * time.Minute,
		GateRetry:             10 * time.Second,
		RetryBackoff:          []time.Duration{10 * time.Second, 30 * time.Second, 2 * time.Minute},
		SafetyMinConnectDelay: 60 * time.Second,
		StorageRetry:          DefaultRetryConfig(),
		DequeueRetry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
		},
	}
}

// WorkerOption configures a Worker.
type WorkerOption interface {
	applyWorker(*Worker)
}

type workerOptionFunc func(*Worker)

func (f workerOptionFunc) applyWorker(w *Worker) { f(w) }

// WithConfig replaces the worker configuration. Zero fields keep defaults.
func WithConfig(c Config) WorkerOption {
	return workerOptionFunc(func(w *Worker) {
		d := w.config
		if c.WorkerID != "" {
			d.WorkerID = c.WorkerID
		}
		if c.Concurrency > 0 {
			d.Concurrency = security.ClampConcurrency(c.Concurrency)
		}
		setDuration(&d.PollInterval, c.PollInterval)
		setDuration(&d.LockLease, c.LockLease)
		setDuration(&d.HeartbeatInterval, c.HeartbeatInterval)
		setDuration(&d.StaleLockInterval, c.StaleLockInterval)
		setDuration(&d.ProviderTimeout, c.ProviderTimeout)
		setDuration(&d.GateTTL, c.GateTTL)
		setDuration(&d.GateRetry, c.GateRetry)
		setDuration(&d.SafetyMinConnectDelay, c.SafetyMinConnectDelay)
		if c.GateMax > 0 {
			d.GateMax = c.GateMax
		}
		if len(c.RetryBackoff) > 0 {
			d.RetryBackoff = c.RetryBackoff
		}
		if c.StorageRetry.MaxAttempts > 0 {
			d.StorageRetry = c.StorageRetry
		}
		if c.DequeueRetry.MaxAttempts > 0 {
			d.DequeueRetry = c.DequeueRetry
		}
		w.config = d.normalize()
	})
}

// normalize keeps the heartbeat well inside the lock lease and the gate TTL,
// so neither lapses under a live job.
func (c Config) normalize() Config {
	if c.HeartbeatInterval > c.LockLease/3 {
		c.HeartbeatInterval = c.LockLease / 3
	}
	if c.GateTTL < 3*c.HeartbeatInterval {
		c.GateTTL = 3 * c.HeartbeatInterval
	}
	return c
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(l *zap.Logger) WorkerOption {
	return workerOptionFunc(func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) WorkerOption {
	return workerOptionFunc(func(w *Worker) { w.now = now })
}

// WithSleeper replaces the pacing sleep between items. The sleeper must
// return early with ctx's error when ctx ends.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) WorkerOption {
	return workerOptionFunc(func(w *Worker) { w.sleep = sleep })
}

// WithRandom replaces the source of pacing jitter, which must return values
// in [0, 1).
func WithRandom(r func() float64) WorkerOption {
	return workerOptionFunc(func(w *Worker) { w.random = r })
}
