// Package notify delivers the one notification a job produces when it
// finishes or stops for re-authentication.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/core"
)

// DefaultChannel is the Redis channel finished jobs are published on.
const DefaultChannel = "sniper:jobs:finished"

// deliveryTimeout bounds one notifier call.
const deliveryTimeout = 10 * time.Second

// Notifier delivers a finished-job notification.
type Notifier interface {
	Notify(ctx context.Context, ev *core.JobFinished) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev *core.JobFinished) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev *core.JobFinished) error { return f(ctx, ev) }

// ──────────────────────────────────────────────────────────────────────────────
// Log
// ──────────────────────────────────────────────────────────────────────────────

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(l *zap.Logger) *LogNotifier {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogNotifier{logger: l.With(zap.String("component", "notify"))}
}

// Notify logs ev.
func (n *LogNotifier) Notify(_ context.Context, ev *core.JobFinished) error {
	fields := []zap.Field{
		zap.String("job_id", ev.JobID),
		zap.String("workspace_id", ev.WorkspaceID),
		zap.String("user_id", ev.CreatedBy),
		zap.String("type", string(ev.JobType)),
		zap.String("status", string(ev.Status)),
		zap.Int("success", ev.Success),
		zap.Int("failed", ev.Failed),
		zap.Int("skipped", ev.Skipped),
		zap.Duration("duration", ev.Duration),
	}
	if ev.AuthRequired {
		n.logger.Warn("job stopped: linkedin auth required", fields...)
		return nil
	}
	n.logger.Info("job finished", fields...)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Redis
// ──────────────────────────────────────────────────────────────────────────────

// RedisNotifier publishes notifications as JSON on a Redis channel, for the
// dashboard and mailers to pick up.
type RedisNotifier struct {
	rdb     goredis.UniversalClient
	channel string
}

// NewRedisNotifier creates a RedisNotifier. An empty channel uses
// DefaultChannel.
func NewRedisNotifier(rdb goredis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

// Channel returns the channel notifications are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

// Notify publishes ev.
func (n *RedisNotifier) Notify(ctx context.Context, ev *core.JobFinished) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		return errors.Wrapf(err, "publish job %s", ev.JobID)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Fan-out
// ──────────────────────────────────────────────────────────────────────────────

// Multi delivers to every notifier, attempting all of them and joining their
// errors.
type Multi []Notifier

// Notify calls each notifier in order.
func (m Multi) Notify(ctx context.Context, ev *core.JobFinished) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hook adapts n to the queue's finished-job callback. Delivery runs detached
// from the caller's cancellation with its own timeout, and failures are
// logged since the job outcome is already stored.
func Hook(n Notifier, l *zap.Logger) func(context.Context, *core.JobFinished) {
	if l == nil {
		l = zap.NewNop()
	}
	l = l.With(zap.String("component", "notify"))
	return func(ctx context.Context, ev *core.JobFinished) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		if err := n.Notify(ctx, ev); err != nil {
			l.Error("deliver notification", zap.String("job_id", ev.JobID), zap.Error(err))
		}
	}
}
