// Package admission decides whether a user may perform one more automated
// action right now.
//
// CanAttempt has no side effects beyond a zero-delta ledger peek. A denial is
// a Decision, not an error; errors mean a dependency failed.
package admission

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/activehours"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/settings"
)

// Reason names why an attempt was denied.
type Reason string

const (
	ReasonDisabled           Reason = "disabled"
	ReasonOutsideActiveHours Reason = "outside_active_hours"
	ReasonCooldown           Reason = "cooldown_active"
	ReasonHourlyCap          Reason = "hourly_cap"
	ReasonDailyCap           Reason = "daily_cap"
	ReasonUserDailyCap       Reason = "user_daily_cap"
	ReasonWorkspaceDailyCap  Reason = "workspace_daily_cap"
)

// Code maps a denial reason to the error code stored on a requeued job.
func (r Reason) Code() string {
	switch r {
	case ReasonDisabled:
		return core.CodeAutomationDisabled
	case ReasonOutsideActiveHours:
		return core.CodeOutsideActiveHours
	case ReasonCooldown:
		return core.CodeCooldown
	case ReasonHourlyCap:
		return core.CodeThrottledHourly
	case ReasonDailyCap, ReasonUserDailyCap, ReasonWorkspaceDailyCap:
		return core.CodeThrottledDaily
	}
	return string(r)
}

// Retry intervals.
const (
	// OutsideHoursRetry caps how long a job waits for the window to open
	// before it is looked at again.
	OutsideHoursRetry = 15 * time.Minute
	minOutsideRetry   = time.Minute
)

// Request identifies the attempt being admitted.
type Request struct {
	WorkspaceID string
	UserID      string
	Kind        ledger.Kind
}

// Decision is the outcome of CanAttempt.
type Decision struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason,omitempty"`
	// RetryAfter is how long to wait before asking again. Zero for
	// ReasonDisabled, which is not retried automatically.
	RetryAfter time.Duration `json:"retry_after"`
	// Remaining is how many more actions of the requested kind fit under
	// the tightest applicable cap; Limit is that cap.
	Remaining int                     `json:"remaining"`
	Limit     int                     `json:"limit"`
	Settings  *core.WorkspaceSettings `json:"-"`
	Usage     ledger.Usage            `json:"usage"`
}

// ActionCounter counts a workspace's successful connect and message actions.
type ActionCounter interface {
	CountSuccessfulActions(ctx context.Context, workspaceID string, since time.Time) (int64, error)
}

// Controller evaluates admission checks.
type Controller struct {
	settings settings.Store
	ledger   ledger.Ledger
	counter  ActionCounter
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Controller.
type Option interface {
	apply(*Controller)
}

type optionFunc func(*Controller)

func (f optionFunc) apply(c *Controller) { f(c) }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Controller) { c.now = now })
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	})
}

// New creates a Controller.
func New(s settings.Store, l ledger.Ledger, counter ActionCounter, opts ...Option) *Controller {
	c := &Controller{
		settings: s,
		ledger:   l,
		counter:  counter,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o.apply(c)
	}
	c.logger = c.logger.With(zap.String("component", "admission"))
	return c
}

// CanAttempt runs the checks in order and stops at the first denial:
// automation enabled, active hours, cooldown, shared hourly and daily action
// caps, then per-user and per-workspace daily ceilings for req.Kind.
func (c *Controller) CanAttempt(ctx context.Context, req Request) (Decision, error) {
	s, err := c.settings.Get(ctx, req.WorkspaceID)
	if err != nil {
		return Decision{}, errors.Wrap(err, "load settings")
	}
	now := c.now().UTC()
	d := Decision{Settings: s}

	if !s.AutomationEnabled {
		return c.deny(d, req, ReasonDisabled, 0), nil
	}

	window := s.ActiveWindow()
	if !activehours.IsWithin(now, window) {
		return c.deny(d, req, ReasonOutsideActiveHours, OutsideHoursDelay(now, window)), nil
	}

	day := ledger.DayFor(now, s.Timezone)
	usage, err := c.ledger.Peek(ctx, req.UserID, req.WorkspaceID, day)
	if err != nil {
		return Decision{}, errors.Wrap(err, "peek ledger")
	}
	d.Usage = usage
	if usage.InCooldown(now) {
		return c.deny(d, req, ReasonCooldown, usage.User.CooldownUntil.Sub(now)), nil
	}

	remaining := -1
	limit := 0
	if req.Kind == ledger.KindConnect || req.Kind == ledger.KindMessage {
		hourStart := now.Truncate(time.Hour)
		hourly, err := c.counter.CountSuccessfulActions(ctx, req.WorkspaceID, hourStart)
		if err != nil {
			return Decision{}, errors.Wrap(err, "count hourly actions")
		}
		if int(hourly) >= s.MaxActionsPerHour {
			d.Limit = s.MaxActionsPerHour
			return c.deny(d, req, ReasonHourlyCap, hourStart.Add(time.Hour).Sub(now)), nil
		}

		dayStart, nextDay := ledger.DayBounds(now, s.Timezone)
		daily, err := c.counter.CountSuccessfulActions(ctx, req.WorkspaceID, dayStart)
		if err != nil {
			return Decision{}, errors.Wrap(err, "count daily actions")
		}
		if int(daily) >= s.MaxActionsPerDay {
			d.Limit = s.MaxActionsPerDay
			return c.deny(d, req, ReasonDailyCap, nextDay.Sub(now)), nil
		}
		remaining, limit = tighter(remaining, limit, s.MaxActionsPerHour-int(hourly), s.MaxActionsPerHour)
		remaining, limit = tighter(remaining, limit, s.MaxActionsPerDay-int(daily), s.MaxActionsPerDay)
	}

	userCap, wsCap := CapsFor(s, req.Kind)
	_, nextDay := ledger.DayBounds(now, s.Timezone)
	if used := usage.User.Get(req.Kind); used >= userCap {
		d.Limit = userCap
		return c.deny(d, req, ReasonUserDailyCap, nextDay.Sub(now)), nil
	}
	if used := usage.Workspace.Get(req.Kind); used >= wsCap {
		d.Limit = wsCap
		return c.deny(d, req, ReasonWorkspaceDailyCap, nextDay.Sub(now)), nil
	}
	remaining, limit = tighter(remaining, limit, userCap-usage.User.Get(req.Kind), userCap)
	remaining, limit = tighter(remaining, limit, wsCap-usage.Workspace.Get(req.Kind), wsCap)

	d.OK = true
	d.Remaining = remaining
	d.Limit = limit
	return d, nil
}

func (c *Controller) deny(d Decision, req Request, reason Reason, retry time.Duration) Decision {
	d.OK = false
	d.Reason = reason
	d.RetryAfter = retry
	c.logger.Debug("attempt denied",
		zap.String("workspace_id", req.WorkspaceID),
		zap.String("user_id", req.UserID),
		zap.String("reason", string(reason)),
		zap.Duration("retry_after", retry))
	return d
}

// tighter keeps whichever remaining count is smaller.
func tighter(remaining, limit, r, l int) (int, int) {
	if remaining < 0 || r < remaining {
		return r, l
	}
	return remaining, limit
}

// CapsFor returns the per-user and per-workspace daily caps for kind.
func CapsFor(s *core.WorkspaceSettings, kind ledger.Kind) (user, workspace int) {
	switch kind {
	case ledger.KindConnect:
		return s.UserDailyConnects, s.WorkspaceConnects
	case ledger.KindMessage:
		return s.UserDailyMessages, s.WorkspaceMessages
	case ledger.KindProfileVisit:
		return s.UserDailyVisits, s.WorkspaceVisits
	case ledger.KindJobPage:
		return s.UserDailyJobPages, s.WorkspaceJobPages
	}
	return 0, 0
}

// OutsideHoursDelay is how long a job outside its window waits: until the
// next opening, at least a minute and at most OutsideHoursRetry.
func OutsideHoursDelay(now time.Time, w activehours.Window) time.Duration {
	next, ok := activehours.NextOpening(now, w)
	if !ok {
		return OutsideHoursRetry
	}
	d := next.Sub(now)
	if d < minOutsideRetry {
		return minOutsideRetry
	}
	if d > OutsideHoursRetry {
		return OutsideHoursRetry
	}
	return d
}
