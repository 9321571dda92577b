// Package ledger keeps per-day action counters for users and workspaces.
//
// Every mutation goes through Reserve, which adds deltas to the user row and
// the workspace row in one transaction and returns the counters after the
// write. Reserve never rejects: callers compare the returned counters with
// their caps. Counters only grow.
package ledger

import (
	"context"
	"time"

	"github.com/jdziat/sniper/pkg/activehours"
	"github.com/jdziat/sniper/pkg/core"
)

// Kind is a metered action kind.
type Kind string

const (
	KindConnect      Kind = "connect"
	KindMessage      Kind = "message"
	KindProfileVisit Kind = "profile_visit"
	KindJobPage      Kind = "job_page"
)

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindConnect, KindMessage, KindProfileVisit, KindJobPage:
		return k, true
	}
	return "", false
}

// KindFor maps an item action to the kind charged when the action is sent.
func KindFor(action core.ActionType) Kind {
	switch action {
	case core.ActionConnect:
		return KindConnect
	case core.ActionMessage:
		return KindMessage
	default:
		return KindProfileVisit
	}
}

// Deltas are the amounts added by one reservation.
type Deltas struct {
	Connects      int
	Messages      int
	ProfileVisits int
	JobPages      int
}

// Delta returns Deltas with n charged to kind.
func Delta(kind Kind, n int) Deltas {
	var d Deltas
	switch kind {
	case KindConnect:
		d.Connects = n
	case KindMessage:
		d.Messages = n
	case KindProfileVisit:
		d.ProfileVisits = n
	case KindJobPage:
		d.JobPages = n
	}
	return d
}

// IsZero reports whether the deltas change nothing.
func (d Deltas) IsZero() bool {
	return d == Deltas{}
}

// Reservation asks the ledger to add Deltas to a day's counters.
type Reservation struct {
	UserID      string
	WorkspaceID string
	// Day is the workspace-local calendar day, see DayFor.
	Day    string
	Deltas Deltas
	// CooldownUntil, when set, replaces the user's cooldown.
	CooldownUntil *time.Time
}

// Counters is one ledger row after a reservation.
type Counters struct {
	Connects      int        `json:"connects"`
	Messages      int        `json:"messages"`
	ProfileVisits int        `json:"profile_visits"`
	JobPages      int        `json:"job_pages"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Get returns the counter for kind.
func (c Counters) Get(kind Kind) int {
	switch kind {
	case KindConnect:
		return c.Connects
	case KindMessage:
		return c.Messages
	case KindProfileVisit:
		return c.ProfileVisits
	case KindJobPage:
		return c.JobPages
	}
	return 0
}

// Usage holds the user-scoped and workspace-scoped counters of one day.
type Usage struct {
	Day       string   `json:"day"`
	User      Counters `json:"user"`
	Workspace Counters `json:"workspace"`
}

// InCooldown reports whether the user is cooling down at now. A cooldown
// recorded on an earlier day still counts until it ends.
func (u Usage) InCooldown(now time.Time) bool {
	return u.User.CooldownUntil != nil && u.User.CooldownUntil.After(now)
}

// laterCooldown returns carried when it is still running at now and ends
// after current; otherwise current.
func laterCooldown(current, carried *time.Time, now time.Time) *time.Time {
	if carried == nil || !carried.After(now) {
		return current
	}
	if current != nil && !carried.After(*current) {
		return current
	}
	t := carried.UTC()
	return &t
}

// Ledger records usage.
type Ledger interface {
	// Reserve adds r.Deltas to the user and workspace rows for r.Day,
	// creating them if needed, and returns both rows.
	Reserve(ctx context.Context, r Reservation) (Usage, error)
	// Peek returns the day's counters without changing them.
	Peek(ctx context.Context, userID, workspaceID, day string) (Usage, error)
}

const dayLayout = "2006-01-02"

// DayFor returns the calendar day of now in timezone tz as YYYY-MM-DD.
// An unknown timezone falls back to UTC.
func DayFor(now time.Time, tz string) string {
	return now.In(location(tz)).Format(dayLayout)
}

// DayBounds returns the local midnight starting now's day in tz and the one
// after it.
func DayBounds(now time.Time, tz string) (time.Time, time.Time) {
	local := now.In(location(tz))
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return start, start.AddDate(0, 0, 1)
}

func location(tz string) *time.Location {
	loc, err := activehours.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
