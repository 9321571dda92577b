package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/sniper/pkg/core"
)

// MemoryLedger is an in-process Ledger for single-node tools and tests.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[memoryKey]Counters
}

type memoryKey struct {
	user, workspace, day string
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[memoryKey]Counters)}
}

// Reserve adds r.Deltas to the user and workspace counters.
func (l *MemoryLedger) Reserve(_ context.Context, r Reservation) (Usage, error) {
	if r.UserID == "" || r.WorkspaceID == "" || r.Day == "" {
		return Usage{}, errors.Wrap(core.ErrInvalidInput, "reservation needs user, workspace and day")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	user := l.add(memoryKey{r.UserID, r.WorkspaceID, r.Day}, r.Deltas)
	if r.CooldownUntil != nil {
		c := r.CooldownUntil.UTC()
		user.CooldownUntil = &c
		l.rows[memoryKey{r.UserID, r.WorkspaceID, r.Day}] = user
	}
	ws := l.add(memoryKey{core.WorkspaceUserID, r.WorkspaceID, r.Day}, r.Deltas)

	now := time.Now()
	for k, c := range l.rows {
		if k.user == r.UserID && k.workspace == r.WorkspaceID && k.day < r.Day {
			user.CooldownUntil = laterCooldown(user.CooldownUntil, c.CooldownUntil, now)
		}
	}
	return Usage{Day: r.Day, User: user, Workspace: ws}, nil
}

// Peek returns the day's counters.
func (l *MemoryLedger) Peek(ctx context.Context, userID, workspaceID, day string) (Usage, error) {
	return l.Reserve(ctx, Reservation{UserID: userID, WorkspaceID: workspaceID, Day: day})
}

func (l *MemoryLedger) add(k memoryKey, d Deltas) Counters {
	c := l.rows[k]
	c.Connects += d.Connects
	c.Messages += d.Messages
	c.ProfileVisits += d.ProfileVisits
	c.JobPages += d.JobPages
	l.rows[k] = c
	return c
}
