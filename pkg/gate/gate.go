// Package gate bounds how many jobs of one workspace run at once.
//
// A slot is taken with Acquire and returned with Release. Slots carry a TTL
// so a crashed holder cannot wedge a workspace forever. Live holders keep
// the TTL from lapsing with Refresh.
package gate

import (
	"context"
	"sync"
	"time"
)

// Gate is a counting semaphore keyed by workspace and source.
type Gate interface {
	// Acquire takes a slot if fewer than max are held. It reports false,
	// without error, when the workspace is full.
	Acquire(ctx context.Context, workspaceID, source string, max int, ttl time.Duration) (bool, error)
	// Release returns a slot. Releasing an empty gate is a no-op.
	Release(ctx context.Context, workspaceID, source string) error
	// Refresh extends the TTL of a held counter. It does nothing when no
	// slot is held.
	Refresh(ctx context.Context, workspaceID, source string, ttl time.Duration) error
}

// Key returns the counter key for a workspace and source.
func Key(workspaceID, source string) string {
	return "sniper:gate:" + workspaceID + ":" + source
}

// LocalGate is an in-process Gate for single-node deployments and tests.
type LocalGate struct {
	mu    sync.Mutex
	slots map[string]*localSlot
	now   func() time.Time
}

type localSlot struct {
	held    int
	expires time.Time
}

var _ Gate = (*LocalGate)(nil)

// NewLocalGate creates an in-process gate.
func NewLocalGate() *LocalGate {
	return &LocalGate{slots: make(map[string]*localSlot), now: time.Now}
}

// Acquire takes a slot if fewer than max are held.
func (g *LocalGate) Acquire(_ context.Context, workspaceID, source string, max int, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := Key(workspaceID, source)
	s := g.slots[key]
	if s == nil || (!s.expires.IsZero() && now.After(s.expires)) {
		s = &localSlot{}
		g.slots[key] = s
	}
	if ttl > 0 {
		s.expires = now.Add(ttl)
	}
	if s.held >= max {
		return false, nil
	}
	s.held++
	return true, nil
}

// Release returns a slot, never going below zero.
func (g *LocalGate) Release(_ context.Context, workspaceID, source string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s := g.slots[Key(workspaceID, source)]; s != nil && s.held > 0 {
		s.held--
	}
	return nil
}

// Refresh pushes the expiry of held slots out to ttl from now.
func (g *LocalGate) Refresh(_ context.Context, workspaceID, source string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.slots[Key(workspaceID, source)]
	if s == nil || s.held == 0 || ttl <= 0 {
		return nil
	}
	if now := g.now(); s.expires.IsZero() || !now.After(s.expires) {
		s.expires = now.Add(ttl)
	}
	return nil
}

// Held returns the number of slots currently held.
func (g *LocalGate) Held(workspaceID, source string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.slots[Key(workspaceID, source)]; s != nil {
		return s.held
	}
	return 0
}
