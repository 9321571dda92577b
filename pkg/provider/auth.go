package provider

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/sniper/pkg/core"
)

// AuthSessionGetter loads embedded auth sessions.
type AuthSessionGetter interface {
	GetAuthSession(ctx context.Context, id string) (*core.AuthSession, error)
}

// CheckAuthSession loads an active auth session and verifies it belongs to id.
func CheckAuthSession(ctx context.Context, store AuthSessionGetter, id Identity, authSessionID string) (*core.AuthSession, error) {
	as, err := store.GetAuthSession(ctx, authSessionID)
	if err != nil {
		return nil, errors.Wrap(err, "load auth session")
	}
	if as == nil || as.Status != core.AuthSessionActive {
		return nil, core.NoRetry(errors.Wrap(core.ErrInvalidInput, "auth session not active"))
	}
	if as.UserID != id.UserID || as.WorkspaceID != id.WorkspaceID {
		return nil, core.NoRetry(errors.Wrap(core.ErrInvalidInput, "auth session belongs to another user"))
	}
	return as, nil
}
