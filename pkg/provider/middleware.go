package provider

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/core"
)

// DefaultCallTimeout bounds a single provider call.
const DefaultCallTimeout = 90 * time.Second

// AuthStatusSetter records a user's LinkedIn auth status.
type AuthStatusSetter interface {
	SetAuthStatus(ctx context.Context, userID, workspaceID string, status core.AuthStatus) error
}

// WithAuthTracking wraps p so that an auth-required failure flips the user's
// auth status to needs_reauth, or checkpointed for a security checkpoint,
// before the error is returned.
func WithAuthTracking(p Provider, store AuthStatusSetter, log *zap.Logger) Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &authTracking{next: p, store: store, log: log.With(zap.String("component", "provider"))}
}

type authTracking struct {
	next  Provider
	store AuthStatusSetter
	log   *zap.Logger
}

func (a *authTracking) track(ctx context.Context, id Identity, err error) error {
	if err == nil || !core.IsAuthRequired(err) {
		return err
	}
	status := core.AuthNeedsReauth
	var are *core.AuthRequiredError
	if errors.As(err, &are) && are.Checkpoint {
		status = core.AuthCheckpointed
	}
	// The original context may already be expired by the provider timeout.
	flipCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := a.store.SetAuthStatus(flipCtx, id.UserID, id.WorkspaceID, status); serr != nil {
		a.log.Error("record auth status",
			zap.String("user_id", id.UserID),
			zap.String("workspace_id", id.WorkspaceID),
			zap.Error(serr))
	}
	a.log.Warn("linkedin auth required",
		zap.String("user_id", id.UserID),
		zap.String("workspace_id", id.WorkspaceID),
		zap.String("status", string(status)))
	return err
}

func (a *authTracking) Kind() core.ProviderKind { return a.next.Kind() }

func (a *authTracking) StartLinkedInAuth(ctx context.Context, id Identity) (*AuthStart, error) {
	return a.next.StartLinkedInAuth(ctx, id)
}

func (a *authTracking) CompleteLinkedInAuth(ctx context.Context, id Identity, authSessionID string) (*AuthComplete, error) {
	return a.next.CompleteLinkedInAuth(ctx, id, authSessionID)
}

func (a *authTracking) DiscoverPostEngagers(ctx context.Context, id Identity, postURL string, limit int) ([]Engager, error) {
	out, err := a.next.DiscoverPostEngagers(ctx, id, postURL, limit)
	return out, a.track(ctx, id, err)
}

func (a *authTracking) SearchPeople(ctx context.Context, id Identity, searchURL string, limit int) ([]Engager, error) {
	out, err := a.next.SearchPeople(ctx, id, searchURL, limit)
	return out, a.track(ctx, id, err)
}

func (a *authTracking) SendConnectionRequest(ctx context.Context, id Identity, profileURL, note string) (ConnectResult, error) {
	res, err := a.next.SendConnectionRequest(ctx, id, profileURL, note)
	return res, a.track(ctx, id, err)
}

func (a *authTracking) SendMessage(ctx context.Context, id Identity, profileURL, text string) (MessageResult, error) {
	res, err := a.next.SendMessage(ctx, id, profileURL, text)
	return res, a.track(ctx, id, err)
}

// WithTimeout wraps p so every call runs under its own deadline.
// Non-positive d uses DefaultCallTimeout.
func WithTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	return &timeout{next: p, d: d}
}

type timeout struct {
	next Provider
	d    time.Duration
}

func (t *timeout) Kind() core.ProviderKind { return t.next.Kind() }

func (t *timeout) StartLinkedInAuth(ctx context.Context, id Identity) (*AuthStart, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.StartLinkedInAuth(ctx, id)
}

func (t *timeout) CompleteLinkedInAuth(ctx context.Context, id Identity, authSessionID string) (*AuthComplete, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.CompleteLinkedInAuth(ctx, id, authSessionID)
}

func (t *timeout) DiscoverPostEngagers(ctx context.Context, id Identity, postURL string, limit int) ([]Engager, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.DiscoverPostEngagers(ctx, id, postURL, limit)
}

func (t *timeout) SearchPeople(ctx context.Context, id Identity, searchURL string, limit int) ([]Engager, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.SearchPeople(ctx, id, searchURL, limit)
}

func (t *timeout) SendConnectionRequest(ctx context.Context, id Identity, profileURL, note string) (ConnectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.SendConnectionRequest(ctx, id, profileURL, note)
}

func (t *timeout) SendMessage(ctx context.Context, id Identity, profileURL, text string) (MessageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.SendMessage(ctx, id, profileURL, text)
}
