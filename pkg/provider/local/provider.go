package local

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/provider/linkedin"
)

const (
	loginURL   = "https://www.linkedin.com/login"
	cookieName = "li_at"
)

// Provider runs LinkedIn actions in a local Chrome.
type Provider struct {
	*linkedin.Runner

	driver *linkedin.Driver
	launch LaunchFunc
	auth   core.AuthStore
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*Browser // embedded logins by auth session id
}

// Option configures a Provider.
type Option interface {
	apply(*Provider)
}

type optionFunc func(*Provider)

func (f optionFunc) apply(p *Provider) { f(p) }

// WithDriver sets the page driver used for LinkedIn steps.
func WithDriver(d *linkedin.Driver) Option {
	return optionFunc(func(p *Provider) { p.driver = d })
}

// WithLogger sets the provider's logger.
func WithLogger(log *zap.Logger) Option {
	return optionFunc(func(p *Provider) {
		if log != nil {
			p.log = log.With(zap.String("component", "provider.local"))
		}
	})
}

// New creates a local Provider.
func New(launch LaunchFunc, auth core.AuthStore, opts ...Option) *Provider {
	p := &Provider{
		launch:  launch,
		auth:    auth,
		log:     zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]*Browser),
	}
	for _, o := range opts {
		o.apply(p)
	}
	p.Runner = linkedin.NewRunner(p.openSession, p.driver, p.log)
	return p
}

var _ provider.Provider = (*Provider)(nil)

// Kind returns core.ProviderLocal.
func (p *Provider) Kind() core.ProviderKind { return core.ProviderLocal }

// SessionCookie builds the li_at cookie for LinkedIn.
func SessionCookie(value string) *proto.NetworkCookieParam {
	return &proto.NetworkCookieParam{
		Name:     cookieName,
		Value:    value,
		Domain:   ".linkedin.com",
		Path:     "/",
		Secure:   true,
		HTTPOnly: true,
	}
}

// FindSessionCookie returns the li_at value among cookies.
func FindSessionCookie(cookies []*proto.NetworkCookie) string {
	for _, c := range cookies {
		if c.Name == cookieName && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

func (p *Provider) openSession(ctx context.Context, id provider.Identity) (linkedin.Session, error) {
	auth, err := p.auth.GetAuth(ctx, id.UserID, id.WorkspaceID)
	if err != nil {
		return nil, errors.Wrap(err, "load linkedin auth")
	}
	if auth == nil || auth.SessionCookie == "" || auth.Status != core.AuthOK {
		return nil, errors.Wrapf(core.ErrAuthRequired, "no usable linkedin cookie for user %s", id.UserID)
	}

	b, err := p.launch(ctx, true)
	if err != nil {
		return nil, err
	}
	if err := b.SetCookies([]*proto.NetworkCookieParam{SessionCookie(auth.SessionCookie)}); err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "set session cookie"), b.Stop())
	}
	s, err := linkedin.NewRodSession(b.Browser, func() error {
		if b.stop != nil {
			b.stop()
		}
		return nil
	})
	if err != nil {
		return nil, errors.CombineErrors(err, b.Stop())
	}
	return s, nil
}

// StartLinkedInAuth opens a visible browser on the login page. The browser
// stays open until CompleteLinkedInAuth collects its session cookie.
func (p *Provider) StartLinkedInAuth(ctx context.Context, id provider.Identity) (*provider.AuthStart, error) {
	b, err := p.launch(ctx, false)
	if err != nil {
		return nil, err
	}
	if _, err := b.Page(proto.TargetCreateTarget{URL: loginURL}); err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "open login page"), b.Stop())
	}

	as := &core.AuthSession{
		ID:          uuid.New().String(),
		UserID:      id.UserID,
		WorkspaceID: id.WorkspaceID,
		Provider:    core.ProviderLocal,
		Handle:      b.ControlURL,
		LiveViewURL: b.InspectURL(),
		Status:      core.AuthSessionActive,
	}
	if err := p.auth.CreateAuthSession(ctx, as); err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "record auth session"), b.Stop())
	}

	p.mu.Lock()
	p.pending[as.ID] = b
	p.mu.Unlock()

	p.log.Info("linkedin auth started",
		zap.String("user_id", id.UserID),
		zap.String("workspace_id", id.WorkspaceID),
		zap.String("auth_session_id", as.ID))
	return &provider.AuthStart{AuthSessionID: as.ID, LiveViewURL: as.LiveViewURL, SessionHandle: as.ID}, nil
}

// CompleteLinkedInAuth reads the li_at cookie from the login browser, stores
// it and closes the browser. It fails without side effects when the user has
// not finished signing in.
func (p *Provider) CompleteLinkedInAuth(ctx context.Context, id provider.Identity, authSessionID string) (*provider.AuthComplete, error) {
	as, err := provider.CheckAuthSession(ctx, p.auth, id, authSessionID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	b := p.pending[as.ID]
	p.mu.Unlock()
	if b == nil {
		if cerr := p.auth.CloseAuthSession(ctx, as.ID, core.AuthSessionAbandoned); cerr != nil {
			p.log.Warn("abandon auth session", zap.String("auth_session_id", as.ID), zap.Error(cerr))
		}
		return nil, core.NoRetry(errors.Wrap(core.ErrInvalidInput, "login browser is no longer running"))
	}

	cookies, err := b.GetCookies()
	if err != nil {
		return nil, errors.Wrap(err, "read cookies")
	}
	value := FindSessionCookie(cookies)
	if value == "" {
		return nil, core.NoRetry(errors.Wrap(core.ErrInvalidInput, "linkedin login not finished"))
	}

	now := p.now()
	if err := p.auth.SaveAuth(ctx, &core.LinkedInAuth{
		UserID:        id.UserID,
		WorkspaceID:   id.WorkspaceID,
		Provider:      core.ProviderLocal,
		SessionCookie: value,
		Status:        core.AuthOK,
		LastAuthAt:    &now,
	}); err != nil {
		return nil, errors.Wrap(err, "save linkedin auth")
	}
	if err := p.auth.CloseAuthSession(ctx, as.ID, core.AuthSessionCompleted); err != nil {
		return nil, errors.Wrap(err, "close auth session")
	}

	p.mu.Lock()
	delete(p.pending, as.ID)
	p.mu.Unlock()
	if err := b.Stop(); err != nil {
		p.log.Warn("close login browser", zap.String("auth_session_id", as.ID), zap.Error(err))
	}

	p.log.Info("linkedin auth completed",
		zap.String("user_id", id.UserID),
		zap.String("workspace_id", id.WorkspaceID))
	return &provider.AuthComplete{}, nil
}

// Close stops any login browsers still open.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for id, b := range p.pending {
		errs = errors.CombineErrors(errs, b.Stop())
		delete(p.pending, id)
	}
	return errs
}
