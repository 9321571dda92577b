package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/provider/linkedin"
	"github.com/jdziat/sniper/pkg/security"
)

const (
	loginURL       = "https://www.linkedin.com/login"
	sessionTimeout = 30 * time.Minute
)

// Dialer connects to a browser's CDP websocket.
type Dialer func(ctx context.Context, cdpURL string, header http.Header) (*rod.Browser, error)

// DialCDP is the default Dialer.
func DialCDP(ctx context.Context, cdpURL string, header http.Header) (*rod.Browser, error) {
	client, err := cdp.StartWithURL(ctx, cdpURL, header)
	if err != nil {
		return nil, errors.Wrap(err, "connect cdp")
	}
	b := rod.New().Client(client)
	if err := b.Connect(); err != nil {
		return nil, errors.Wrap(err, "attach browser")
	}
	return b, nil
}

// Provider runs LinkedIn actions in the managed browser service.
type Provider struct {
	*linkedin.Runner

	driver *linkedin.Driver
	client *Client
	auth   core.AuthStore
	dial   Dialer
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Provider.
type Option interface {
	apply(*Provider)
}

type optionFunc func(*Provider)

func (f optionFunc) apply(p *Provider) { f(p) }

// WithDialer replaces the CDP dialer.
func WithDialer(d Dialer) Option {
	return optionFunc(func(p *Provider) { p.dial = d })
}

// WithDriver sets the page driver used for LinkedIn steps.
func WithDriver(d *linkedin.Driver) Option {
	return optionFunc(func(p *Provider) { p.driver = d })
}

// WithLogger sets the provider's logger.
func WithLogger(log *zap.Logger) Option {
	return optionFunc(func(p *Provider) {
		if log != nil {
			p.log = log.With(zap.String("component", "provider.remote"))
		}
	})
}

// New creates a remote Provider.
func New(client *Client, auth core.AuthStore, opts ...Option) *Provider {
	p := &Provider{
		client: client,
		auth:   auth,
		dial:   DialCDP,
		log:    zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o.apply(p)
	}
	p.Runner = linkedin.NewRunner(p.openSession, p.driver, p.log)
	return p
}

var _ provider.Provider = (*Provider)(nil)

// Kind returns core.ProviderRemote.
func (p *Provider) Kind() core.ProviderKind { return core.ProviderRemote }

// openSession starts a browser on the user's saved profile and attaches to it.
// The hosted session is terminated when the returned Session closes.
func (p *Provider) openSession(ctx context.Context, id provider.Identity) (linkedin.Session, error) {
	auth, err := p.auth.GetAuth(ctx, id.UserID, id.WorkspaceID)
	if err != nil {
		return nil, errors.Wrap(err, "load linkedin auth")
	}
	if auth == nil || auth.BrowserProfileID == "" || auth.Status != core.AuthOK {
		return nil, errors.Wrapf(core.ErrAuthRequired, "no usable linkedin profile for user %s", id.UserID)
	}

	sess, err := p.client.CreateSession(ctx, auth.BrowserProfileID, sessionTimeout)
	if err != nil {
		return nil, err
	}
	terminate := func() error {
		tctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return p.client.Terminate(tctx, sess.ID)
	}
	if sess.CDPURL == "" {
		return nil, errors.CombineErrors(errors.New("browser session has no cdp url"), terminate())
	}

	browser, err := p.dial(ctx, sess.CDPURL, p.client.authHeader())
	if err != nil {
		return nil, errors.CombineErrors(err, terminate())
	}
	s, err := linkedin.NewRodSession(browser, terminate)
	if err != nil {
		return nil, errors.CombineErrors(err, errors.CombineErrors(browser.Close(), terminate()))
	}
	p.log.Debug("browser session opened",
		zap.String("user_id", id.UserID),
		zap.String("session_id", sess.ID))
	return s, nil
}

// StartLinkedInAuth opens a fresh session on the LinkedIn login page and
// returns its live view for the user to sign in. The browser state is saved
// under the user's profile name when the session ends.
func (p *Provider) StartLinkedInAuth(ctx context.Context, id provider.Identity) (*provider.AuthStart, error) {
	profile := security.ProfileName(id.WorkspaceID, id.UserID)

	sess, err := p.client.CreateSession(ctx, "", sessionTimeout)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*provider.AuthStart, error) {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return nil, errors.CombineErrors(err, p.client.Terminate(tctx, sess.ID))
	}

	if err := p.client.SaveProfileOnTermination(ctx, sess.ID, profile); err != nil {
		return fail(err)
	}
	windowID, err := p.client.CreateWindow(ctx, sess.ID, loginURL)
	if err != nil {
		return fail(err)
	}
	liveURL, err := p.client.LiveViewURL(ctx, sess.ID, windowID)
	if err != nil {
		return fail(err)
	}

	as := &core.AuthSession{
		ID:          uuid.New().String(),
		UserID:      id.UserID,
		WorkspaceID: id.WorkspaceID,
		Provider:    core.ProviderRemote,
		Handle:      sess.ID,
		WindowID:    windowID,
		ProfileID:   profile,
		LiveViewURL: liveURL,
		Status:      core.AuthSessionActive,
	}
	if err := p.auth.CreateAuthSession(ctx, as); err != nil {
		return fail(errors.Wrap(err, "record auth session"))
	}

	p.log.Info("linkedin auth started",
		zap.String("user_id", id.UserID),
		zap.String("workspace_id", id.WorkspaceID),
		zap.String("auth_session_id", as.ID))
	return &provider.AuthStart{AuthSessionID: as.ID, LiveViewURL: liveURL, SessionHandle: sess.ID}, nil
}

// CompleteLinkedInAuth terminates the login session, which persists the
// profile, and marks the user's auth ok.
func (p *Provider) CompleteLinkedInAuth(ctx context.Context, id provider.Identity, authSessionID string) (*provider.AuthComplete, error) {
	as, err := provider.CheckAuthSession(ctx, p.auth, id, authSessionID)
	if err != nil {
		return nil, err
	}
	if err := p.client.Terminate(ctx, as.Handle); err != nil {
		return nil, err
	}
	if err := p.auth.CloseAuthSession(ctx, as.ID, core.AuthSessionCompleted); err != nil {
		return nil, errors.Wrap(err, "close auth session")
	}

	now := p.now()
	if err := p.auth.SaveAuth(ctx, &core.LinkedInAuth{
		UserID:           id.UserID,
		WorkspaceID:      id.WorkspaceID,
		Provider:         core.ProviderRemote,
		BrowserProfileID: as.ProfileID,
		Status:           core.AuthOK,
		LastAuthAt:       &now,
	}); err != nil {
		return nil, errors.Wrap(err, "save linkedin auth")
	}

	p.log.Info("linkedin auth completed",
		zap.String("user_id", id.UserID),
		zap.String("workspace_id", id.WorkspaceID))
	return &provider.AuthComplete{ProfileID: as.ProfileID}, nil
}
