package linkedin

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/provider"
)

// Opener opens a browser session logged in as the identity's LinkedIn user.
type Opener func(ctx context.Context, id provider.Identity) (Session, error)

// Runner implements the action half of provider.Provider by opening a
// session per call and running the Driver on it.
type Runner struct {
	open   Opener
	driver *Driver
	log    *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(open Opener, driver *Driver, log *zap.Logger) *Runner {
	if driver == nil {
		driver = NewDriver()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{open: open, driver: driver, log: log}
}

func (r *Runner) with(ctx context.Context, id provider.Identity, fn func(Page) error) error {
	s, err := r.open(ctx, id)
	if err != nil {
		return errors.Wrap(err, "open browser session")
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			r.log.Warn("close browser session",
				zap.String("user_id", id.UserID),
				zap.Error(cerr))
		}
	}()
	return fn(s.Page())
}

// DiscoverPostEngagers opens the post and collects engagers.
func (r *Runner) DiscoverPostEngagers(ctx context.Context, id provider.Identity, postURL string, limit int) ([]provider.Engager, error) {
	var out []provider.Engager
	err := r.with(ctx, id, func(p Page) error {
		var err error
		out, err = r.driver.DiscoverPostEngagers(ctx, p, postURL, limit)
		return err
	})
	return out, err
}

// SearchPeople pages through a people search and collects profiles.
func (r *Runner) SearchPeople(ctx context.Context, id provider.Identity, searchURL string, limit int) ([]provider.Engager, error) {
	var out []provider.Engager
	err := r.with(ctx, id, func(p Page) error {
		var err error
		out, err = r.driver.SearchPeople(ctx, p, searchURL, limit)
		return err
	})
	return out, err
}

// SendConnectionRequest sends one invite.
func (r *Runner) SendConnectionRequest(ctx context.Context, id provider.Identity, profileURL, note string) (provider.ConnectResult, error) {
	var res provider.ConnectResult
	err := r.with(ctx, id, func(p Page) error {
		var err error
		res, err = r.driver.SendConnectionRequest(ctx, p, profileURL, note)
		return err
	})
	return res, err
}

// SendMessage sends one message.
func (r *Runner) SendMessage(ctx context.Context, id provider.Identity, profileURL, text string) (provider.MessageResult, error) {
	var res provider.MessageResult
	err := r.with(ctx, id, func(p Page) error {
		var err error
		res, err = r.driver.SendMessage(ctx, p, profileURL, text)
		return err
	})
	return res, err
}
