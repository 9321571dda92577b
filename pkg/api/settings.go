package api

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/admission"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/internal/handler"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/settings"
)

func (s *server) getSettings(c *gin.Context) {
	st, err := s.settings.Get(c.Request.Context(), identity(c).WorkspaceID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, st)
}

func (s *server) putSettings(c *gin.Context) {
	var patch settings.Patch
	if !bind(c, &patch) {
		return
	}
	ctx := c.Request.Context()
	current, err := s.settings.Get(ctx, identity(c).WorkspaceID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	next := patch.Apply(*current)
	if err := s.settings.Put(ctx, &next); err != nil {
		handler.Fail(c, err)
		return
	}
	s.logger.Info("settings updated", zap.String("workspace_id", next.WorkspaceID))
	handler.RespondOK(c, next)
}

// preflightView is an admission decision as the dashboard shows it.
type preflightView struct {
	OK                bool            `json:"ok"`
	Kind              ledger.Kind     `json:"kind"`
	Reason            string          `json:"reason,omitempty"`
	RetryAfterSeconds int             `json:"retry_after_seconds"`
	Remaining         int             `json:"remaining"`
	Limit             int             `json:"limit"`
	Usage             ledger.Usage    `json:"usage"`
	AuthStatus        core.AuthStatus `json:"auth_status"`
}

func (s *server) preflight(c *gin.Context) {
	kind, ok := ledger.ParseKind(c.DefaultQuery("kind", string(ledger.KindConnect)))
	if !ok {
		handler.Fail(c, errors.Wrapf(core.ErrInvalidInput, "unknown kind %q", c.Query("kind")))
		return
	}
	ctx := c.Request.Context()
	id := identity(c)
	d, err := s.admission.CanAttempt(ctx, admission.Request{
		WorkspaceID: id.WorkspaceID,
		UserID:      id.UserID,
		Kind:        kind,
	})
	if err != nil {
		handler.Fail(c, err)
		return
	}
	status, err := s.authStatus(c, id.UserID, id.WorkspaceID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, preflightView{
		OK:                d.OK,
		Kind:              kind,
		Reason:            string(d.Reason),
		RetryAfterSeconds: int(math.Ceil(d.RetryAfter.Seconds())),
		Remaining:         d.Remaining,
		Limit:             d.Limit,
		Usage:             d.Usage,
		AuthStatus:        status,
	})
}
