package api

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/internal/handler"
	"github.com/jdziat/sniper/pkg/provider"
)

// authNotConnected is reported for users who never linked LinkedIn.
const authNotConnected core.AuthStatus = "not_connected"

type authStartRequest struct {
	Provider core.ProviderKind `json:"provider"`
}

type authCompleteRequest struct {
	Provider      core.ProviderKind `json:"provider"`
	AuthSessionID string            `json:"auth_session_id"`
}

// authProvider resolves the provider named in a request, falling back to the
// workspace's configured one.
func (s *server) authProvider(c *gin.Context, kind core.ProviderKind) (provider.Provider, bool) {
	if kind == "" {
		st, err := s.settings.Get(c.Request.Context(), identity(c).WorkspaceID)
		if err != nil {
			handler.Fail(c, err)
			return nil, false
		}
		kind = st.Provider
	}
	if kind == core.ProviderExternal {
		handler.Fail(c, errors.Wrap(core.ErrInvalidInput, "the external harness manages its own LinkedIn session"))
		return nil, false
	}
	p, err := s.providers.Get(kind)
	if err != nil {
		handler.Fail(c, err)
		return nil, false
	}
	return p, true
}

func (s *server) startAuth(c *gin.Context) {
	var req authStartRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	p, ok := s.authProvider(c, req.Provider)
	if !ok {
		return
	}
	id := identity(c)
	start, err := p.StartLinkedInAuth(c.Request.Context(), id)
	if err != nil {
		s.logger.Warn("start linkedin auth", zap.String("user_id", id.UserID), zap.Error(err))
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, start)
}

func (s *server) completeAuth(c *gin.Context) {
	var req authCompleteRequest
	if !bind(c, &req) {
		return
	}
	if req.AuthSessionID == "" {
		handler.Fail(c, errors.Wrap(core.ErrInvalidInput, "auth_session_id is required"))
		return
	}
	p, ok := s.authProvider(c, req.Provider)
	if !ok {
		return
	}
	id := identity(c)
	done, err := p.CompleteLinkedInAuth(c.Request.Context(), id, req.AuthSessionID)
	if err != nil {
		s.logger.Warn("complete linkedin auth", zap.String("user_id", id.UserID), zap.Error(err))
		handler.Fail(c, err)
		return
	}
	s.logger.Info("linkedin auth completed", zap.String("user_id", id.UserID), zap.String("workspace_id", id.WorkspaceID))
	handler.RespondOK(c, gin.H{"status": core.AuthOK, "profile_id": done.ProfileID})
}

func (s *server) getAuth(c *gin.Context) {
	id := identity(c)
	a, err := s.auth.GetAuth(c.Request.Context(), id.UserID, id.WorkspaceID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	if a == nil {
		handler.RespondOK(c, gin.H{"status": authNotConnected})
		return
	}
	handler.RespondOK(c, a)
}

func (s *server) authStatus(c *gin.Context, userID, workspaceID string) (core.AuthStatus, error) {
	if s.auth == nil {
		return authNotConnected, nil
	}
	a, err := s.auth.GetAuth(c.Request.Context(), userID, workspaceID)
	if err != nil || a == nil {
		return authNotConnected, err
	}
	return a.Status, nil
}
