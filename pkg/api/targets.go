package api

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/internal/handler"
	"github.com/jdziat/sniper/pkg/orchestrator"
)

type targetRequest struct {
	Name     string              `json:"name"`
	PostURL  string              `json:"post_url"`
	Settings core.TargetSettings `json:"settings"`
}

type targetView struct {
	*core.Target
	LastJob *jobView `json:"last_job,omitempty"`
}

func (s *server) createTarget(c *gin.Context) {
	var req targetRequest
	if !bind(c, &req) {
		return
	}
	id := identity(c)
	target, job, err := s.queue.CreateTarget(c.Request.Context(), orchestrator.TargetRequest{
		WorkspaceID: id.WorkspaceID,
		CreatedBy:   id.UserID,
		Name:        req.Name,
		PostURL:     req.PostURL,
		Settings:    req.Settings,
	})
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"target": target, "job_id": job.ID})
}

func (s *server) listTargets(c *gin.Context) {
	ctx := c.Request.Context()
	targets, err := s.storage.ListTargets(ctx, identity(c).WorkspaceID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	out := make([]targetView, 0, len(targets))
	for _, t := range targets {
		v := targetView{Target: t}
		job, err := s.storage.LatestTargetJob(ctx, t.ID)
		if err != nil {
			handler.Fail(c, err)
			return
		}
		if job != nil {
			summary, err := s.storage.SummarizeItems(ctx, job.ID)
			if err != nil {
				handler.Fail(c, err)
				return
			}
			v.LastJob = newJobView(job, summary)
		}
		out = append(out, v)
	}
	handler.RespondOK(c, gin.H{"targets": out})
}

// ownTarget loads the target named in the path and checks it belongs to the
// caller's workspace. Targets of other workspaces are reported as missing.
func (s *server) ownTarget(c *gin.Context) (*core.Target, bool) {
	target, err := s.storage.GetTarget(c.Request.Context(), c.Param("id"))
	if err != nil {
		handler.Fail(c, err)
		return nil, false
	}
	if target == nil || target.WorkspaceID != identity(c).WorkspaceID {
		handler.Fail(c, errors.Wrapf(core.ErrNotFound, "target %s", c.Param("id")))
		return nil, false
	}
	return target, true
}

func (s *server) pauseTarget(c *gin.Context) {
	target, ok := s.ownTarget(c)
	if !ok {
		return
	}
	if err := s.queue.PauseTarget(c.Request.Context(), target.ID); err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, gin.H{"id": target.ID, "status": core.TargetPaused})
}

func (s *server) resumeTarget(c *gin.Context) {
	target, ok := s.ownTarget(c)
	if !ok {
		return
	}
	if err := s.queue.ResumeTarget(c.Request.Context(), target.ID); err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, gin.H{"id": target.ID, "status": core.TargetActive})
}

func (s *server) runTarget(c *gin.Context) {
	target, ok := s.ownTarget(c)
	if !ok {
		return
	}
	job, err := s.queue.RunTarget(c.Request.Context(), target.ID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "job_id": job.ID})
}
