package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/internal/handler"
	"github.com/jdziat/sniper/pkg/orchestrator"
)

const (
	defaultJobList = 50
	maxJobList     = 200
)

type summaryView struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`
}

type jobView struct {
	*core.Job
	Summary summaryView `json:"summary"`
}

func newJobView(job *core.Job, s core.ItemSummary) *jobView {
	return &jobView{Job: job, Summary: summaryView{
		Total:   s.Total,
		Success: s.Success,
		Failed:  s.Failed,
		Skipped: s.Skipped,
		Pending: s.Pending,
	}}
}

type jobRequest struct {
	Type     core.JobType                  `json:"type"`
	Provider core.ProviderKind             `json:"provider"`
	Input    core.JobInput                 `json:"input"`
	Profiles []orchestrator.ProfileRequest `json:"profiles"`
	RunAt    *time.Time                    `json:"run_at"`
}

func (s *server) createJob(c *gin.Context) {
	var req jobRequest
	if !bind(c, &req) {
		return
	}
	id := identity(c)
	jr := orchestrator.JobRequest{
		WorkspaceID: id.WorkspaceID,
		CreatedBy:   id.UserID,
		Type:        req.Type,
		Provider:    req.Provider,
		Input:       req.Input,
		Profiles:    req.Profiles,
		RunAt:       req.RunAt,
	}
	if req.Type == core.JobSendConnectRequests {
		s.enqueueConnects(c, jr)
		return
	}
	job, err := s.queue.CreateJob(c.Request.Context(), jr)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "job_id": job.ID})
}

func (s *server) listJobs(c *gin.Context) {
	limit := defaultJobList
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			handler.Fail(c, errors.Wrap(core.ErrInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxJobList)
	}
	jobs, err := s.storage.ListJobs(c.Request.Context(), identity(c).WorkspaceID, limit)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, gin.H{"jobs": jobs})
}

// ownJob loads the job named in the path if it belongs to the caller's
// workspace.
func (s *server) ownJob(c *gin.Context) (*core.Job, bool) {
	job, err := s.storage.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		handler.Fail(c, err)
		return nil, false
	}
	if job == nil || job.WorkspaceID != identity(c).WorkspaceID {
		handler.Fail(c, errors.Wrapf(core.ErrNotFound, "job %s", c.Param("id")))
		return nil, false
	}
	return job, true
}

func (s *server) getJob(c *gin.Context) {
	job, ok := s.ownJob(c)
	if !ok {
		return
	}
	summary, err := s.storage.SummarizeItems(c.Request.Context(), job.ID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, newJobView(job, summary))
}

func (s *server) listItems(c *gin.Context) {
	job, ok := s.ownJob(c)
	if !ok {
		return
	}
	items, err := s.storage.ListItems(c.Request.Context(), job.ID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, gin.H{"items": items})
}

func (s *server) cancelJob(c *gin.Context) {
	job, ok := s.ownJob(c)
	if !ok {
		return
	}
	if err := s.queue.CancelJob(c.Request.Context(), job.ID); err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, gin.H{"id": job.ID, "status": core.StatusCanceled})
}

func (s *server) resumeJob(c *gin.Context) {
	job, ok := s.ownJob(c)
	if !ok {
		return
	}
	if err := s.queue.ResumeJob(c.Request.Context(), job.ID); err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, gin.H{"id": job.ID, "status": core.StatusQueued})
}
