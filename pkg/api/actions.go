package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/internal/handler"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/orchestrator"
	"github.com/jdziat/sniper/pkg/profileurl"
)

type connectRequest struct {
	Provider    core.ProviderKind             `json:"provider"`
	ProfileURLs []string                      `json:"profile_urls"`
	Requests    []orchestrator.ProfileRequest `json:"requests"`
	Note        string                        `json:"note"`
	RunAt       *time.Time                    `json:"scheduled_for"`
}

type messageRequest struct {
	Provider    core.ProviderKind `json:"provider"`
	ProfileURLs []string          `json:"profile_urls"`
	Message     string            `json:"message"`
	RunAt       *time.Time        `json:"scheduled_for"`
}

// Quota is the caller's connect allowance for the day.
type Quota struct {
	Day            string `json:"day"`
	Timezone       string `json:"timezone"`
	LimitPerDay    int    `json:"limit_per_day"`
	UsedToday      int    `json:"used_today"`
	RemainingToday int    `json:"remaining_today"`
}

func (s *server) connect(c *gin.Context) {
	var req connectRequest
	if !bind(c, &req) {
		return
	}
	id := identity(c)
	profiles := append([]orchestrator.ProfileRequest{}, req.Requests...)
	for _, u := range req.ProfileURLs {
		profiles = append(profiles, orchestrator.ProfileRequest{URL: u})
	}
	s.enqueueConnects(c, orchestrator.JobRequest{
		WorkspaceID: id.WorkspaceID,
		CreatedBy:   id.UserID,
		Type:        core.JobSendConnectRequests,
		Provider:    req.Provider,
		Input:       core.JobInput{Note: req.Note},
		Profiles:    profiles,
		RunAt:       req.RunAt,
	})
}

func (s *server) message(c *gin.Context) {
	var req messageRequest
	if !bind(c, &req) {
		return
	}
	id := identity(c)
	profiles := make([]orchestrator.ProfileRequest, 0, len(req.ProfileURLs))
	for _, u := range req.ProfileURLs {
		profiles = append(profiles, orchestrator.ProfileRequest{URL: u})
	}
	job, err := s.queue.CreateJob(c.Request.Context(), orchestrator.JobRequest{
		WorkspaceID: id.WorkspaceID,
		CreatedBy:   id.UserID,
		Type:        core.JobSendMessages,
		Provider:    req.Provider,
		Input:       core.JobInput{Message: req.Message},
		Profiles:    profiles,
		RunAt:       req.RunAt,
	})
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "job_id": job.ID})
}

// enqueueConnects creates a connect job unless its distinct profiles exceed
// what is left of the caller's daily connect cap, which answers 429.
func (s *server) enqueueConnects(c *gin.Context, req orchestrator.JobRequest) {
	ctx := c.Request.Context()
	q, err := s.quotaFor(ctx, req.CreatedBy, req.WorkspaceID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	if n := distinctProfiles(req.Profiles); n > q.RemainingToday {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": handler.APIError{
				Message: "daily connect limit exceeded",
				Code:    "daily_connect_limit_exceeded",
			},
			"quota":     q,
			"requested": n,
		})
		return
	}

	job, err := s.queue.CreateJob(ctx, req)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "job_id": job.ID, "quota": q})
}

// distinctProfiles counts the profiles a request would create items for.
// Invalid urls are counted as given; job creation rejects them.
func distinctProfiles(ps []orchestrator.ProfileRequest) int {
	seen := make(map[string]bool, len(ps))
	for _, p := range ps {
		key := p.URL
		if u, err := profileurl.Normalize(p.URL); err == nil {
			key = u
		}
		seen[key] = true
	}
	return len(seen)
}

func (s *server) quotaFor(ctx context.Context, userID, workspaceID string) (Quota, error) {
	st, err := s.settings.Get(ctx, workspaceID)
	if err != nil {
		return Quota{}, err
	}
	day := ledger.DayFor(s.now(), st.Timezone)
	usage, err := s.ledger.Peek(ctx, userID, workspaceID, day)
	if err != nil {
		return Quota{}, err
	}
	used := usage.User.Connects
	return Quota{
		Day:            day,
		Timezone:       st.Timezone,
		LimitPerDay:    st.UserDailyConnects,
		UsedToday:      used,
		RemainingToday: max(0, st.UserDailyConnects-used),
	}, nil
}

func (s *server) quota(c *gin.Context) {
	id := identity(c)
	q, err := s.quotaFor(c.Request.Context(), id.UserID, id.WorkspaceID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, q)
}
