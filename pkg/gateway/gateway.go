package gateway

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/admission"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/internal/handler"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/orchestrator"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/rollup"
	"github.com/jdziat/sniper/pkg/settings"
)

// Task tuning handed to the harness with every claimed item.
const (
	taskMaxAttempts    = 3
	taskTimeoutSeconds = 180
	reauthCooldown     = time.Hour
)

// Task is one claimed item.
type Task struct {
	TaskID                   string `json:"task_id"`
	ProfileURL               string `json:"profile_url"`
	Action                   string `json:"action"`
	Note                     string `json:"note,omitempty"`
	Message                  string `json:"message,omitempty"`
	SendWithoutNoteIfBlocked bool   `json:"send_without_note_if_blocked"`
	MaxAttempts              int    `json:"max_attempts"`
	VerificationMode         string `json:"verification_mode"`
	TimeoutSeconds           int    `json:"timeout_seconds"`
}

// NextResponse answers a claim. Without work, Reason and CooldownSeconds say
// why and when to ask again.
type NextResponse struct {
	HasWork         bool   `json:"has_work"`
	Reason          string `json:"reason,omitempty"`
	CooldownSeconds int    `json:"cooldown_seconds,omitempty"`
	Task            *Task  `json:"task,omitempty"`
}

// ResultResponse acknowledges a pushed outcome.
type ResultResponse struct {
	OK        bool           `json:"ok"`
	Status    string         `json:"status"`
	JobStatus core.JobStatus `json:"job_status"`
	// Duplicate is set when the item already had an outcome.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Handler serves the batch routes.
type Handler struct {
	queue     *orchestrator.Queue
	storage   core.Storage
	admission orchestrator.Admitter
	ledger    ledger.Ledger
	settings  settings.Store
	auth      provider.AuthStatusSetter
	apiKey    string
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Handler.
type Option interface {
	apply(*Handler)
}

type optionFunc func(*Handler)

func (f optionFunc) apply(h *Handler) { f(h) }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(h *Handler) { h.now = now })
}

// WithAuthStatus records needs_reauth on the user's stored session when the
// harness reports AUTH_REQUIRED.
func WithAuthStatus(s provider.AuthStatusSetter) Option {
	return optionFunc(func(h *Handler) { h.auth = s })
}

// New creates a Handler. apiKey is the shared secret; an empty key refuses
// every request.
func New(q *orchestrator.Queue, adm orchestrator.Admitter, l ledger.Ledger, st settings.Store, apiKey string, opts ...Option) *Handler {
	h := &Handler{
		queue:     q,
		admission: adm,
		ledger:    l,
		settings:  st,
		apiKey:    apiKey,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	if q != nil {
		h.storage = q.Storage()
	}
	for _, o := range opts {
		o.apply(h)
	}
	h.logger = h.logger.With(zap.String("component", "gateway"))
	return h
}

// Register mounts the routes under /batch.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/batch", handler.RequireAPIKey(h.apiKey))
	g.GET("/:job_id/next", h.next)
	g.POST("/:job_id/result", h.result)
}

func (h *Handler) loadJob(c *gin.Context) (*core.Job, bool) {
	id := c.Param("job_id")
	if _, err := uuid.Parse(id); err != nil {
		handler.RespondError(c, http.StatusBadRequest, "invalid_job_id", errors.Newf("invalid job id %q", id))
		return nil, false
	}
	job, err := h.storage.GetJob(c.Request.Context(), id)
	if err != nil {
		handler.Fail(c, err)
		return nil, false
	}
	if job == nil {
		handler.RespondError(c, http.StatusNotFound, "not_found", errors.Newf("job %s not found", id))
		return nil, false
	}
	if job.Provider != core.ProviderExternal {
		handler.RespondError(c, http.StatusConflict, "not_external",
			errors.Newf("job %s is run by workers, not the batch gateway", id))
		return nil, false
	}
	return job, true
}

func cooldownSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// ──────────────────────────────────────────────────────────────────────────────
// Claim
// ──────────────────────────────────────────────────────────────────────────────

func (h *Handler) next(c *gin.Context) {
	ctx := c.Request.Context()
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	now := h.now()

	switch {
	case job.NeedsReauth():
		handler.RespondOK(c, NextResponse{Reason: core.CodeAuthRequired, CooldownSeconds: cooldownSeconds(reauthCooldown)})
		return
	case job.Status.IsTerminal():
		handler.RespondOK(c, NextResponse{Reason: string(job.Status)})
		return
	case job.Status == core.StatusPaused:
		handler.RespondOK(c, NextResponse{Reason: string(core.StatusPaused)})
		return
	case job.Status == core.StatusQueued && job.RunAt != nil && job.RunAt.After(now):
		reason := job.ErrorCode
		if reason == "" {
			reason = "scheduled"
		}
		handler.RespondOK(c, NextResponse{Reason: reason, CooldownSeconds: cooldownSeconds(job.RunAt.Sub(now))})
		return
	}

	d, err := h.admission.CanAttempt(ctx, admission.Request{
		WorkspaceID: job.WorkspaceID,
		UserID:      job.CreatedBy,
		Kind:        ledger.KindFor(job.Type.ItemAction()),
	})
	if err != nil {
		handler.Fail(c, err)
		return
	}
	if !d.OK {
		h.logger.Info("claim throttled",
			zap.String("job_id", job.ID),
			zap.String("reason", string(d.Reason)),
			zap.Duration("retry_after", d.RetryAfter))
		resp := NextResponse{Reason: string(d.Reason)}
		if d.RetryAfter > 0 {
			resp.CooldownSeconds = cooldownSeconds(d.RetryAfter)
		}
		handler.RespondOK(c, resp)
		return
	}

	if job.Status == core.StatusQueued {
		if _, err := h.storage.TransitionJob(ctx, job.ID, core.StatusRunning, "", ""); err != nil {
			handler.Fail(c, err)
			return
		}
	}

	item, err := h.storage.ClaimNextItem(ctx, job.ID, now)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	if item == nil {
		handler.RespondOK(c, NextResponse{})
		return
	}

	in := job.Input.Data()
	note := item.Note()
	if note == "" {
		note = in.Note
	}
	task := &Task{
		TaskID:                   item.ID,
		ProfileURL:               item.ProfileURL,
		Action:                   string(item.Action),
		Note:                     note,
		SendWithoutNoteIfBlocked: true,
		MaxAttempts:              taskMaxAttempts,
		VerificationMode:         "either",
		TimeoutSeconds:           taskTimeoutSeconds,
	}
	if item.Action == core.ActionMessage {
		task.Note = ""
		task.Message = in.Message
	}
	h.logger.Debug("task claimed", zap.String("job_id", job.ID), zap.String("item_id", item.ID))
	handler.RespondOK(c, NextResponse{HasWork: true, Task: task})
}

// ──────────────────────────────────────────────────────────────────────────────
// Push
// ──────────────────────────────────────────────────────────────────────────────

func (h *Handler) result(c *gin.Context) {
	ctx := c.Request.Context()
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		handler.RespondError(c, http.StatusBadRequest, "invalid_payload", errors.Wrap(err, "decode result"))
		return
	}
	res, err := Normalize(body)
	if err != nil {
		handler.RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}

	item, err := h.findItem(ctx, job, res)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	status := ItemStatusFor(res.Status)
	update := core.ItemUpdate{
		Status: status,
		Result: map[string]any{
			"external_status": res.Status,
			"finished_at":     h.now().UTC().Format(time.RFC3339),
		},
	}
	if res.Output != nil {
		update.Result["output"] = res.Output
	}
	switch {
	case status == core.ItemAuthRequired:
		update.ErrorCode = core.CodeAuthRequired
		update.ErrorMessage = "linkedin auth required"
	case status == core.ItemFailed:
		update.ErrorCode = core.CodeExternalFailure
		update.ErrorMessage = res.Message
		if update.ErrorMessage == "" {
			update.ErrorMessage = "external action failed"
		}
	}

	applied, err := h.storage.UpdateItem(ctx, item.ID, update)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	if !applied {
		h.logger.Info("duplicate result ignored", zap.String("job_id", job.ID), zap.String("item_id", item.ID))
		handler.RespondOK(c, ResultResponse{OK: true, Status: string(item.Status), JobStatus: job.Status, Duplicate: true})
		return
	}
	item.Status = status
	h.queue.Emit(&core.ItemProcessed{Item: item, Status: status, Timestamp: h.now()})

	if status == core.ItemAuthRequired {
		h.pauseForReauth(ctx, job)
		current := h.reload(ctx, job)
		handler.RespondOK(c, ResultResponse{OK: true, Status: string(status), JobStatus: current.Status})
		return
	}

	h.recordUsage(ctx, job, item, res.Status == StatusSent)

	current, err := h.rollUp(ctx, job)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.RespondOK(c, ResultResponse{OK: true, Status: string(status), JobStatus: current.Status})
}

func (h *Handler) findItem(ctx context.Context, job *core.Job, res Result) (*core.JobItem, error) {
	if res.TaskID != "" {
		item, err := h.storage.GetItem(ctx, res.TaskID)
		if err != nil {
			return nil, err
		}
		if item == nil || item.JobID != job.ID {
			return nil, errors.Wrapf(core.ErrNotFound, "task %s in job %s", res.TaskID, job.ID)
		}
		return item, nil
	}
	item, err := h.storage.FindItemByProfile(ctx, job.ID, res.ProfileURL)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errors.Wrapf(core.ErrNotFound, "profile %s in job %s", res.ProfileURL, job.ID)
	}
	return item, nil
}

func (h *Handler) reload(ctx context.Context, job *core.Job) *core.Job {
	current, err := h.storage.GetJob(ctx, job.ID)
	if err != nil || current == nil {
		return job
	}
	return current
}

// pauseForReauth parks the job until the user re-authenticates and sends the
// job's one notification with the auth flag set.
func (h *Handler) pauseForReauth(ctx context.Context, job *core.Job) {
	if _, err := h.storage.TransitionJob(ctx, job.ID, core.StatusPaused, core.CodeNeedsReauth, "linkedin auth required"); err != nil {
		h.logger.Error("pause job for reauth", zap.String("job_id", job.ID), zap.Error(err))
	}
	if h.auth != nil {
		if err := h.auth.SetAuthStatus(ctx, job.CreatedBy, job.WorkspaceID, core.AuthNeedsReauth); err != nil {
			h.logger.Error("record auth status", zap.String("user_id", job.CreatedBy), zap.Error(err))
		}
	}
	h.logger.Warn("external harness reported auth required", zap.String("job_id", job.ID))
	if _, err := h.queue.Notify(ctx, h.reload(ctx, job), true); err != nil {
		h.logger.Error("notify job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// recordUsage charges the action when it was sent and a profile visit
// otherwise. Failures are logged; the outcome is already stored.
func (h *Handler) recordUsage(ctx context.Context, job *core.Job, item *core.JobItem, sent bool) {
	s, err := h.settings.Get(ctx, job.WorkspaceID)
	if err != nil {
		h.logger.Error("load settings for usage", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	kind := ledger.KindProfileVisit
	if sent {
		kind = ledger.KindFor(item.Action)
	}
	_, err = h.ledger.Reserve(ctx, ledger.Reservation{
		UserID:      job.CreatedBy,
		WorkspaceID: job.WorkspaceID,
		Day:         ledger.DayFor(h.now(), s.Timezone),
		Deltas:      ledger.Delta(kind, 1),
	})
	if err != nil {
		h.logger.Error("record usage", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// rollUp finishes the job once every item has an outcome and sends its one
// notification.
func (h *Handler) rollUp(ctx context.Context, job *core.Job) (*core.Job, error) {
	summary, err := h.storage.SummarizeItems(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !summary.Done() {
		return h.reload(ctx, job), nil
	}

	if job.Status == core.StatusQueued {
		if _, err := h.storage.TransitionJob(ctx, job.ID, core.StatusRunning, "", ""); err != nil {
			return nil, err
		}
	}
	final := rollup.Final(summary)
	moved, err := h.storage.TransitionJob(ctx, job.ID, final, rollup.Code(summary), "")
	if err != nil {
		return nil, err
	}
	current := h.reload(ctx, job)
	if !moved {
		return current, nil
	}
	sent, err := h.queue.Notify(ctx, current, false)
	if err != nil {
		h.logger.Error("notify job", zap.String("job_id", job.ID), zap.Error(err))
	}
	if sent {
		h.logger.Info("external job finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(current.Status)),
			zap.Int("success", summary.Success),
			zap.Int("failed", summary.Failed))
	}
	return current, nil
}
