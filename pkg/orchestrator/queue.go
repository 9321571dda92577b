package orchestrator

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/profileurl"
	"github.com/jdziat/sniper/pkg/schedule"
	"github.com/jdziat/sniper/pkg/security"
	"github.com/jdziat/sniper/pkg/settings"
)

// Queue creates targets and jobs, controls their lifecycle and broadcasts
// orchestrator events.
type Queue struct {
	storage  core.Storage
	settings settings.Store
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.RWMutex

	onFinished []func(context.Context, *core.JobFinished)
	eventSubs  []chan core.Event

	// cancel funcs of jobs running in this process
	runningJobs   map[string]context.CancelFunc
	runningJobsMu sync.Mutex
}

// QueueOption configures a Queue.
type QueueOption interface {
	applyQueue(*Queue)
}

type queueOptionFunc func(*Queue)

func (f queueOptionFunc) applyQueue(q *Queue) { f(q) }

// WithQueueLogger sets the queue's logger.
func WithQueueLogger(l *zap.Logger) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	})
}

// WithQueueClock replaces time.Now.
func WithQueueClock(now func() time.Time) QueueOption {
	return queueOptionFunc(func(q *Queue) { q.now = now })
}

// NewQueue creates a Queue. The settings store supplies the default provider
// for jobs that do not name one.
func NewQueue(s core.Storage, st settings.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		storage:     s,
		settings:    st,
		logger:      zap.NewNop(),
		now:         time.Now,
		runningJobs: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o.applyQueue(q)
	}
	q.logger = q.logger.With(zap.String("component", "queue"))
	return q
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// ──────────────────────────────────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────────────────────────────────

// ProfileRequest is one profile of a bulk action, with an optional note that
// overrides the job's note.
type ProfileRequest struct {
	URL  string `json:"profile_url"`
	Note string `json:"note,omitempty"`
}

// JobRequest describes a job to create.
type JobRequest struct {
	WorkspaceID string
	CreatedBy   string
	TargetID    *string
	Type        core.JobType
	// Provider defaults to the workspace's configured provider.
	Provider core.ProviderKind
	Input    core.JobInput
	Profiles []ProfileRequest
	RunAt    *time.Time
}

// CreateJob validates req and enqueues the job with one item per distinct
// profile. Invalid profile urls are rejected rather than dropped.
func (q *Queue) CreateJob(ctx context.Context, req JobRequest) (*core.Job, error) {
	if err := q.validateJob(&req); err != nil {
		return nil, err
	}
	if req.Provider == "" {
		s, err := q.settings.Get(ctx, req.WorkspaceID)
		if err != nil {
			return nil, errors.Wrap(err, "load settings")
		}
		req.Provider = s.Provider
	}
	if !req.Provider.Valid() {
		return nil, errors.Wrapf(core.ErrInvalidInput, "unknown provider %q", req.Provider)
	}

	items, err := buildItems(req)
	if err != nil {
		return nil, err
	}

	job := &core.Job{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		CreatedBy:   req.CreatedBy,
		TargetID:    req.TargetID,
		Type:        req.Type,
		Provider:    req.Provider,
		Input:       datatypes.NewJSONType(req.Input),
		Status:      core.StatusQueued,
		MaxAttempts: 3,
	}
	if req.RunAt != nil {
		at := req.RunAt.UTC()
		job.RunAt = &at
	}
	if err := q.storage.Enqueue(ctx, job, items); err != nil {
		return nil, errors.Wrap(err, "enqueue job")
	}

	q.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("workspace_id", job.WorkspaceID),
		zap.String("type", string(job.Type)),
		zap.Int("items", len(items)))
	return job, nil
}

func (q *Queue) validateJob(req *JobRequest) error {
	if err := security.ValidateIdentifier("workspace_id", req.WorkspaceID); err != nil {
		return err
	}
	if err := security.ValidateIdentifier("user_id", req.CreatedBy); err != nil {
		return err
	}
	if !req.Type.Valid() {
		return errors.Wrapf(core.ErrInvalidInput, "unknown job type %q", req.Type)
	}

	in := &req.Input
	in.Note = strings.TrimSpace(in.Note)
	in.Message = strings.TrimSpace(in.Message)
	switch req.Type {
	case core.JobDiscoverPostEngagers:
		u, err := postURL(in.PostURL)
		if err != nil {
			return err
		}
		in.PostURL = u
		in.Limit = security.ClampDiscoveryLimit(in.Limit)
		if len(req.Profiles) > 0 {
			return errors.Wrap(core.ErrInvalidInput, "discovery jobs take no profiles")
		}
	case core.JobPeopleSearch:
		u, err := searchURL(in.SearchURL)
		if err != nil {
			return err
		}
		in.SearchURL = u
		in.Limit = security.ClampDiscoveryLimit(in.Limit)
		if len(req.Profiles) > 0 {
			return errors.Wrap(core.ErrInvalidInput, "discovery jobs take no profiles")
		}
	case core.JobSendConnectRequests, core.JobSendMessages:
		if len(req.Profiles) == 0 {
			return errors.Wrap(core.ErrInvalidInput, "profiles are required")
		}
		if len(req.Profiles) > security.MaxBulkProfiles {
			return errors.Wrapf(core.ErrInvalidInput, "at most %d profiles per job", security.MaxBulkProfiles)
		}
		if req.Type == core.JobSendMessages && in.Message == "" {
			return errors.Wrap(core.ErrInvalidInput, "message is required")
		}
		if len([]rune(in.Message)) > security.MaxMessageLength {
			return errors.Wrapf(core.ErrInvalidInput, "message exceeds %d characters", security.MaxMessageLength)
		}
		in.Note = security.TruncateNote(in.Note)
	}
	return nil
}

// buildItems normalizes and dedupes the request's profiles, keeping the
// first note seen for a profile.
func buildItems(req JobRequest) ([]*core.JobItem, error) {
	if len(req.Profiles) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(req.Profiles))
	items := make([]*core.JobItem, 0, len(req.Profiles))
	for _, p := range req.Profiles {
		u, err := profileurl.Normalize(p.URL)
		if err != nil {
			return nil, err
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		it := &core.JobItem{ProfileURL: u, Action: req.Type.ItemAction()}
		if note := security.TruncateNote(p.Note); note != "" && req.Type == core.JobSendConnectRequests {
			it.Result = datatypes.JSONMap{"note": note}
		}
		items = append(items, it)
	}
	return items, nil
}

func postURL(raw string) (string, error) {
	u, err := profileurl.Normalize(raw)
	if err != nil {
		return "", errors.Wrap(core.ErrInvalidInput, "post_url must be an http(s) url")
	}
	return u, nil
}

// searchURL accepts an http(s) LinkedIn search url. Its query carries the
// search and is kept.
func searchURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.Wrap(core.ErrInvalidInput, "search_url must be an http(s) url")
	}
	host := strings.ToLower(u.Hostname())
	if host != "linkedin.com" && !strings.HasSuffix(host, ".linkedin.com") {
		return "", errors.Wrap(core.ErrInvalidInput, "search_url must be a linkedin.com url")
	}
	if !strings.HasPrefix(u.Path, "/search/") {
		return "", errors.Wrap(core.ErrInvalidInput, "search_url must point at a linkedin search")
	}
	u.Scheme = "https"
	u.Fragment = ""
	return u.String(), nil
}

// CancelJob cancels a job that has not finished. A job running in this
// process has its context canceled; one running elsewhere stops at its next
// item.
func (q *Queue) CancelJob(ctx context.Context, jobID string) error {
	changed, err := q.storage.TransitionJob(ctx, jobID, core.StatusCanceled, core.CodeCanceled, "canceled by user")
	if err != nil {
		return err
	}
	if !changed {
		job, err := q.storage.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return errors.Wrapf(core.ErrNotFound, "job %s", jobID)
		}
		return errors.Wrapf(core.ErrIllegalTransition, "job %s is %s", jobID, job.Status)
	}

	q.runningJobsMu.Lock()
	cancel, found := q.runningJobs[jobID]
	q.runningJobsMu.Unlock()
	if found {
		cancel()
	}

	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = q.Notify(ctx, job, false)
	return err
}

// ResumeJob returns a paused job to the queue, along with any items held
// for re-authentication.
func (q *Queue) ResumeJob(ctx context.Context, jobID string) error {
	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.Wrapf(core.ErrNotFound, "job %s", jobID)
	}
	if job.Status != core.StatusPaused {
		return errors.Wrapf(core.ErrIllegalTransition, "job %s is %s, not paused", jobID, job.Status)
	}
	changed, err := q.storage.TransitionJob(ctx, jobID, core.StatusQueued, "", "")
	if err != nil {
		return err
	}
	if !changed {
		return errors.Wrapf(core.ErrIllegalTransition, "job %s cannot be resumed", jobID)
	}
	if _, err := q.storage.RequeueHeldItems(ctx, jobID); err != nil {
		return errors.Wrap(err, "requeue held items")
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Targets
// ──────────────────────────────────────────────────────────────────────────────

// TargetRequest describes a target to create.
type TargetRequest struct {
	WorkspaceID string
	CreatedBy   string
	Name        string
	PostURL     string
	Settings    core.TargetSettings
}

// CreateTarget stores an active post-engagement target and enqueues its first
// discovery run.
func (q *Queue) CreateTarget(ctx context.Context, req TargetRequest) (*core.Target, *core.Job, error) {
	if err := security.ValidateIdentifier("workspace_id", req.WorkspaceID); err != nil {
		return nil, nil, err
	}
	if err := security.ValidateIdentifier("user_id", req.CreatedBy); err != nil {
		return nil, nil, err
	}
	u, err := postURL(req.PostURL)
	if err != nil {
		return nil, nil, err
	}
	if req.Settings.Limit < 0 {
		return nil, nil, errors.Wrap(core.ErrInvalidInput, "limit must not be negative")
	}
	if req.Settings.Cron != "" {
		if _, err := schedule.Parse(req.Settings.Cron); err != nil {
			return nil, nil, err
		}
	}

	t := &core.Target{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		CreatedBy:   req.CreatedBy,
		Kind:        core.TargetPostEngagement,
		Name:        strings.TrimSpace(req.Name),
		PostURL:     u,
		Status:      core.TargetActive,
		Settings:    datatypes.NewJSONType(req.Settings),
	}
	if err := q.storage.CreateTarget(ctx, t); err != nil {
		return nil, nil, errors.Wrap(err, "create target")
	}
	job, err := q.enqueueTargetRun(ctx, t)
	if err != nil {
		return t, nil, err
	}
	return t, job, nil
}

// RunTarget enqueues a discovery run for a target now. It fails with
// core.ErrConflict when the target already has an unfinished job.
func (q *Queue) RunTarget(ctx context.Context, targetID string) (*core.Job, error) {
	t, err := q.storage.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.Wrapf(core.ErrNotFound, "target %s", targetID)
	}
	open, err := q.storage.HasOpenJob(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, errors.Wrapf(core.ErrConflict, "target %s already has a job in progress", t.ID)
	}
	return q.enqueueTargetRun(ctx, t)
}

func (q *Queue) enqueueTargetRun(ctx context.Context, t *core.Target) (*core.Job, error) {
	id := t.ID
	return q.CreateJob(ctx, JobRequest{
		WorkspaceID: t.WorkspaceID,
		CreatedBy:   t.CreatedBy,
		TargetID:    &id,
		Type:        core.JobDiscoverPostEngagers,
		Input:       core.JobInput{PostURL: t.PostURL, Limit: t.Settings.Data().Limit},
	})
}

// PauseTarget stops scheduled runs of a target.
func (q *Queue) PauseTarget(ctx context.Context, targetID string) error {
	return q.storage.SetTargetStatus(ctx, targetID, core.TargetPaused)
}

// ResumeTarget re-enables scheduled runs of a target.
func (q *Queue) ResumeTarget(ctx context.Context, targetID string) error {
	return q.storage.SetTargetStatus(ctx, targetID, core.TargetActive)
}

// ──────────────────────────────────────────────────────────────────────────────
// Notification
// ──────────────────────────────────────────────────────────────────────────────

// Notify emits JobFinished for job and runs the finished hooks, once per job
// across all processes. It reports whether this call sent the notification.
func (q *Queue) Notify(ctx context.Context, job *core.Job, authRequired bool) (bool, error) {
	won, err := q.storage.ClaimNotification(ctx, job.ID)
	if err != nil || !won {
		return false, err
	}
	summary, err := q.storage.SummarizeItems(ctx, job.ID)
	if err != nil {
		return true, errors.Wrap(err, "summarize items")
	}

	ev := &core.JobFinished{
		JobID:        job.ID,
		WorkspaceID:  job.WorkspaceID,
		CreatedBy:    job.CreatedBy,
		JobType:      job.Type,
		Status:       job.Status,
		Success:      summary.Success,
		Failed:       summary.Failed,
		Skipped:      summary.Skipped,
		AuthRequired: authRequired || job.NeedsReauth(),
		Timestamp:    q.now().UTC(),
	}
	if job.StartedAt != nil {
		ev.Duration = ev.Timestamp.Sub(*job.StartedAt)
	}
	q.Emit(ev)
	q.callFinishedHooks(ctx, ev)
	return true, nil
}

// OnJobFinished registers a callback run once per finished job.
func (q *Queue) OnJobFinished(fn func(context.Context, *core.JobFinished)) {
	q.mu.Lock()
	q.onFinished = append(q.onFinished, fn)
	q.mu.Unlock()
}

func (q *Queue) callFinishedHooks(ctx context.Context, ev *core.JobFinished) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.JobFinished), len(q.onFinished))
	copy(hooks, q.onFinished)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, ev)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────────────────────────────────

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit sends an event to all subscribers. Slow subscribers miss events
// rather than block the caller.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// registerRunningJob records the cancel func of a job running in this process.
func (q *Queue) registerRunningJob(jobID string, cancel context.CancelFunc) {
	q.runningJobsMu.Lock()
	q.runningJobs[jobID] = cancel
	q.runningJobsMu.Unlock()
}

func (q *Queue) unregisterRunningJob(jobID string) {
	q.runningJobsMu.Lock()
	delete(q.runningJobs, jobID)
	q.runningJobsMu.Unlock()
}
