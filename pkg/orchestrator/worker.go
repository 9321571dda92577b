package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/activehours"
	"github.com/jdziat/sniper/pkg/admission"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/gate"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/settings"
)

// Admitter decides whether one more action may run now.
type Admitter interface {
	CanAttempt(ctx context.Context, req admission.Request) (admission.Decision, error)
}

// Deps are the collaborators a Worker drives jobs through.
type Deps struct {
	Providers *provider.Registry
	Admission Admitter
	Settings  settings.Store
	Ledger    ledger.Ledger
	Gate      gate.Gate
}

// Worker claims due jobs and runs them.
type Worker struct {
	queue   *Queue
	storage core.Storage
	deps    Deps
	config  Config
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	random  func() float64
	wg      sync.WaitGroup
}

// NewWorker creates a worker for the given queue.
func NewWorker(q *Queue, deps Deps, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:   q,
		storage: q.Storage(),
		deps:    deps,
		config:  DefaultConfig(),
		logger:  zap.NewNop(),
		now:     time.Now,
		sleep:   sleepCtx,
		random:  rand.Float64,
	}
	w.config.WorkerID = uuid.New().String()
	for _, o := range opts {
		o.applyWorker(w)
	}
	w.logger = w.logger.With(zap.String("component", "worker"), zap.String("worker_id", w.config.WorkerID))
	return w
}

// ID returns the worker's lock owner id.
func (w *Worker) ID() string { return w.config.WorkerID }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start processes jobs until ctx is canceled. It blocks.
func (w *Worker) Start(ctx context.Context) error {
	jobsChan := make(chan *core.Job, w.config.Concurrency)

	w.wg.Add(1)
	go w.runStaleLockRelease(ctx)

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan)
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", zap.Int("concurrency", w.config.Concurrency))
	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			// Only claim when a goroutine is free to take the job.
			if len(jobsChan) == cap(jobsChan) {
				continue
			}
			job, err := w.dequeueWithRetry(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("dequeue failed after retries", zap.Error(err))
				}
				continue
			}
			if job != nil {
				select {
				case jobsChan <- job:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (w *Worker) dequeueWithRetry(ctx context.Context) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, w.config.DequeueRetry, func() error {
		var dequeueErr error
		job, dequeueErr = w.storage.Dequeue(ctx, w.config.WorkerID, w.config.LockLease)
		return dequeueErr
	})
	return job, err
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer w.wg.Done()
	for job := range jobs {
		w.processJob(ctx, job)
	}
}

// RunOnce claims and runs at most one due job. It reports whether a job was
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.dequeueWithRetry(ctx)
	if err != nil || job == nil {
		return false, err
	}
	w.processJob(ctx, job)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("workspace_id", job.WorkspaceID))
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: w.now()})

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.queue.registerRunningJob(job.ID, cancel)
	defer w.queue.unregisterRunningJob(job.ID)

	source := string(job.Provider)
	ok, err := w.deps.Gate.Acquire(jobCtx, job.WorkspaceID, source, w.config.GateMax, w.config.GateTTL)
	if err != nil || !ok {
		if err != nil {
			log.Warn("concurrency gate unavailable", zap.Error(err))
		}
		w.requeue(ctx, job, core.Requeue{
			RunAt:   w.now().Add(w.config.GateRetry),
			Code:    core.CodeConcurrency,
			Message: "workspace concurrency limit reached",
		})
		return
	}
	defer func() {
		rctx, rcancel := settleCtx(ctx)
		defer rcancel()
		if err := w.deps.Gate.Release(rctx, job.WorkspaceID, source); err != nil {
			log.Warn("release concurrency gate", zap.Error(err))
		}
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(jobCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	err = w.execute(jobCtx, job)
	stopHeartbeat()
	if err != nil {
		w.handleError(ctx, jobCtx, job, err)
	}
}

// settleCtx returns a context for final bookkeeping that survives the
// cancellation of ctx.
func settleCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

// runHeartbeat extends the job lock and the job's gate slot while the job
// runs.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, w.config.StorageRetry, func() error {
				return w.storage.Heartbeat(ctx, job.ID, w.config.WorkerID, w.config.LockLease)
			})
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			err = w.deps.Gate.Refresh(ctx, job.WorkspaceID, string(job.Provider), w.config.GateTTL)
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("refresh concurrency gate", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

// runStaleLockRelease returns jobs of crashed workers to the queue.
func (w *Worker) runStaleLockRelease(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.StaleLockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.storage.ReleaseStaleLocks(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("release stale locks", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				w.logger.Info("released stale job locks", zap.Int64("count", n))
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────────────────────────────────

func identity(job *core.Job) provider.Identity {
	return provider.Identity{UserID: job.CreatedBy, WorkspaceID: job.WorkspaceID}
}

// execute runs job. A nil return means the job was already finished or
// requeued; an error is classified by handleError.
func (w *Worker) execute(ctx context.Context, job *core.Job) error {
	s, err := w.deps.Settings.Get(ctx, job.WorkspaceID)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}

	now := w.now()
	if win := s.ActiveWindow(); !activehours.IsWithin(now, win) {
		w.requeue(ctx, job, core.Requeue{
			RunAt:   now.Add(admission.OutsideHoursDelay(now, win)),
			Code:    core.CodeOutsideActiveHours,
			Message: "outside active hours",
		})
		return nil
	}

	p, err := w.deps.Providers.Get(job.Provider)
	if err != nil {
		return core.NoRetry(err)
	}

	switch job.Type {
	case core.JobDiscoverPostEngagers, core.JobPeopleSearch:
		return w.runDiscovery(ctx, job, s, p)
	case core.JobSendConnectRequests, core.JobSendMessages:
		return w.runItems(ctx, job, s, p)
	}
	return core.NoRetry(errors.Newf("unsupported job type %q", job.Type))
}

// handleError settles a job whose run returned err.
func (w *Worker) handleError(ctx, jobCtx context.Context, job *core.Job, err error) {
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("workspace_id", job.WorkspaceID))

	switch {
	case ctx.Err() != nil:
		log.Info("worker stopping, returning job to queue")
		w.requeue(ctx, job, core.Requeue{RunAt: w.now(), Code: job.ErrorCode, Message: "worker stopped"})
		return
	case jobCtx.Err() != nil:
		log.Info("job canceled while running")
		return
	case core.IsAuthRequired(err):
		log.Warn("linkedin auth required, stopping job", zap.Error(err))
		w.finish(ctx, job, core.StatusFailed, core.CodeNeedsReauth, err.Error(), true)
		w.pauseTarget(ctx, job)
		return
	}

	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		log.Error("job failed", zap.Error(err))
		w.finish(ctx, job, core.StatusFailed, core.CodeProviderError, err.Error(), false)
		return
	}

	budget := job.MaxAttempts
	if budget <= 0 {
		budget = len(w.config.RetryBackoff)
	}
	if job.Attempts >= budget {
		log.Error("job failed, retries exhausted", zap.Int("attempts", job.Attempts), zap.Error(err))
		w.finish(ctx, job, core.StatusFailed, core.CodeRetriesExhausted, err.Error(), false)
		return
	}

	delay := w.backoff(job.Attempts)
	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		delay = retryAfter.Delay
	}
	log.Warn("job failed, retrying", zap.Int("attempt", job.Attempts+1), zap.Duration("delay", delay), zap.Error(err))
	w.requeue(ctx, job, core.Requeue{
		RunAt:        w.now().Add(delay),
		Code:         core.CodeProviderError,
		Message:      err.Error(),
		CountAttempt: true,
	})
}

func (w *Worker) backoff(attempts int) time.Duration {
	if len(w.config.RetryBackoff) == 0 {
		return 10 * time.Second
	}
	if attempts >= len(w.config.RetryBackoff) {
		attempts = len(w.config.RetryBackoff) - 1
	}
	return w.config.RetryBackoff[attempts]
}

// requeue puts job back in the queue. Storage failures are logged; the stale
// lock sweep recovers a job whose requeue was lost.
func (w *Worker) requeue(ctx context.Context, job *core.Job, r core.Requeue) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()

	r.RunAt = r.RunAt.UTC()
	err := retryWithBackoff(sctx, w.config.StorageRetry, func() error {
		return w.storage.Requeue(sctx, job.ID, w.config.WorkerID, r)
	})
	if err != nil {
		w.logger.Error("requeue job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("job requeued",
		zap.String("job_id", job.ID),
		zap.String("reason", r.Code),
		zap.Time("run_at", r.RunAt))
	w.queue.Emit(&core.JobRequeued{Job: job, Reason: r.Code, NextRunAt: r.RunAt, Timestamp: w.now()})
}

// finish settles job in status and sends its notification.
func (w *Worker) finish(ctx context.Context, job *core.Job, status core.JobStatus, code, msg string, authRequired bool) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()

	err := retryWithBackoff(sctx, w.config.StorageRetry, func() error {
		return w.storage.Finish(sctx, job.ID, w.config.WorkerID, status, code, msg)
	})
	if err != nil {
		w.logger.Error("finish job", zap.String("job_id", job.ID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	job.Status = status
	job.ErrorCode = code
	job.ErrorMessage = msg

	w.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.String("reason", code))
	if _, err := w.queue.Notify(sctx, job, authRequired); err != nil {
		w.logger.Error("notify job finished", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) pauseTarget(ctx context.Context, job *core.Job) {
	if job.TargetID == nil {
		return
	}
	sctx, cancel := settleCtx(ctx)
	defer cancel()
	if err := w.storage.SetTargetStatus(sctx, *job.TargetID, core.TargetPaused); err != nil {
		w.logger.Error("pause target", zap.String("target_id", *job.TargetID), zap.Error(err))
	}
}

// deny settles a job that admission turned away.
func (w *Worker) deny(ctx context.Context, job *core.Job, d admission.Decision) {
	if d.Reason == admission.ReasonDisabled {
		w.finish(ctx, job, core.StatusFailed, core.CodeAutomationDisabled, "automation is disabled for this workspace", false)
		return
	}
	w.requeue(ctx, job, core.Requeue{
		RunAt:   w.now().Add(d.RetryAfter),
		Code:    d.Reason.Code(),
		Message: fmt.Sprintf("admission denied: %s", d.Reason),
	})
}

// recordUsage adds deltas to the ledger. Failures are logged, not retried:
// the action already happened and must not run again.
func (w *Worker) recordUsage(ctx context.Context, job *core.Job, s *core.WorkspaceSettings, d ledger.Deltas, cooldown *time.Time) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()
	_, err := w.deps.Ledger.Reserve(sctx, ledger.Reservation{
		UserID:        job.CreatedBy,
		WorkspaceID:   job.WorkspaceID,
		Day:           ledger.DayFor(w.now(), s.Timezone),
		Deltas:        d,
		CooldownUntil: cooldown,
	})
	if err != nil {
		w.logger.Error("record usage",
			zap.String("job_id", job.ID),
			zap.String("user_id", job.CreatedBy),
			zap.Error(err))
	}
}
