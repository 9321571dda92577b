package orchestrator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/jdziat/sniper/pkg/activehours"
	"github.com/jdziat/sniper/pkg/admission"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/profileurl"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/rollup"
	"github.com/jdziat/sniper/pkg/security"
)

// ──────────────────────────────────────────────────────────────────────────────
// Discovery
// ──────────────────────────────────────────────────────────────────────────────

func (w *Worker) runDiscovery(ctx context.Context, job *core.Job, s *core.WorkspaceSettings, p provider.Provider) error {
	d, err := w.deps.Admission.CanAttempt(ctx, admission.Request{
		WorkspaceID: job.WorkspaceID,
		UserID:      job.CreatedBy,
		Kind:        ledger.KindJobPage,
	})
	if err != nil {
		return err
	}
	if !d.OK {
		w.deny(ctx, job, d)
		return nil
	}

	in := job.Input.Data()
	limit := security.ClampDiscoveryLimit(in.Limit)
	callCtx, cancel := context.WithTimeout(ctx, w.config.ProviderTimeout)
	var engagers []provider.Engager
	source := map[string]any{}
	if job.Type == core.JobPeopleSearch {
		engagers, err = p.SearchPeople(callCtx, identity(job), in.SearchURL, limit)
		source["source"], source["search_url"] = string(core.JobPeopleSearch), in.SearchURL
	} else {
		engagers, err = p.DiscoverPostEngagers(callCtx, identity(job), in.PostURL, limit)
	}
	cancel()
	if err != nil {
		return errors.Wrapf(err, "%s", job.Type)
	}
	w.recordUsage(ctx, job, s, ledger.Delta(ledger.KindJobPage, 1), nil)

	items := make([]*core.JobItem, 0, len(engagers))
	for _, e := range engagers {
		u, err := profileurl.Normalize(e.ProfileURL)
		if err != nil {
			w.logger.Debug("dropping engager with invalid profile url",
				zap.String("job_id", job.ID),
				zap.String("profile_url", e.ProfileURL))
			continue
		}
		result := datatypes.JSONMap{}
		for k, v := range source {
			result[k] = v
		}
		if e.Name != "" {
			result["name"] = e.Name
		}
		if e.Headline != "" {
			result["headline"] = e.Headline
		}
		items = append(items, &core.JobItem{
			ProfileURL: u,
			Action:     core.ActionExtract,
			Status:     core.ItemSuccess,
			Result:     result,
		})
	}

	inserted, err := w.storage.AddItems(ctx, job.ID, items)
	if err != nil {
		return errors.Wrap(err, "store engagers")
	}
	w.logger.Info("profiles discovered",
		zap.String("type", string(job.Type)),
		zap.String("job_id", job.ID),
		zap.Int("found", len(engagers)),
		zap.Int("inserted", inserted))

	w.finish(ctx, job, core.StatusSucceeded, "", "", false)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Connect and message
// ──────────────────────────────────────────────────────────────────────────────

// runItems works through a bulk job's items in creation order, one at a time,
// pacing between them. It returns when every item is done or the job has to
// wait.
func (w *Worker) runItems(ctx context.Context, job *core.Job, s *core.WorkspaceSettings, p provider.Provider) error {
	in := job.Input.Data()
	kind := ledger.KindFor(job.Type.ItemAction())

	for n := 0; ; n++ {
		if ok, err := w.holdsJob(ctx, job); err != nil || !ok {
			return err
		}
		if w.outsideHours(ctx, job, s) {
			return nil
		}

		item, err := w.storage.ClaimNextItem(ctx, job.ID, w.now())
		if err != nil {
			return errors.Wrap(err, "claim item")
		}
		if item == nil {
			break
		}

		// Pace only when there is another item to send.
		if n > 0 {
			if err := w.sleep(ctx, w.pace(job, s)); err != nil {
				w.releaseItem(ctx, item)
				return err
			}
			if ok, err := w.holdsJob(ctx, job); err != nil || !ok {
				w.releaseItem(ctx, item)
				return err
			}
			if w.outsideHours(ctx, job, s) {
				w.releaseItem(ctx, item)
				return nil
			}
		}

		d, err := w.deps.Admission.CanAttempt(ctx, admission.Request{
			WorkspaceID: job.WorkspaceID,
			UserID:      job.CreatedBy,
			Kind:        kind,
		})
		if err != nil {
			w.releaseItem(ctx, item)
			return err
		}
		if !d.OK {
			w.releaseItem(ctx, item)
			if d.Reason != admission.ReasonDisabled && d.Reason != admission.ReasonOutsideActiveHours {
				w.deferItems(ctx, job, w.now().Add(d.RetryAfter))
			}
			w.deny(ctx, job, d)
			return nil
		}

		blockedUntil, err := w.attempt(ctx, job, s, p, item, in)
		if err != nil {
			return err
		}
		if blockedUntil != nil {
			w.deferItems(ctx, job, *blockedUntil)
			w.requeue(ctx, job, core.Requeue{
				RunAt:   *blockedUntil,
				Code:    core.CodeCooldownBlocked,
				Message: "linkedin limited this account, cooling down",
			})
			return nil
		}
	}

	return w.settleItems(ctx, job)
}

// holdsJob reports whether job is still running under this worker.
func (w *Worker) holdsJob(ctx context.Context, job *core.Job) (bool, error) {
	current, err := w.storage.GetJob(ctx, job.ID)
	if err != nil {
		return false, errors.Wrap(err, "reload job")
	}
	if current == nil || current.Status != core.StatusRunning || current.LockedBy != w.config.WorkerID {
		w.logger.Info("job no longer running here, stopping", zap.String("job_id", job.ID))
		return false, nil
	}
	return true, nil
}

// outsideHours requeues job for the next opening when the workspace is
// outside its active hours.
func (w *Worker) outsideHours(ctx context.Context, job *core.Job, s *core.WorkspaceSettings) bool {
	now := w.now()
	win := s.ActiveWindow()
	if activehours.IsWithin(now, win) {
		return false
	}
	w.requeue(ctx, job, core.Requeue{
		RunAt:   now.Add(admission.OutsideHoursDelay(now, win)),
		Code:    core.CodeOutsideActiveHours,
		Message: "outside active hours",
	})
	return true
}

// settleItems finishes a job with no claimable items left, or requeues it
// for the earliest deferred item.
func (w *Worker) settleItems(ctx context.Context, job *core.Job) error {
	summary, err := w.storage.SummarizeItems(ctx, job.ID)
	if err != nil {
		return errors.Wrap(err, "summarize items")
	}
	if summary.Pending == 0 {
		w.finish(ctx, job, rollup.Final(summary), rollup.Code(summary), "", false)
		return nil
	}

	items, err := w.storage.ListItems(ctx, job.ID)
	if err != nil {
		return errors.Wrap(err, "list items")
	}
	now := w.now()
	var next *time.Time
	held := 0
	for _, it := range items {
		switch {
		case it.Status == core.ItemAuthRequired:
			held++
		case it.Status == core.ItemQueued && it.ScheduledFor != nil && it.ScheduledFor.After(now):
			if next == nil || it.ScheduledFor.Before(*next) {
				next = it.ScheduledFor
			}
		}
	}
	if next == nil {
		if held > 0 && held == summary.Pending {
			// Only items waiting for re-authentication remain.
			w.finish(ctx, job, core.StatusFailed, core.CodeNeedsReauth, "items are waiting for linkedin re-authentication", true)
			return nil
		}
		t := now.Add(w.config.GateRetry)
		next = &t
	}
	code := job.ErrorCode
	if code == "" {
		code = core.CodeThrottledDaily
	}
	w.requeue(ctx, job, core.Requeue{RunAt: *next, Code: code, Message: "waiting for deferred items"})
	return nil
}

// attempt runs the provider for one claimed item and records the outcome.
// It returns the cooldown end when LinkedIn pushed back on the account.
func (w *Worker) attempt(ctx context.Context, job *core.Job, s *core.WorkspaceSettings, p provider.Provider, item *core.JobItem, in core.JobInput) (*time.Time, error) {
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("item_id", item.ID))

	callCtx, cancel := context.WithTimeout(ctx, w.config.ProviderTimeout)
	defer cancel()

	var (
		update  core.ItemUpdate
		sent    bool
		blocked string
		err     error
	)
	switch item.Action {
	case core.ActionConnect:
		note := item.Note()
		if note == "" {
			note = in.Note
		}
		var res provider.ConnectResult
		res, err = p.SendConnectionRequest(callCtx, identity(job), item.ProfileURL, security.TruncateNote(note))
		update = core.ItemUpdate{
			Status:       res.Status.ItemStatus(),
			Result:       map[string]any{"outcome": string(res.Status), "verified": res.Verified},
			ErrorMessage: res.Detail,
		}
		if res.BlockReason != "" {
			update.Result["block_reason"] = res.BlockReason
		}
		sent = res.Status.Sent()
		blocked = res.BlockReason
	case core.ActionMessage:
		var res provider.MessageResult
		res, err = p.SendMessage(callCtx, identity(job), item.ProfileURL, in.Message)
		update = core.ItemUpdate{
			Status:       res.Status.ItemStatus(),
			Result:       map[string]any{"outcome": string(res.Status), "verified": res.Verified},
			ErrorMessage: res.Detail,
		}
		if res.Status == provider.MessageNot1stDegree {
			update.ErrorCode = core.CodeNot1stDegree
		}
		sent = res.Status.Sent()
	default:
		update = core.ItemUpdate{Status: core.ItemSkipped, ErrorMessage: "nothing to do for action " + string(item.Action)}
	}

	switch {
	case err != nil && sent:
		// The action went out; retrying would send it twice.
		log.Warn("action sent but provider reported an error",
			zap.String("profile_url", item.ProfileURL),
			zap.Error(err))
		update.Result["verified"] = false
	case err != nil:
		if core.IsAuthRequired(err) {
			w.updateItem(ctx, item, core.ItemUpdate{
				Status:       core.ItemAuthRequired,
				ErrorCode:    core.CodeNeedsReauth,
				ErrorMessage: err.Error(),
			})
			return nil, err
		}
		w.releaseItem(ctx, item)
		return nil, errors.Wrapf(err, "item %s", item.ID)
	}

	if blocked != "" && !sent {
		// The action never went out; try the profile again after the cooldown.
		w.releaseItem(ctx, item)
	} else {
		w.updateItem(ctx, item, update)
	}

	var cooldown *time.Time
	if blocked != "" {
		until := w.now().Add(time.Duration(s.CooldownMinutes) * time.Minute).UTC()
		cooldown = &until
		log.Warn("linkedin block detected, cooling down",
			zap.String("reason", blocked),
			zap.Time("until", until))
	}
	charge := ledger.KindProfileVisit
	if sent {
		charge = ledger.KindFor(item.Action)
	}
	w.recordUsage(ctx, job, s, ledger.Delta(charge, 1), cooldown)
	return cooldown, nil
}

func (w *Worker) updateItem(ctx context.Context, item *core.JobItem, u core.ItemUpdate) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()
	applied, err := w.storage.UpdateItem(sctx, item.ID, u)
	if err != nil {
		w.logger.Error("update item", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	if applied {
		item.Status = u.Status
		w.queue.Emit(&core.ItemProcessed{Item: item, Status: u.Status, Timestamp: w.now()})
	}
}

// releaseItem puts a claimed item back without an outcome.
func (w *Worker) releaseItem(ctx context.Context, item *core.JobItem) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()
	if _, err := w.storage.UpdateItem(sctx, item.ID, core.ItemUpdate{Status: core.ItemQueued}); err != nil {
		w.logger.Error("release item", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (w *Worker) deferItems(ctx context.Context, job *core.Job, until time.Time) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()
	n, err := w.storage.DeferItems(sctx, job.ID, until)
	if err != nil {
		w.logger.Error("defer items", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("items deferred", zap.String("job_id", job.ID), zap.Int64("count", n), zap.Time("until", until.UTC()))
}

// pace returns the wait before the next item: uniform in the workspace's
// delay range, with a floor for connection requests in safety mode.
func (w *Worker) pace(job *core.Job, s *core.WorkspaceSettings) time.Duration {
	lo, hi := security.ClampDelay(s.MinDelaySeconds, s.MaxDelaySeconds)
	if job.Type == core.JobSendConnectRequests && s.SafetyMode {
		floor := w.config.SafetyMinConnectDelay
		if lo < floor {
			lo = floor
		}
		if hi < lo {
			hi = lo
		}
	}
	return lo + time.Duration(w.random()*float64(hi-lo))
}
