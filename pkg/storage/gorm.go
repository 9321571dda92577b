package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/profileurl"
	"github.com/jdziat/sniper/pkg/security"
)

// GormStorage implements core.Storage and core.AuthStore using GORM.
type GormStorage struct {
	db *gorm.DB
}

var (
	_ core.Storage   = (*GormStorage)(nil)
	_ core.AuthStore = (*GormStorage)(nil)
)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite, which has no row locks.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Target{},
		&core.Job{},
		&core.JobItem{},
		&core.WorkspaceSettings{},
		&core.UsageLedgerRow{},
		&core.LinkedInAuth{},
		&core.AuthSession{},
	)
}

// locking returns tx with a SKIP LOCKED row lock where the dialect supports it.
func (s *GormStorage) locking(tx *gorm.DB) *gorm.DB {
	if s.IsSQLite() {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

func now() time.Time {
	return time.Now().UTC()
}

// ──────────────────────────────────────────────────────────────────────────────
// Targets
// ──────────────────────────────────────────────────────────────────────────────

// CreateTarget stores a new target.
func (s *GormStorage) CreateTarget(ctx context.Context, target *core.Target) error {
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	if target.Status == "" {
		target.Status = core.TargetActive
	}
	if target.Kind == "" {
		target.Kind = core.TargetPostEngagement
	}
	return s.db.WithContext(ctx).Create(target).Error
}

// GetTarget retrieves a target by ID.
func (s *GormStorage) GetTarget(ctx context.Context, id string) (*core.Target, error) {
	var target core.Target
	err := s.db.WithContext(ctx).First(&target, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &target, err
}

// ListTargets returns a workspace's targets, newest first.
func (s *GormStorage) ListTargets(ctx context.Context, workspaceID string) ([]*core.Target, error) {
	var targets []*core.Target
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Find(&targets).Error
	return targets, err
}

// ListActiveTargets returns every active target across workspaces.
func (s *GormStorage) ListActiveTargets(ctx context.Context) ([]*core.Target, error) {
	var targets []*core.Target
	err := s.db.WithContext(ctx).
		Where("status = ?", core.TargetActive).
		Order("created_at ASC").
		Find(&targets).Error
	return targets, err
}

// SetTargetStatus pauses or resumes a target.
func (s *GormStorage) SetTargetStatus(ctx context.Context, id string, status core.TargetStatus) error {
	result := s.db.WithContext(ctx).
		Model(&core.Target{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(core.ErrNotFound, "target %s", id)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Job lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// Enqueue stores a queued job together with its initial items.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job, items []*core.JobItem) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusQueued
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return errors.Wrap(err, "create job")
		}
		_, err := insertItems(tx, job, items, 0)
		return err
	})
}

// Dequeue claims the next due job that a worker may run.
func (s *GormStorage) Dequeue(ctx context.Context, workerID string, lease time.Duration) (*core.Job, error) {
	var job core.Job
	ts := now()
	lockUntil := ts.Add(lease)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := s.locking(tx).
			Where("status = ?", core.StatusQueued).
			Where("provider <> ?", core.ProviderExternal).
			Where("(run_at IS NULL OR run_at <= ?)", ts).
			Order("created_at ASC").
			Limit(1).
			Find(&job)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		claimed := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, core.StatusQueued).
			Updates(map[string]any{
				"status":       core.StatusRunning,
				"locked_by":    workerID,
				"locked_until": lockUntil,
				"started_at":   gorm.Expr("COALESCE(started_at, ?)", ts),
			})
		if claimed.Error != nil {
			return claimed.Error
		}
		if claimed.RowsAffected == 0 {
			job = core.Job{}
			return nil
		}
		return tx.First(&job, "id = ?", job.ID).Error
	})

	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// Requeue puts a running job back in the queue to run at r.RunAt.
// Validates that the worker owns the job.
func (s *GormStorage) Requeue(ctx context.Context, jobID, workerID string, r core.Requeue) error {
	updates := map[string]any{
		"status":        core.StatusQueued,
		"run_at":        r.RunAt.UTC(),
		"error_code":    r.Code,
		"error_message": security.SanitizeErrorMessage(r.Message),
		"locked_by":     "",
		"locked_until":  nil,
	}
	if r.CountAttempt {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	return s.ownedUpdate(ctx, jobID, workerID, updates)
}

// Finish moves a running job to a terminal or paused status.
// Validates that the worker owns the job.
// Error messages are sanitized before storage.
func (s *GormStorage) Finish(ctx context.Context, jobID, workerID string, status core.JobStatus, code, msg string) error {
	if err := core.CheckJobTransition(core.StatusRunning, status); err != nil {
		return err
	}
	updates := map[string]any{
		"status":        status,
		"error_code":    code,
		"error_message": security.SanitizeErrorMessage(msg),
		"locked_by":     "",
		"locked_until":  nil,
	}
	if status.IsTerminal() {
		updates["finished_at"] = now()
	}
	return s.ownedUpdate(ctx, jobID, workerID, updates)
}

func (s *GormStorage) ownedUpdate(ctx context.Context, jobID, workerID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Heartbeat extends the lock on a running job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Update("locked_until", now().Add(lease))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseStaleLocks returns running jobs whose lease expired to the queue,
// along with any item they left running.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&core.Job{}).
			Where("status = ?", core.StatusRunning).
			Where("locked_until IS NOT NULL AND locked_until < ?", now()).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		result := tx.Model(&core.Job{}).
			Where("id IN ? AND status = ?", ids, core.StatusRunning).
			Updates(map[string]any{
				"status":       core.StatusQueued,
				"locked_by":    "",
				"locked_until": nil,
			})
		if result.Error != nil {
			return result.Error
		}
		released = result.RowsAffected
		return tx.Model(&core.JobItem{}).
			Where("job_id IN ? AND status = ?", ids, core.ItemRunning).
			Update("status", core.ItemQueued).Error
	})
	return released, err
}

// TransitionJob moves a job to status to from any status the state machine
// allows, without checking ownership. It reports whether the row changed.
func (s *GormStorage) TransitionJob(ctx context.Context, jobID string, to core.JobStatus, code, msg string) (bool, error) {
	sources := core.SourcesOf(to)
	if len(sources) == 0 {
		return false, errors.Wrapf(core.ErrIllegalTransition, "no path to %s", to)
	}
	updates := map[string]any{"status": to}
	if code != "" || msg != "" || to == core.StatusQueued {
		updates["error_code"] = code
		updates["error_message"] = security.SanitizeErrorMessage(msg)
	}
	switch {
	case to.IsTerminal():
		updates["finished_at"] = now()
		updates["locked_by"] = ""
		updates["locked_until"] = nil
	case to == core.StatusQueued:
		updates["run_at"] = now()
		updates["locked_by"] = ""
		updates["locked_until"] = nil
	case to == core.StatusRunning:
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now())
	case to == core.StatusPaused:
		updates["locked_by"] = ""
		updates["locked_until"] = nil
	}
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, sources).
		Updates(updates)
	return result.RowsAffected > 0, result.Error
}

// ClaimNotification marks the job notified and reports whether this caller
// won the claim. Concurrent callers see true exactly once.
func (s *GormStorage) ClaimNotification(ctx context.Context, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND notified_at IS NULL", jobID).
		Update("notified_at", now())
	return result.RowsAffected == 1, result.Error
}

// ──────────────────────────────────────────────────────────────────────────────
// Job queries
// ──────────────────────────────────────────────────────────────────────────────

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &job, err
}

// ListJobs returns a workspace's most recent jobs.
func (s *GormStorage) ListJobs(ctx context.Context, workspaceID string, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// HasOpenJob reports whether a target already has a job that is not finished.
func (s *GormStorage) HasOpenJob(ctx context.Context, targetID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("target_id = ?", targetID).
		Where("status IN ?", []core.JobStatus{core.StatusQueued, core.StatusRunning, core.StatusPaused}).
		Count(&count).Error
	return count > 0, err
}

// LatestTargetJob returns the most recent job a target produced, or nil.
func (s *GormStorage) LatestTargetJob(ctx context.Context, targetID string) (*core.Job, error) {
	var job core.Job
	result := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at DESC").
		Limit(1).
		Find(&job)
	if result.Error != nil || result.RowsAffected == 0 {
		return nil, result.Error
	}
	return &job, nil
}

// normalizeItems assigns ids, ownership and normalized urls to new items.
func normalizeItems(job *core.Job, items []*core.JobItem, seqStart int) ([]*core.JobItem, error) {
	out := make([]*core.JobItem, 0, len(items))
	for i, it := range items {
		u, err := profileurl.Normalize(it.ProfileURL)
		if err != nil {
			return nil, err
		}
		it.ProfileURL = u
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.JobID = job.ID
		it.WorkspaceID = job.WorkspaceID
		if it.Action == "" {
			it.Action = job.Type.ItemAction()
		}
		if it.Status == "" {
			it.Status = core.ItemQueued
		}
		it.Seq = seqStart + i
		out = append(out, it)
	}
	return out, nil
}

func insertItems(tx *gorm.DB, job *core.Job, items []*core.JobItem, seqStart int) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	items, err := normalizeItems(job, items, seqStart)
	if err != nil {
		return 0, err
	}
	result := tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "profile_url"}},
			DoNothing: true,
		}).
		CreateInBatches(items, 200)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "insert items")
	}
	return int(result.RowsAffected), nil
}
