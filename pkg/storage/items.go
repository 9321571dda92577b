package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/profileurl"
	"github.com/jdziat/sniper/pkg/rollup"
	"github.com/jdziat/sniper/pkg/security"
)

// AddItems appends items to a job, skipping profiles the job already has.
// It returns how many items were inserted.
func (s *GormStorage) AddItems(ctx context.Context, jobID string, items []*core.JobItem) (int, error) {
	var inserted int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(core.ErrNotFound, "job %s", jobID)
			}
			return err
		}
		var maxSeq int
		if err := tx.Model(&core.JobItem{}).
			Where("job_id = ?", jobID).
			Select("COALESCE(MAX(seq), -1)").
			Row().
			Scan(&maxSeq); err != nil {
			return err
		}
		n, err := insertItems(tx, &job, items, maxSeq+1)
		inserted = n
		return err
	})
	return inserted, err
}

// ListItems returns a job's items in creation order.
func (s *GormStorage) ListItems(ctx context.Context, jobID string) ([]*core.JobItem, error) {
	var items []*core.JobItem
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Find(&items).Error
	return items, err
}

// GetItem retrieves an item by ID.
func (s *GormStorage) GetItem(ctx context.Context, itemID string) (*core.JobItem, error) {
	var item core.JobItem
	err := s.db.WithContext(ctx).First(&item, "id = ?", itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &item, err
}

// FindItemByProfile looks up a job's item by profile url.
func (s *GormStorage) FindItemByProfile(ctx context.Context, jobID, profileURL string) (*core.JobItem, error) {
	u, err := profileurl.Normalize(profileURL)
	if err != nil {
		return nil, err
	}
	var item core.JobItem
	err = s.db.WithContext(ctx).First(&item, "job_id = ? AND profile_url = ?", jobID, u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &item, err
}

// UpdateItem writes an outcome to an item if the item's current status may
// move to update.Status. It reports whether the update applied; a redelivered
// outcome for a terminal item returns false and changes nothing.
func (s *GormStorage) UpdateItem(ctx context.Context, itemID string, update core.ItemUpdate) (bool, error) {
	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item core.JobItem
		if err := tx.First(&item, "id = ?", itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(core.ErrNotFound, "item %s", itemID)
			}
			return err
		}
		if !item.Status.CanTransitionTo(update.Status) {
			return nil
		}

		result := item.Result
		if len(update.Result) > 0 {
			if result == nil {
				result = make(map[string]any, len(update.Result))
			}
			for k, v := range update.Result {
				result[k] = v
			}
		}

		res := tx.Model(&core.JobItem{}).
			Where("id = ? AND status = ?", itemID, item.Status).
			Updates(map[string]any{
				"status":        update.Status,
				"result":        result,
				"error_code":    update.ErrorCode,
				"error_message": security.SanitizeErrorMessage(update.ErrorMessage),
				"updated_at":    now(),
			})
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected == 1
		return nil
	})
	return applied, err
}

// DeferItems pushes every pending item of a job to until. Items keep their
// creation order; they simply become eligible later.
func (s *GormStorage) DeferItems(ctx context.Context, jobID string, until time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.JobItem{}).
		Where("job_id = ? AND status IN ?", jobID, []core.ItemStatus{core.ItemQueued, core.ItemRunning}).
		Updates(map[string]any{
			"status":        core.ItemQueued,
			"scheduled_for": until.UTC(),
		})
	return result.RowsAffected, result.Error
}

// RequeueHeldItems returns items held for re-authentication to the queue.
func (s *GormStorage) RequeueHeldItems(ctx context.Context, jobID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.JobItem{}).
		Where("job_id = ? AND status = ?", jobID, core.ItemAuthRequired).
		Updates(map[string]any{
			"status":     core.ItemQueued,
			"error_code": "",
		})
	return result.RowsAffected, result.Error
}

// ClaimNextItem claims the oldest queued item of a job whose scheduled time
// has passed and marks it running. Returns nil when nothing is eligible.
func (s *GormStorage) ClaimNextItem(ctx context.Context, jobID string, at time.Time) (*core.JobItem, error) {
	var item core.JobItem
	at = at.UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := s.locking(tx).
			Where("job_id = ? AND status = ?", jobID, core.ItemQueued).
			Where("(scheduled_for IS NULL OR scheduled_for <= ?)", at).
			Order("seq ASC").
			Limit(1).
			Find(&item)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		claimed := tx.Model(&core.JobItem{}).
			Where("id = ? AND status = ?", item.ID, core.ItemQueued).
			Updates(map[string]any{"status": core.ItemRunning, "updated_at": now()})
		if claimed.Error != nil {
			return claimed.Error
		}
		if claimed.RowsAffected == 0 {
			item = core.JobItem{}
			return nil
		}
		item.Status = core.ItemRunning
		return nil
	})

	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

// SummarizeItems counts a job's items by outcome.
func (s *GormStorage) SummarizeItems(ctx context.Context, jobID string) (core.ItemSummary, error) {
	var rows []struct {
		Status core.ItemStatus
		N      int
	}
	err := s.db.WithContext(ctx).
		Model(&core.JobItem{}).
		Select("status, COUNT(*) AS n").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return core.ItemSummary{}, err
	}

	var summary core.ItemSummary
	for _, r := range rows {
		for i := 0; i < r.N; i++ {
			rollup.Add(&summary, r.Status)
		}
	}
	return summary, nil
}

// CountSuccessfulActions counts connect and message items in a workspace that
// succeeded at or after since, across all jobs.
func (s *GormStorage) CountSuccessfulActions(ctx context.Context, workspaceID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.JobItem{}).
		Where("workspace_id = ?", workspaceID).
		Where("action IN ?", []core.ActionType{core.ActionConnect, core.ActionMessage}).
		Where("status IN ?", core.SuccessItemStatuses()).
		Where("updated_at >= ?", since.UTC()).
		Count(&count).Error
	return count, err
}
