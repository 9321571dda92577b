package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/sniper/pkg/core"
)

// GormLedger implements Ledger on the usage_ledger_daily table.
type GormLedger struct {
	db *gorm.DB
}

var _ Ledger = (*GormLedger)(nil)

// NewGormLedger creates a ledger backed by db.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// Reserve upserts the user row and the workspace row in one transaction.
// Concurrent reservations serialize on the row, so their deltas sum exactly.
func (l *GormLedger) Reserve(ctx context.Context, r Reservation) (Usage, error) {
	if r.UserID == "" || r.WorkspaceID == "" || r.Day == "" {
		return Usage{}, errors.Wrap(core.ErrInvalidInput, "reservation needs user, workspace and day")
	}
	usage := Usage{Day: r.Day}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx, r.UserID, r, r.CooldownUntil); err != nil {
			return errors.Wrapf(err, "reserve user %s", r.UserID)
		}
		if err := upsert(tx, core.WorkspaceUserID, r, nil); err != nil {
			return errors.Wrapf(err, "reserve workspace %s", r.WorkspaceID)
		}

		var rows []core.UsageLedgerRow
		err := tx.Where("workspace_id = ? AND day = ? AND user_id IN ?",
			r.WorkspaceID, r.Day, []string{r.UserID, core.WorkspaceUserID}).
			Find(&rows).Error
		if err != nil {
			return errors.Wrap(err, "read ledger rows")
		}
		for _, row := range rows {
			if row.UserID == r.UserID {
				usage.User = countersOf(row)
			}
			if row.UserID == core.WorkspaceUserID {
				usage.Workspace = countersOf(row)
			}
		}

		// A cooldown set late in the day outlives its row.
		var prev []core.UsageLedgerRow
		err = tx.Where("user_id = ? AND workspace_id = ? AND day < ? AND cooldown_until IS NOT NULL",
			r.UserID, r.WorkspaceID, r.Day).
			Order("day DESC").Limit(1).
			Find(&prev).Error
		if err != nil {
			return errors.Wrap(err, "read earlier cooldown")
		}
		if len(prev) == 1 {
			usage.User.CooldownUntil = laterCooldown(usage.User.CooldownUntil, prev[0].CooldownUntil, time.Now())
		}
		return nil
	})
	if err != nil {
		return Usage{}, err
	}
	return usage, nil
}

// Peek is Reserve with zero deltas.
func (l *GormLedger) Peek(ctx context.Context, userID, workspaceID, day string) (Usage, error) {
	return l.Reserve(ctx, Reservation{UserID: userID, WorkspaceID: workspaceID, Day: day})
}

func upsert(tx *gorm.DB, userID string, r Reservation, cooldown *time.Time) error {
	ts := time.Now().UTC()
	row := core.UsageLedgerRow{
		UserID:        userID,
		WorkspaceID:   r.WorkspaceID,
		Day:           r.Day,
		Connects:      r.Deltas.Connects,
		Messages:      r.Deltas.Messages,
		ProfileVisits: r.Deltas.ProfileVisits,
		JobPages:      r.Deltas.JobPages,
		UpdatedAt:     ts,
	}
	set := map[string]any{
		"connects":       gorm.Expr("usage_ledger_daily.connects + excluded.connects"),
		"messages":       gorm.Expr("usage_ledger_daily.messages + excluded.messages"),
		"profile_visits": gorm.Expr("usage_ledger_daily.profile_visits + excluded.profile_visits"),
		"job_pages":      gorm.Expr("usage_ledger_daily.job_pages + excluded.job_pages"),
		"updated_at":     ts,
	}
	if cooldown != nil {
		c := cooldown.UTC()
		row.CooldownUntil = &c
		set["cooldown_until"] = c
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "workspace_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(set),
	}).Create(&row).Error
}

func countersOf(row core.UsageLedgerRow) Counters {
	c := Counters{
		Connects:      row.Connects,
		Messages:      row.Messages,
		ProfileVisits: row.ProfileVisits,
		JobPages:      row.JobPages,
	}
	if row.CooldownUntil != nil {
		t := row.CooldownUntil.UTC()
		c.CooldownUntil = &t
	}
	return c
}
