// Package settings stores per-workspace automation settings and supplies
// defaults for workspaces that never saved any.
package settings

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/sniper/pkg/activehours"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/security"
)

// Bounds accepted by Validate.
const (
	MaxActionsPerDay  = 5000
	MaxActionsPerHour = 500
	MaxMinDelay       = 600
	MaxMaxDelay       = 1800
	MaxCooldown       = 7 * 24 * 60
	MaxDailyCap       = 100000
)

// Store reads and writes workspace settings.
type Store interface {
	// Get returns the workspace's settings, or the defaults if none are saved.
	Get(ctx context.Context, workspaceID string) (*core.WorkspaceSettings, error)
	// Put validates and saves settings.
	Put(ctx context.Context, s *core.WorkspaceSettings) error
}

// Defaults returns the settings a workspace runs with until it saves its own.
func Defaults(workspaceID string) core.WorkspaceSettings {
	return core.WorkspaceSettings{
		WorkspaceID:       workspaceID,
		Provider:          core.ProviderRemote,
		AutomationEnabled: true,
		MaxActionsPerDay:  120,
		MaxActionsPerHour: 25,
		MinDelaySeconds:   20,
		MaxDelaySeconds:   60,
		ActiveDays:        []int{1, 2, 3, 4, 5},
		ActiveStart:       "09:00",
		ActiveEnd:         "17:00",
		Timezone:          "UTC",
		SafetyMode:        true,
		CooldownMinutes:   60,
		UserDailyConnects: 20,
		WorkspaceConnects: 100,
		UserDailyMessages: 100,
		WorkspaceMessages: 500,
		UserDailyVisits:   200,
		WorkspaceVisits:   1000,
		UserDailyJobPages: 200,
		WorkspaceJobPages: 1000,
	}
}

// Validate checks settings against the accepted bounds. Errors wrap
// core.ErrInvalidInput.
func Validate(s *core.WorkspaceSettings) error {
	if err := security.ValidateIdentifier("workspace", s.WorkspaceID); err != nil {
		return err
	}
	if !s.Provider.Valid() {
		return errors.Wrapf(core.ErrInvalidInput, "unknown provider %q", s.Provider)
	}
	if err := inRange("max_actions_per_day", s.MaxActionsPerDay, 1, MaxActionsPerDay); err != nil {
		return err
	}
	if err := inRange("max_actions_per_hour", s.MaxActionsPerHour, 1, MaxActionsPerHour); err != nil {
		return err
	}
	if err := inRange("min_delay_seconds", s.MinDelaySeconds, 1, MaxMinDelay); err != nil {
		return err
	}
	if err := inRange("max_delay_seconds", s.MaxDelaySeconds, 1, MaxMaxDelay); err != nil {
		return err
	}
	if s.MinDelaySeconds > s.MaxDelaySeconds {
		return errors.Wrap(core.ErrInvalidInput, "min_delay_seconds exceeds max_delay_seconds")
	}
	if err := inRange("cooldown_minutes", s.CooldownMinutes, 0, MaxCooldown); err != nil {
		return err
	}
	if _, err := activehours.ParseClock(s.ActiveStart); err != nil {
		return errors.Wrap(core.ErrInvalidInput, err.Error())
	}
	if _, err := activehours.ParseClock(s.ActiveEnd); err != nil {
		return errors.Wrap(core.ErrInvalidInput, err.Error())
	}
	for _, d := range s.ActiveDays {
		if d < 1 || d > 7 {
			return errors.Wrapf(core.ErrInvalidInput, "active day %d out of range 1-7", d)
		}
	}
	if err := security.ValidateTimezone(s.Timezone); err != nil {
		return err
	}
	caps := map[string]int{
		"user_daily_connects":  s.UserDailyConnects,
		"workspace_connects":   s.WorkspaceConnects,
		"user_daily_messages":  s.UserDailyMessages,
		"workspace_messages":   s.WorkspaceMessages,
		"user_daily_visits":    s.UserDailyVisits,
		"workspace_visits":     s.WorkspaceVisits,
		"user_daily_job_pages": s.UserDailyJobPages,
		"workspace_job_pages":  s.WorkspaceJobPages,
	}
	for name, v := range caps {
		if err := inRange(name, v, 0, MaxDailyCap); err != nil {
			return err
		}
	}
	return nil
}

func inRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return errors.Wrapf(core.ErrInvalidInput, "%s must be between %d and %d, got %d", name, lo, hi, v)
	}
	return nil
}

// GormStore implements Store on the workspace_settings table.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a settings store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Get returns saved settings or Defaults. Missing day lists and clock values
// on saved rows are filled from the defaults.
func (s *GormStore) Get(ctx context.Context, workspaceID string) (*core.WorkspaceSettings, error) {
	var row core.WorkspaceSettings
	err := s.db.WithContext(ctx).First(&row, "workspace_id = ?", workspaceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d := Defaults(workspaceID)
		return &d, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load settings for %s", workspaceID)
	}
	fillBlank(&row)
	return &row, nil
}

// Put validates and upserts settings.
func (s *GormStore) Put(ctx context.Context, settings *core.WorkspaceSettings) error {
	fillBlank(settings)
	if err := Validate(settings); err != nil {
		return err
	}
	settings.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}},
			UpdateAll: true,
		}).
		Create(settings).Error
}

func fillBlank(s *core.WorkspaceSettings) {
	d := Defaults(s.WorkspaceID)
	if s.Provider == "" {
		s.Provider = d.Provider
	}
	if s.ActiveDays == nil {
		s.ActiveDays = d.ActiveDays
	}
	if s.ActiveStart == "" {
		s.ActiveStart = d.ActiveStart
	}
	if s.ActiveEnd == "" {
		s.ActiveEnd = d.ActiveEnd
	}
	if s.Timezone == "" {
		s.Timezone = d.Timezone
	}
}
