package settings

import (
	"github.com/jdziat/sniper/pkg/core"
)

// Patch is a partial settings update. Nil fields keep their current value.
type Patch struct {
	Provider          *core.ProviderKind `json:"provider"`
	AutomationEnabled *bool              `json:"automation_enabled"`
	MaxActionsPerDay  *int               `json:"max_actions_per_day"`
	MaxActionsPerHour *int               `json:"max_actions_per_hour"`
	MinDelaySeconds   *int               `json:"min_delay_seconds"`
	MaxDelaySeconds   *int               `json:"max_delay_seconds"`
	ActiveDays        *[]int             `json:"active_days"`
	ActiveStart       *string            `json:"active_start"`
	ActiveEnd         *string            `json:"active_end"`
	RunOnWeekends     *bool              `json:"run_on_weekends"`
	Timezone          *string            `json:"timezone"`
	SafetyMode        *bool              `json:"safety_mode"`
	CooldownMinutes   *int               `json:"cooldown_minutes"`
	UserDailyConnects *int               `json:"user_daily_connects"`
	WorkspaceConnects *int               `json:"workspace_connects"`
	UserDailyMessages *int               `json:"user_daily_messages"`
	WorkspaceMessages *int               `json:"workspace_messages"`
	UserDailyVisits   *int               `json:"user_daily_visits"`
	WorkspaceVisits   *int               `json:"workspace_visits"`
	UserDailyJobPages *int               `json:"user_daily_job_pages"`
	WorkspaceJobPages *int               `json:"workspace_job_pages"`
}

// Apply returns a copy of s with the patch's non-nil fields set.
func (p Patch) Apply(s core.WorkspaceSettings) core.WorkspaceSettings {
	set(&s.Provider, p.Provider)
	set(&s.AutomationEnabled, p.AutomationEnabled)
	set(&s.MaxActionsPerDay, p.MaxActionsPerDay)
	set(&s.MaxActionsPerHour, p.MaxActionsPerHour)
	set(&s.MinDelaySeconds, p.MinDelaySeconds)
	set(&s.MaxDelaySeconds, p.MaxDelaySeconds)
	if p.ActiveDays != nil {
		s.ActiveDays = append([]int{}, (*p.ActiveDays)...)
	}
	set(&s.ActiveStart, p.ActiveStart)
	set(&s.ActiveEnd, p.ActiveEnd)
	set(&s.RunOnWeekends, p.RunOnWeekends)
	set(&s.Timezone, p.Timezone)
	set(&s.SafetyMode, p.SafetyMode)
	set(&s.CooldownMinutes, p.CooldownMinutes)
	set(&s.UserDailyConnects, p.UserDailyConnects)
	set(&s.WorkspaceConnects, p.WorkspaceConnects)
	set(&s.UserDailyMessages, p.UserDailyMessages)
	set(&s.WorkspaceMessages, p.WorkspaceMessages)
	set(&s.UserDailyVisits, p.UserDailyVisits)
	set(&s.WorkspaceVisits, p.WorkspaceVisits)
	set(&s.UserDailyJobPages, p.UserDailyJobPages)
	set(&s.WorkspaceJobPages, p.WorkspaceJobPages)
	return s
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
