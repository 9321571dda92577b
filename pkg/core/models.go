package core

import (
	"time"

	"gorm.io/datatypes"

	"github.com/jdziat/sniper/pkg/activehours"
)

// JobType identifies what a job does.
type JobType string

const (
	JobDiscoverPostEngagers JobType = "discover_post_engagers"
	JobPeopleSearch         JobType = "people_search"
	JobSendConnectRequests  JobType = "send_connect_requests"
	JobSendMessages         JobType = "send_messages"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobDiscoverPostEngagers, JobPeopleSearch, JobSendConnectRequests, JobSendMessages:
		return true
	}
	return false
}

// Discovers reports whether jobs of this type collect profiles rather than
// act on them.
func (t JobType) Discovers() bool {
	return t == JobDiscoverPostEngagers || t == JobPeopleSearch
}

// ItemAction returns the item action type a job of this type carries.
func (t JobType) ItemAction() ActionType {
	switch t {
	case JobSendConnectRequests:
		return ActionConnect
	case JobSendMessages:
		return ActionMessage
	default:
		return ActionExtract
	}
}

// ProviderKind selects the execution backend for a job.
type ProviderKind string

const (
	ProviderRemote ProviderKind = "remote" // managed browser service
	ProviderLocal  ProviderKind = "local"  // headless browser with stored cookie
	// ProviderExternal jobs are driven by an out-of-process harness through
	// the result ingestion gateway; workers never claim them.
	ProviderExternal ProviderKind = "external"
)

// Valid reports whether k is a known provider.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderRemote, ProviderLocal, ProviderExternal:
		return true
	}
	return false
}

// ActionType is the action an item performs against one profile.
type ActionType string

const (
	ActionConnect ActionType = "connect"
	ActionMessage ActionType = "message"
	ActionExtract ActionType = "extract"
)

// TargetKind is the kind of recurring source a target represents.
type TargetKind string

const TargetPostEngagement TargetKind = "post_engagement"

// TargetStatus is the soft status of a target.
type TargetStatus string

const (
	TargetActive TargetStatus = "active"
	TargetPaused TargetStatus = "paused"
)

// TargetSettings is the free-form configuration stored on a target.
type TargetSettings struct {
	Cron  string `json:"cron,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Target is a recurring automation source, such as the engagers of a post.
type Target struct {
	ID          string                             `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID string                             `gorm:"index;size:64;not null" json:"workspace_id"`
	CreatedBy   string                             `gorm:"size:64;not null" json:"created_by"`
	Kind        TargetKind                         `gorm:"size:32;not null" json:"kind"`
	Name        string                             `gorm:"size:255" json:"name"`
	PostURL     string                             `gorm:"size:1024;not null" json:"post_url"`
	Status      TargetStatus                       `gorm:"index;size:20;default:'active'" json:"status"`
	Settings    datatypes.JSONType[TargetSettings] `json:"settings"`
	CreatedAt   time.Time                          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time                          `gorm:"autoUpdateTime" json:"updated_at"`
}

// JobInput is the immutable payload a job was created with.
type JobInput struct {
	PostURL   string `json:"post_url,omitempty"`
	SearchURL string `json:"search_url,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Note      string `json:"note,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Job is one execution unit.
type Job struct {
	ID           string                       `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID  string                       `gorm:"index;size:64;not null" json:"workspace_id"`
	CreatedBy    string                       `gorm:"index;size:64;not null" json:"created_by"`
	TargetID     *string                      `gorm:"index;size:36" json:"target_id"`
	Type         JobType                      `gorm:"index;size:40;not null" json:"type"`
	Provider     ProviderKind                 `gorm:"index;size:20;not null" json:"provider"`
	Input        datatypes.JSONType[JobInput] `json:"input"`
	Status       JobStatus                    `gorm:"index;size:32;default:'queued'" json:"status"`
	Attempts     int                          `gorm:"default:0" json:"attempts"`
	MaxAttempts  int                          `gorm:"default:3" json:"max_attempts"`
	ErrorCode    string                       `gorm:"size:64" json:"error_code"`
	ErrorMessage string                       `gorm:"type:text" json:"error_message"`
	RunAt        *time.Time                   `gorm:"index" json:"run_at"`
	LockedBy     string                       `gorm:"size:255" json:"locked_by"`
	LockedUntil  *time.Time                   `gorm:"index" json:"locked_until"`
	StartedAt    *time.Time                   `json:"started_at"`
	FinishedAt   *time.Time                   `json:"finished_at"`
	NotifiedAt   *time.Time                   `json:"notified_at"`
	CreatedAt    time.Time                    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time                    `gorm:"autoUpdateTime" json:"updated_at"`
}

// NeedsReauth reports whether the job stopped because the LinkedIn session
// must be re-authenticated, as opposed to being held for throttling.
func (j *Job) NeedsReauth() bool {
	return j.ErrorCode == CodeNeedsReauth
}

// JobItem is one action against one profile within a job.
type JobItem struct {
	ID           string            `gorm:"primaryKey;size:36" json:"id"`
	JobID        string            `gorm:"size:36;not null;uniqueIndex:idx_job_items_job_profile;index:idx_job_items_job_seq" json:"job_id"`
	WorkspaceID  string            `gorm:"index;size:64;not null" json:"workspace_id"`
	ProfileURL   string            `gorm:"size:512;not null;uniqueIndex:idx_job_items_job_profile" json:"profile_url"`
	Action       ActionType        `gorm:"size:20;not null" json:"action"`
	Seq          int               `gorm:"not null;index:idx_job_items_job_seq" json:"seq"`
	ScheduledFor *time.Time        `gorm:"index" json:"scheduled_for"`
	Status       ItemStatus        `gorm:"index;size:40;default:'queued'" json:"status"`
	Result       datatypes.JSONMap `json:"result"`
	ErrorCode    string            `gorm:"size:64" json:"error_code"`
	ErrorMessage string            `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime;index" json:"updated_at"`
}

// Note returns the per-item connection note, if one was stored.
func (i *JobItem) Note() string {
	if i.Result == nil {
		return ""
	}
	if s, ok := i.Result["note"].(string); ok {
		return s
	}
	return ""
}

// ItemSummary counts a job's items by outcome.
type ItemSummary struct {
	Total   int
	Success int
	Failed  int
	Skipped int
	Pending int // queued, running or held for auth
}

// Done reports whether every item has reached a terminal status.
func (s ItemSummary) Done() bool {
	return s.Total > 0 && s.Success+s.Failed+s.Skipped >= s.Total
}

// WorkspaceSettings is the per-workspace automation configuration.
type WorkspaceSettings struct {
	WorkspaceID       string                   `gorm:"primaryKey;size:64" json:"workspace_id"`
	Provider          ProviderKind             `gorm:"size:20" json:"provider"`
	AutomationEnabled bool                     `json:"automation_enabled"`
	MaxActionsPerDay  int                      `json:"max_actions_per_day"`
	MaxActionsPerHour int                      `json:"max_actions_per_hour"`
	MinDelaySeconds   int                      `json:"min_delay_seconds"`
	MaxDelaySeconds   int                      `json:"max_delay_seconds"`
	ActiveDays        datatypes.JSONSlice[int] `json:"active_days"`
	ActiveStart       string                   `gorm:"size:5" json:"active_start"`
	ActiveEnd         string                   `gorm:"size:5" json:"active_end"`
	RunOnWeekends     bool                     `json:"run_on_weekends"`
	Timezone          string                   `gorm:"size:64" json:"timezone"`
	SafetyMode        bool                     `json:"safety_mode"`
	CooldownMinutes   int                      `json:"cooldown_minutes"`
	UserDailyConnects int                      `json:"user_daily_connects"`
	WorkspaceConnects int                      `json:"workspace_connects"`
	UserDailyMessages int                      `json:"user_daily_messages"`
	WorkspaceMessages int                      `json:"workspace_messages"`
	UserDailyVisits   int                      `json:"user_daily_visits"`
	WorkspaceVisits   int                      `json:"workspace_visits"`
	UserDailyJobPages int                      `json:"user_daily_job_pages"`
	WorkspaceJobPages int                      `json:"workspace_job_pages"`
	UpdatedAt         time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
}

// ActiveWindow returns the active-hours window these settings describe.
func (s WorkspaceSettings) ActiveWindow() activehours.Window {
	return activehours.Window{
		Timezone:      s.Timezone,
		Days:          []int(s.ActiveDays),
		Start:         s.ActiveStart,
		End:           s.ActiveEnd,
		RunOnWeekends: s.RunOnWeekends,
	}
}

// WorkspaceUserID is the reserved user id of a workspace-scoped ledger row.
const WorkspaceUserID = "*"

// UsageLedgerRow holds one day's action counters for a user in a workspace.
// Rows with UserID == WorkspaceUserID aggregate the whole workspace.
type UsageLedgerRow struct {
	UserID        string `gorm:"primaryKey;size:64"`
	WorkspaceID   string `gorm:"primaryKey;size:64"`
	Day           string `gorm:"primaryKey;size:10"`
	Connects      int    `gorm:"not null"`
	Messages      int    `gorm:"not null"`
	ProfileVisits int    `gorm:"not null"`
	JobPages      int    `gorm:"not null"`
	CooldownUntil *time.Time
	UpdatedAt     time.Time
}

// TableName pins the ledger table name.
func (UsageLedgerRow) TableName() string { return "usage_ledger_daily" }

// AuthStatus is the state of a user's stored LinkedIn session.
type AuthStatus string

const (
	AuthOK           AuthStatus = "ok"
	AuthNeedsReauth  AuthStatus = "needs_reauth"
	AuthCheckpointed AuthStatus = "checkpointed"
)

// LinkedInAuth is the stored LinkedIn session for a user in a workspace.
type LinkedInAuth struct {
	UserID           string       `gorm:"primaryKey;size:64" json:"user_id"`
	WorkspaceID      string       `gorm:"primaryKey;size:64" json:"workspace_id"`
	Provider         ProviderKind `gorm:"size:20" json:"provider"`
	BrowserProfileID string       `gorm:"size:255" json:"browser_profile_id"`
	SessionCookie    string       `gorm:"type:text" json:"-"`
	Status           AuthStatus   `gorm:"size:20" json:"status"`
	LastAuthAt       *time.Time   `json:"last_auth_at"`
	UpdatedAt        time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the auth table name.
func (LinkedInAuth) TableName() string { return "linkedin_auth" }

// AuthSessionStatus is the state of an embedded auth flow.
type AuthSessionStatus string

const (
	AuthSessionActive    AuthSessionStatus = "active"
	AuthSessionCompleted AuthSessionStatus = "completed"
	AuthSessionAbandoned AuthSessionStatus = "abandoned"
)

// AuthSession tracks an embedded login flow in progress.
type AuthSession struct {
	ID          string            `gorm:"primaryKey;size:36" json:"id"`
	UserID      string            `gorm:"index;size:64;not null" json:"user_id"`
	WorkspaceID string            `gorm:"index;size:64;not null" json:"workspace_id"`
	Provider    ProviderKind      `gorm:"size:20" json:"provider"`
	Handle      string            `gorm:"size:255" json:"handle"`
	WindowID    string            `gorm:"size:255" json:"window_id"`
	ProfileID   string            `gorm:"size:255" json:"profile_id"`
	LiveViewURL string            `gorm:"type:text" json:"live_view_url"`
	Status      AuthSessionStatus `gorm:"size:20" json:"status"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the auth session table name.
func (AuthSession) TableName() string { return "linkedin_auth_sessions" }
