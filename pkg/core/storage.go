package core

import (
	"context"
	"time"
)

// Starter is the interface for starting long-running components.
type Starter interface {
	Start(ctx context.Context) error
}

// ItemUpdate is the outcome written to an item. The update only applies when
// the item is still in one of the source statuses for Status.
type ItemUpdate struct {
	Status       ItemStatus
	Result       map[string]any
	ErrorCode    string
	ErrorMessage string
}

// Requeue describes putting a running job back in the queue.
type Requeue struct {
	RunAt   time.Time
	Code    string
	Message string
	// CountAttempt charges the requeue against the job's retry budget.
	// Throttle and active-hours requeues leave it false.
	CountAttempt bool
}

// Storage defines the persistence layer for targets, jobs and items.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Targets
	CreateTarget(ctx context.Context, target *Target) error
	GetTarget(ctx context.Context, id string) (*Target, error)
	ListTargets(ctx context.Context, workspaceID string) ([]*Target, error)
	ListActiveTargets(ctx context.Context) ([]*Target, error)
	SetTargetStatus(ctx context.Context, id string, status TargetStatus) error

	// Job lifecycle
	Enqueue(ctx context.Context, job *Job, items []*JobItem) error
	Dequeue(ctx context.Context, workerID string, lease time.Duration) (*Job, error)
	Requeue(ctx context.Context, jobID, workerID string, r Requeue) error
	Finish(ctx context.Context, jobID, workerID string, status JobStatus, code, msg string) error
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error
	ReleaseStaleLocks(ctx context.Context) (int64, error)

	// Unowned transitions used by the gateway and operators.
	TransitionJob(ctx context.Context, jobID string, to JobStatus, code, msg string) (bool, error)
	ClaimNotification(ctx context.Context, jobID string) (bool, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, workspaceID string, limit int) ([]*Job, error)
	HasOpenJob(ctx context.Context, targetID string) (bool, error)
	LatestTargetJob(ctx context.Context, targetID string) (*Job, error)

	// Items
	AddItems(ctx context.Context, jobID string, items []*JobItem) (int, error)
	ListItems(ctx context.Context, jobID string) ([]*JobItem, error)
	GetItem(ctx context.Context, itemID string) (*JobItem, error)
	FindItemByProfile(ctx context.Context, jobID, profileURL string) (*JobItem, error)
	UpdateItem(ctx context.Context, itemID string, update ItemUpdate) (bool, error)
	DeferItems(ctx context.Context, jobID string, until time.Time) (int64, error)
	RequeueHeldItems(ctx context.Context, jobID string) (int64, error)
	ClaimNextItem(ctx context.Context, jobID string, now time.Time) (*JobItem, error)
	SummarizeItems(ctx context.Context, jobID string) (ItemSummary, error)
	CountSuccessfulActions(ctx context.Context, workspaceID string, since time.Time) (int64, error)
}

// AuthStore persists LinkedIn session state.
type AuthStore interface {
	GetAuth(ctx context.Context, userID, workspaceID string) (*LinkedInAuth, error)
	SaveAuth(ctx context.Context, auth *LinkedInAuth) error
	SetAuthStatus(ctx context.Context, userID, workspaceID string, status AuthStatus) error

	CreateAuthSession(ctx context.Context, session *AuthSession) error
	GetAuthSession(ctx context.Context, id string) (*AuthSession, error)
	CloseAuthSession(ctx context.Context, id string, status AuthSessionStatus) error
}
