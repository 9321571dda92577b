package core

import "time"

// Event is the interface for all orchestrator events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a worker claims a job.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobRequeued is emitted when a running job is put back in the queue.
type JobRequeued struct {
	Job       *Job
	Reason    string
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRequeued) eventMarker() {}

// ItemProcessed is emitted after each item attempt.
type ItemProcessed struct {
	Item      *JobItem
	Status    ItemStatus
	Timestamp time.Time
}

func (*ItemProcessed) eventMarker() {}

// JobFinished is emitted once when a job reaches a terminal status or is
// stopped for re-authentication. It is also the payload handed to notifiers.
type JobFinished struct {
	JobID        string        `json:"job_id"`
	WorkspaceID  string        `json:"workspace_id"`
	CreatedBy    string        `json:"created_by"`
	JobType      JobType       `json:"job_type"`
	Status       JobStatus     `json:"status"`
	Success      int           `json:"success"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	AuthRequired bool          `json:"auth_required"`
	Duration     time.Duration `json:"-"`
	Timestamp    time.Time     `json:"timestamp"`
}

func (*JobFinished) eventMarker() {}
