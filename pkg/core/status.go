package core

import "github.com/cockroachdb/errors"

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusQueued             JobStatus = "queued"
	StatusRunning            JobStatus = "running"
	StatusPaused             JobStatus = "paused" // held until an operator or re-auth resumes it
	StatusSucceeded          JobStatus = "succeeded"
	StatusPartiallySucceeded JobStatus = "partially_succeeded"
	StatusFailed             JobStatus = "failed"
	StatusCanceled           JobStatus = "canceled"
)

// AllJobStatuses lists every job status. The transition table must cover each.
var AllJobStatuses = []JobStatus{
	StatusQueued, StatusRunning, StatusPaused,
	StatusSucceeded, StatusPartiallySucceeded, StatusFailed, StatusCanceled,
}

var jobTransitions = map[JobStatus][]JobStatus{
	StatusQueued:             {StatusRunning, StatusPaused, StatusCanceled},
	StatusRunning:            {StatusQueued, StatusPaused, StatusSucceeded, StatusPartiallySucceeded, StatusFailed, StatusCanceled},
	StatusPaused:             {StatusQueued, StatusCanceled},
	StatusSucceeded:          nil,
	StatusPartiallySucceeded: nil,
	StatusFailed:             nil,
	StatusCanceled:           nil,
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	next, ok := jobTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the job state machine allows s -> to.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, n := range jobTransitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status from which to is reachable.
func SourcesOf(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, s := range AllJobStatuses {
		if s.CanTransitionTo(to) {
			out = append(out, s)
		}
	}
	return out
}

// CheckJobTransition returns ErrIllegalTransition when from -> to is not allowed.
func CheckJobTransition(from, to JobStatus) error {
	if !from.CanTransitionTo(to) {
		return errors.Wrapf(ErrIllegalTransition, "job %s -> %s", from, to)
	}
	return nil
}

// ItemStatus represents the current state of a job item.
type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"
	ItemRunning ItemStatus = "running"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped"

	// Result ingestion variants.
	ItemSucceededVerified         ItemStatus = "succeeded_verified"
	ItemSucceededAlreadyPending   ItemStatus = "succeeded_noop_already_pending"
	ItemSucceededAlreadyConnected ItemStatus = "succeeded_noop_already_connected"
	ItemAuthRequired              ItemStatus = "auth_required"
)

// AllItemStatuses lists every item status. The transition table must cover each.
var AllItemStatuses = []ItemStatus{
	ItemQueued, ItemRunning, ItemSuccess, ItemFailed, ItemSkipped,
	ItemSucceededVerified, ItemSucceededAlreadyPending, ItemSucceededAlreadyConnected,
	ItemAuthRequired,
}

var itemOutcomes = []ItemStatus{
	ItemSuccess, ItemFailed, ItemSkipped,
	ItemSucceededVerified, ItemSucceededAlreadyPending, ItemSucceededAlreadyConnected,
	ItemAuthRequired,
}

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemQueued:                    append([]ItemStatus{ItemRunning}, itemOutcomes...),
	ItemRunning:                   append([]ItemStatus{ItemQueued}, itemOutcomes...),
	ItemAuthRequired:              {ItemQueued},
	ItemSuccess:                   nil,
	ItemFailed:                    nil,
	ItemSkipped:                   nil,
	ItemSucceededVerified:         nil,
	ItemSucceededAlreadyPending:   nil,
	ItemSucceededAlreadyConnected: nil,
}

// IsTerminal reports whether the item has a final outcome.
func (s ItemStatus) IsTerminal() bool {
	next, ok := itemTransitions[s]
	return ok && len(next) == 0
}

// IsSuccess reports whether the item counts as a success in rollups.
func (s ItemStatus) IsSuccess() bool {
	switch s {
	case ItemSuccess, ItemSucceededVerified, ItemSucceededAlreadyPending, ItemSucceededAlreadyConnected:
		return true
	}
	return false
}

// CanTransitionTo reports whether the item state machine allows s -> to.
func (s ItemStatus) CanTransitionTo(to ItemStatus) bool {
	for _, n := range itemTransitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

// ItemSourcesOf returns every item status from which to is reachable.
func ItemSourcesOf(to ItemStatus) []ItemStatus {
	var out []ItemStatus
	for _, s := range AllItemStatuses {
		if s.CanTransitionTo(to) {
			out = append(out, s)
		}
	}
	return out
}

// SuccessItemStatuses lists the statuses counted as successful actions.
func SuccessItemStatuses() []ItemStatus {
	return []ItemStatus{ItemSuccess, ItemSucceededVerified, ItemSucceededAlreadyPending, ItemSucceededAlreadyConnected}
}

// CheckItemTransition returns ErrIllegalTransition when from -> to is not allowed.
func CheckItemTransition(from, to ItemStatus) error {
	if !from.CanTransitionTo(to) {
		return errors.Wrapf(ErrIllegalTransition, "item %s -> %s", from, to)
	}
	return nil
}
