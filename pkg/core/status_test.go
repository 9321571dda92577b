package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ──────────────────────────────────────────────────────────────────────────────
// Job transitions
// ──────────────────────────────────────────────────────────────────────────────

func TestJobTransitions_CoverEveryStatus(t *testing.T) {
	for _, s := range AllJobStatuses {
		_, ok := jobTransitions[s]
		assert.True(t, ok, "missing transition entry for %s", s)
	}
	assert.Len(t, jobTransitions, len(AllJobStatuses))
}

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		allowed  bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusQueued, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusPartiallySucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusQueued, true},
		{StatusQueued, StatusCanceled, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusSucceeded, StatusQueued, false},
		{StatusFailed, StatusRunning, false},
		{StatusCanceled, StatusQueued, false},
		{StatusPaused, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
			if tt.allowed {
				assert.NoError(t, CheckJobTransition(tt.from, tt.to))
			} else {
				assert.ErrorIs(t, CheckJobTransition(tt.from, tt.to), ErrIllegalTransition)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		StatusSucceeded: true, StatusPartiallySucceeded: true, StatusFailed: true, StatusCanceled: true,
	}
	for _, s := range AllJobStatuses {
		assert.Equal(t, terminal[s], s.IsTerminal(), string(s))
	}
	assert.False(t, JobStatus("bogus").IsTerminal())
}

func TestSourcesOf(t *testing.T) {
	assert.ElementsMatch(t, []JobStatus{StatusQueued, StatusRunning, StatusPaused}, SourcesOf(StatusCanceled))
	assert.ElementsMatch(t, []JobStatus{StatusRunning, StatusPaused}, SourcesOf(StatusQueued))
	assert.ElementsMatch(t, []JobStatus{StatusRunning}, SourcesOf(StatusSucceeded))
}

// ──────────────────────────────────────────────────────────────────────────────
// Item transitions
// ──────────────────────────────────────────────────────────────────────────────

func TestItemTransitions_CoverEveryStatus(t *testing.T) {
	for _, s := range AllItemStatuses {
		_, ok := itemTransitions[s]
		assert.True(t, ok, "missing transition entry for %s", s)
	}
	assert.Len(t, itemTransitions, len(AllItemStatuses))
}

func TestItemTransitions_TerminalNeverRegress(t *testing.T) {
	for _, s := range AllItemStatuses {
		if !s.IsTerminal() {
			continue
		}
		for _, to := range AllItemStatuses {
			assert.False(t, s.CanTransitionTo(to), "%s -> %s", s, to)
		}
	}
}

func TestItemTransitions(t *testing.T) {
	assert.True(t, ItemQueued.CanTransitionTo(ItemRunning))
	assert.True(t, ItemRunning.CanTransitionTo(ItemSucceededVerified))
	assert.True(t, ItemRunning.CanTransitionTo(ItemAuthRequired))
	assert.True(t, ItemAuthRequired.CanTransitionTo(ItemQueued))
	assert.False(t, ItemAuthRequired.CanTransitionTo(ItemSuccess))
	assert.False(t, ItemSuccess.CanTransitionTo(ItemFailed))
	assert.ErrorIs(t, CheckItemTransition(ItemFailed, ItemQueued), ErrIllegalTransition)
}

func TestItemStatus_IsSuccess(t *testing.T) {
	for _, s := range SuccessItemStatuses() {
		assert.True(t, s.IsSuccess(), string(s))
		assert.True(t, s.IsTerminal(), string(s))
	}
	assert.False(t, ItemFailed.IsSuccess())
	assert.False(t, ItemSkipped.IsSuccess())
	assert.False(t, ItemAuthRequired.IsTerminal())
}

func TestItemSourcesOf(t *testing.T) {
	assert.ElementsMatch(t, []ItemStatus{ItemQueued, ItemRunning}, ItemSourcesOf(ItemFailed))
	assert.ElementsMatch(t, []ItemStatus{ItemRunning, ItemAuthRequired}, ItemSourcesOf(ItemQueued))
}
