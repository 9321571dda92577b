package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestJobType_ItemAction(t *testing.T) {
	assert.Equal(t, ActionConnect, JobSendConnectRequests.ItemAction())
	assert.Equal(t, ActionMessage, JobSendMessages.ItemAction())
	assert.Equal(t, ActionExtract, JobDiscoverPostEngagers.ItemAction())
	assert.Equal(t, ActionExtract, JobPeopleSearch.ItemAction())
	assert.True(t, JobPeopleSearch.Valid())
	assert.False(t, JobType("scrape_everything").Valid())

	assert.True(t, JobDiscoverPostEngagers.Discovers())
	assert.True(t, JobPeopleSearch.Discovers())
	assert.False(t, JobSendMessages.Discovers())
}

func TestProviderKind_Valid(t *testing.T) {
	assert.True(t, ProviderRemote.Valid())
	assert.True(t, ProviderLocal.Valid())
	assert.True(t, ProviderExternal.Valid())
	assert.False(t, ProviderKind("phantom").Valid())
}

func TestJobItem_Note(t *testing.T) {
	assert.Equal(t, "", (&JobItem{}).Note())
	assert.Equal(t, "hi there", (&JobItem{Result: datatypes.JSONMap{"note": "hi there"}}).Note())
	assert.Equal(t, "", (&JobItem{Result: datatypes.JSONMap{"note": 42}}).Note())
}

func TestItemSummary_Done(t *testing.T) {
	assert.False(t, ItemSummary{}.Done(), "empty job is never done")
	assert.False(t, ItemSummary{Total: 3, Success: 2, Pending: 1}.Done())
	assert.True(t, ItemSummary{Total: 3, Success: 1, Failed: 1, Skipped: 1}.Done())
}

func TestWorkspaceSettings_ActiveWindow(t *testing.T) {
	s := WorkspaceSettings{
		Timezone:      "Europe/Berlin",
		ActiveDays:    datatypes.JSONSlice[int]{1, 2, 3},
		ActiveStart:   "08:00",
		ActiveEnd:     "18:00",
		RunOnWeekends: true,
	}
	w := s.ActiveWindow()
	assert.Equal(t, "Europe/Berlin", w.Timezone)
	assert.Equal(t, []int{1, 2, 3}, w.Days)
	assert.Equal(t, "08:00", w.Start)
	assert.True(t, w.RunOnWeekends)
}

func TestJob_NeedsReauth(t *testing.T) {
	assert.True(t, (&Job{ErrorCode: CodeNeedsReauth}).NeedsReauth())
	assert.False(t, (&Job{ErrorCode: CodeOutsideActiveHours}).NeedsReauth())
}
