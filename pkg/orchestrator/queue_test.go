package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/sniper/internal/testdb"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/security"
	"github.com/jdziat/sniper/pkg/settings"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s := testdb.Storage(t)
	return NewQueue(s, settings.NewGormStore(s.DB()))
}

// ──────────────────────────────────────────────────────────────────────────────
// CreateJob
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateJob_Validation(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  JobRequest
		msg  string
	}{
		{
			name: "missing workspace",
			req:  JobRequest{CreatedBy: "u1", Type: core.JobSendConnectRequests, Profiles: profiles(1)},
		},
		{
			name: "unknown type",
			req:  JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: "scrape_everything"},
			msg:  "unknown job type",
		},
		{
			name: "connect without profiles",
			req:  JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendConnectRequests},
			msg:  "profiles are required",
		},
		{
			name: "too many profiles",
			req:  JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendConnectRequests, Profiles: profiles(security.MaxBulkProfiles + 1)},
			msg:  "at most",
		},
		{
			name: "message without text",
			req:  JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendMessages, Profiles: profiles(1)},
			msg:  "message is required",
		},
		{
			name: "message too long",
			req: JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendMessages, Profiles: profiles(1),
				Input: core.JobInput{Message: strings.Repeat("x", security.MaxMessageLength+1)}},
			msg: "message exceeds",
		},
		{
			name: "discovery without post",
			req:  JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobDiscoverPostEngagers},
		},
		{
			name: "discovery with profiles",
			req: JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobDiscoverPostEngagers, Profiles: profiles(1),
				Input: core.JobInput{PostURL: "https://www.linkedin.com/posts/x"}},
			msg: "take no profiles",
		},
		{
			name: "search without url",
			req:  JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobPeopleSearch},
			msg:  "search_url",
		},
		{
			name: "search off linkedin",
			req: JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobPeopleSearch,
				Input: core.JobInput{SearchURL: "https://example.com/search/results/people/?keywords=x"}},
			msg: "linkedin.com",
		},
		{
			name: "search url is a profile",
			req: JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobPeopleSearch,
				Input: core.JobInput{SearchURL: "https://www.linkedin.com/in/jane"}},
			msg: "linkedin search",
		},
		{
			name: "bad profile url",
			req: JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendConnectRequests,
				Profiles: []ProfileRequest{{URL: "ftp://example.com/in/x"}}},
			msg: "unsupported scheme",
		},
		{
			name: "unknown provider",
			req: JobRequest{WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendConnectRequests,
				Provider: "carrier-pigeon", Profiles: profiles(1)},
			msg: "unknown provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.CreateJob(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidInput)
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestCreateJob_PeopleSearchKeepsQuery(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.CreateJob(context.Background(), JobRequest{
		WorkspaceID: "ws-1",
		CreatedBy:   "u1",
		Type:        core.JobPeopleSearch,
		Input:       core.JobInput{SearchURL: " http://www.linkedin.com/search/results/people/?keywords=cto&page=2#top "},
	})
	require.NoError(t, err)

	in := job.Input.Data()
	assert.Equal(t, "https://www.linkedin.com/search/results/people/?keywords=cto&page=2", in.SearchURL)
	assert.Equal(t, security.DefaultDiscoveryLimit, in.Limit)
}

func TestCreateJob_DedupesProfilesAndTruncatesNote(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.CreateJob(ctx, JobRequest{
		WorkspaceID: "ws-1",
		CreatedBy:   "u1",
		Type:        core.JobSendConnectRequests,
		Input:       core.JobInput{Note: "  " + strings.Repeat("n", 400) + "  "},
		Profiles: []ProfileRequest{
			{URL: "https://www.linkedin.com/in/ann"},
			{URL: "linkedin.com/in/bob", Note: "hey bob"},
			{URL: "https://www.linkedin.com/in/ann/?trk=x", Note: "dropped"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, core.ProviderRemote, job.Provider, "defaults to the workspace provider")
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Len(t, []rune(job.Input.Data().Note), security.MaxNoteLength)

	items, err := q.Storage().ListItems(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "https://www.linkedin.com/in/ann", items[0].ProfileURL)
	assert.Empty(t, items[0].Note())
	assert.Equal(t, "https://linkedin.com/in/bob", items[1].ProfileURL)
	assert.Equal(t, "hey bob", items[1].Note())
	assert.Equal(t, core.ActionConnect, items[1].Action)
}

func TestCreateJob_UsesWorkspaceProvider(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	s := settings.Defaults("ws-1")
	s.Provider = core.ProviderLocal
	require.NoError(t, q.settings.Put(ctx, &s))

	job, err := q.CreateJob(ctx, JobRequest{
		WorkspaceID: "ws-1",
		CreatedBy:   "u1",
		Type:        core.JobSendMessages,
		Input:       core.JobInput{Message: "hello"},
		Profiles:    profiles(1),
	})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderLocal, job.Provider)
}

func TestCreateJob_DiscoveryClampsLimit(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.CreateJob(context.Background(), JobRequest{
		WorkspaceID: "ws-1",
		CreatedBy:   "u1",
		Type:        core.JobDiscoverPostEngagers,
		Input:       core.JobInput{PostURL: "https://www.linkedin.com/posts/x/?utm=1", Limit: 1_000_000},
	})
	require.NoError(t, err)
	in := job.Input.Data()
	assert.Equal(t, security.MaxDiscoveryLimit, in.Limit)
	assert.Equal(t, "https://www.linkedin.com/posts/x", in.PostURL)
}

func TestCreateJob_RunAtStoredInUTC(t *testing.T) {
	q := newTestQueue(t)
	at := time.Date(2030, 1, 2, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	job, err := q.CreateJob(context.Background(), JobRequest{
		WorkspaceID: "ws-1",
		CreatedBy:   "u1",
		Type:        core.JobSendMessages,
		Input:       core.JobInput{Message: "hi"},
		Profiles:    profiles(1),
		RunAt:       &at,
	})
	require.NoError(t, err)
	require.NotNil(t, job.RunAt)
	assert.Equal(t, time.UTC, job.RunAt.Location())
	assert.True(t, job.RunAt.Equal(at))
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

func TestCancelJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	events := q.Events()
	defer q.Unsubscribe(events)

	job, err := q.CreateJob(ctx, JobRequest{
		WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendMessages,
		Input: core.JobInput{Message: "hi"}, Profiles: profiles(2),
	})
	require.NoError(t, err)

	require.NoError(t, q.CancelJob(ctx, job.ID))
	got, err := q.Storage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, got.Status)

	finished := finishedEvents(drain(events))
	require.Len(t, finished, 1)
	assert.Equal(t, core.StatusCanceled, finished[0].Status)

	assert.ErrorIs(t, q.CancelJob(ctx, job.ID), core.ErrIllegalTransition)
	assert.ErrorIs(t, q.CancelJob(ctx, "missing"), core.ErrNotFound)
}

func TestCancelJob_CancelsRunningContext(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	job, err := q.CreateJob(ctx, JobRequest{
		WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendMessages,
		Input: core.JobInput{Message: "hi"}, Profiles: profiles(1),
	})
	require.NoError(t, err)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	q.registerRunningJob(job.ID, cancel)
	defer q.unregisterRunningJob(job.ID)

	require.NoError(t, q.CancelJob(ctx, job.ID))
	assert.ErrorIs(t, jobCtx.Err(), context.Canceled)
}

func TestResumeJob_RequeuesHeldItems(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	s := q.Storage()

	job, err := q.CreateJob(ctx, JobRequest{
		WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendConnectRequests, Profiles: profiles(2),
	})
	require.NoError(t, err)
	items, err := s.ListItems(ctx, job.ID)
	require.NoError(t, err)

	_, err = s.UpdateItem(ctx, items[0].ID, core.ItemUpdate{Status: core.ItemAuthRequired, ErrorCode: core.CodeNeedsReauth})
	require.NoError(t, err)
	changed, err := s.TransitionJob(ctx, job.ID, core.StatusPaused, core.CodeNeedsReauth, "")
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, q.ResumeJob(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.Empty(t, got.ErrorCode)

	held, err := s.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemQueued, held.Status)

	assert.ErrorIs(t, q.ResumeJob(ctx, job.ID), core.ErrIllegalTransition, "queued jobs cannot be resumed")
}

// ──────────────────────────────────────────────────────────────────────────────
// Targets
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateTarget_Validation(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.CreateTarget(ctx, TargetRequest{WorkspaceID: "ws-1", CreatedBy: "u1", PostURL: "not a url at all"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, _, err = q.CreateTarget(ctx, TargetRequest{
		WorkspaceID: "ws-1", CreatedBy: "u1", PostURL: "https://www.linkedin.com/posts/x",
		Settings: core.TargetSettings{Limit: -1},
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, _, err = q.CreateTarget(ctx, TargetRequest{
		WorkspaceID: "ws-1", CreatedBy: "u1", PostURL: "https://www.linkedin.com/posts/x",
		Settings: core.TargetSettings{Cron: "every tuesday-ish"},
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestTargetPauseResume(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	target, job, err := q.CreateTarget(ctx, TargetRequest{
		WorkspaceID: "ws-1", CreatedBy: "u1", Name: " Launch ",
		PostURL:  "https://www.linkedin.com/posts/launch",
		Settings: core.TargetSettings{Limit: 50, Cron: "0 9 * * 1-5"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Launch", target.Name)
	assert.Equal(t, 50, job.Input.Data().Limit)

	require.NoError(t, q.PauseTarget(ctx, target.ID))
	got, err := q.Storage().GetTarget(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TargetPaused, got.Status)

	require.NoError(t, q.ResumeTarget(ctx, target.ID))
	got, err = q.Storage().GetTarget(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TargetActive, got.Status)

	_, err = q.RunTarget(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// ──────────────────────────────────────────────────────────────────────────────
// Notification
// ──────────────────────────────────────────────────────────────────────────────

func TestNotify_OncePerJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var calls int
	q.OnJobFinished(func(context.Context, *core.JobFinished) { calls++ })

	job, err := q.CreateJob(ctx, JobRequest{
		WorkspaceID: "ws-1", CreatedBy: "u1", Type: core.JobSendMessages,
		Input: core.JobInput{Message: "hi"}, Profiles: profiles(3),
	})
	require.NoError(t, err)

	sent, err := q.Notify(ctx, job, true)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = q.Notify(ctx, job, false)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, calls)
}

func TestEvents_SlowSubscriberDoesNotBlock(t *testing.T) {
	q := newTestQueue(t)
	ch := q.Events()
	defer q.Unsubscribe(ch)

	for i := 0; i < 150; i++ {
		q.Emit(&core.JobStarted{Timestamp: time.Now()})
	}
	assert.Len(t, drain(ch), 100)

	q.Unsubscribe(ch)
	q.Emit(&core.JobStarted{})
	assert.Empty(t, drain(ch))
}
