package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jdziat/sniper/internal/testdb"
	"github.com/jdziat/sniper/pkg/admission"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/internal/handler"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/orchestrator"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/provider/providertest"
	"github.com/jdziat/sniper/pkg/settings"
	"github.com/jdziat/sniper/pkg/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiHarness struct {
	store  *storage.GormStorage
	ledger *ledger.GormLedger
	queue  *orchestrator.Queue
	fake   *providertest.Fake
	router *gin.Engine
}

func newAPIHarness(t *testing.T, mutate func(*core.WorkspaceSettings), edit ...func(*Config)) *apiHarness {
	t.Helper()
	h := &apiHarness{store: testdb.Storage(t), fake: providertest.New(core.ProviderRemote)}
	st := settings.NewGormStore(h.store.DB())
	h.ledger = ledger.NewGormLedger(h.store.DB())

	s := settings.Defaults("ws-1")
	s.ActiveDays = []int{1, 2, 3, 4, 5, 6, 7}
	s.RunOnWeekends = true
	s.ActiveStart = "00:00"
	s.ActiveEnd = "00:00"
	if mutate != nil {
		mutate(&s)
	}
	require.NoError(t, st.Put(context.Background(), &s))

	log := zaptest.NewLogger(t)
	h.queue = orchestrator.NewQueue(h.store, st, orchestrator.WithQueueLogger(log))
	cfg := Config{
		Queue:     h.queue,
		Admission: admission.New(st, h.ledger, h.store),
		Ledger:    h.ledger,
		Settings:  st,
		Providers: provider.NewRegistry(h.fake),
		Auth:      h.store,
		Logger:    log,
	}
	for _, fn := range edit {
		fn(&cfg)
	}
	h.router = NewRouter(cfg)
	return h
}

func (h *apiHarness) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// as sends a request identified as user u1 in workspace ws.
func (h *apiHarness) as(t *testing.T, ws, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return h.request(t, method, path, body, map[string]string{UserIDHeader: "u1", WorkspaceIDHeader: ws})
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return h.as(t, "ws-1", method, path, body)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type queuedResponse struct {
	Queued bool   `json:"queued"`
	JobID  string `json:"job_id"`
	Quota  *Quota `json:"quota"`
}

type errorResponse struct {
	Error     handler.APIError `json:"error"`
	Requested int              `json:"requested"`
	Quota     *Quota           `json:"quota"`
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://www.linkedin.com/in/person-%02d", i+1)
	}
	return out
}

// ──────────────────────────────────────────────────────────────────────────────
// Middleware
// ──────────────────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t, nil)
	w := h.request(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newAPIHarness(t, nil, func(c *Config) {
		c.Ping = func(context.Context) error { return errors.New("connection refused") }
	})
	w = down.request(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	h := newAPIHarness(t, nil, func(c *Config) {
		c.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("sniper_jobs_created_total 1\n"))
		})
	})
	w := h.request(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sniper_jobs_created_total")
}

func TestRequireIdentity(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.request(t, http.MethodGet, "/jobs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.request(t, http.MethodGet, "/jobs", nil, map[string]string{UserIDHeader: "u1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.request(t, http.MethodGet, "/jobs", nil, map[string]string{UserIDHeader: "u1", WorkspaceIDHeader: "ws 1; drop"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORS(t *testing.T) {
	h := newAPIHarness(t, nil, func(c *Config) { c.AllowOrigins = []string{"http://localhost:5173"} })

	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

// ──────────────────────────────────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────────────────────────────────

func TestJobs_CreateGetAndItems(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodPost, "/jobs", map[string]any{
		"type":     "send_messages",
		"input":    map[string]any{"message": "Hello"},
		"profiles": []map[string]any{{"profile_url": urls(1)[0]}, {"profile_url": urls(2)[1]}},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decode[queuedResponse](t, w)
	require.NotEmpty(t, created.JobID)

	w = h.do(t, http.MethodGet, "/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		ID       string            `json:"id"`
		Status   core.JobStatus    `json:"status"`
		Provider core.ProviderKind `json:"provider"`
		Summary  summaryView       `json:"summary"`
	}](t, w)
	assert.Equal(t, created.JobID, got.ID)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.Equal(t, core.ProviderRemote, got.Provider)
	assert.Equal(t, 2, got.Summary.Total)
	assert.Equal(t, 2, got.Summary.Pending)

	w = h.do(t, http.MethodGet, "/jobs/"+created.JobID+"/items", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[struct {
		Items []*core.JobItem `json:"items"`
	}](t, w)
	require.Len(t, items.Items, 2)
	assert.Equal(t, core.ActionMessage, items.Items[0].Action)

	w = h.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Jobs []*core.Job `json:"jobs"`
	}](t, w)
	assert.Len(t, list.Jobs, 1)
}

func TestJobs_OtherWorkspaceIsNotFound(t *testing.T) {
	h := newAPIHarness(t, nil)
	w := h.do(t, http.MethodPost, "/actions/message", map[string]any{"profile_urls": urls(1), "message": "Hi"})
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode[queuedResponse](t, w).JobID

	w = h.as(t, "ws-2", http.MethodGet, "/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.as(t, "ws-2", http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobs_Validation(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodPost, "/jobs", map[string]any{"type": "scrape_everything"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/actions/message", map[string]any{"profile_urls": urls(1)})
	assert.Equal(t, http.StatusBadRequest, w.Code, "message is required")

	w = h.do(t, http.MethodGet, "/jobs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/jobs", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobs_CancelAndResume(t *testing.T) {
	h := newAPIHarness(t, nil)
	w := h.do(t, http.MethodPost, "/actions/message", map[string]any{"profile_urls": urls(1), "message": "Hi"})
	jobID := decode[queuedResponse](t, w).JobID

	w = h.do(t, http.MethodPost, "/jobs/"+jobID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "only paused jobs resume")

	w = h.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "illegal_transition", decode[errorResponse](t, w).Error.Code)
}

// ──────────────────────────────────────────────────────────────────────────────
// Bulk connect quota
// ──────────────────────────────────────────────────────────────────────────────

func TestConnect_WithinQuota(t *testing.T) {
	h := newAPIHarness(t, func(s *core.WorkspaceSettings) { s.UserDailyConnects = 3 })

	w := h.do(t, http.MethodPost, "/actions/connect", map[string]any{
		"profile_urls": urls(2),
		"requests":     []map[string]any{{"profile_url": urls(3)[2], "note": "Loved your talk"}},
		"note":         "Hi",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[queuedResponse](t, w)
	require.NotNil(t, resp.Quota)
	assert.Equal(t, 3, resp.Quota.RemainingToday)

	items, err := h.store.ListItems(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "Loved your talk", items[0].Note())
}

func TestConnect_OverQuotaIsRejected(t *testing.T) {
	h := newAPIHarness(t, func(s *core.WorkspaceSettings) { s.UserDailyConnects = 3 })
	_, err := h.ledger.Reserve(context.Background(), ledger.Reservation{
		UserID:      "u1",
		WorkspaceID: "ws-1",
		Day:         ledger.DayFor(time.Now(), "UTC"),
		Deltas:      ledger.Delta(ledger.KindConnect, 2),
	})
	require.NoError(t, err)

	// Duplicates count once.
	w := h.do(t, http.MethodPost, "/actions/connect", map[string]any{
		"profile_urls": append(urls(2), urls(1)...),
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	resp := decode[errorResponse](t, w)
	assert.Equal(t, "daily_connect_limit_exceeded", resp.Error.Code)
	assert.Equal(t, 2, resp.Requested)
	require.NotNil(t, resp.Quota)
	assert.Equal(t, 2, resp.Quota.UsedToday)
	assert.Equal(t, 1, resp.Quota.RemainingToday)

	jobs, err := h.store.ListJobs(context.Background(), "ws-1", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job is created over quota")

	w = h.do(t, http.MethodPost, "/jobs", map[string]any{
		"type":     "send_connect_requests",
		"profiles": []map[string]any{{"profile_url": urls(1)[0]}, {"profile_url": urls(2)[1]}},
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "POST /jobs applies the same check")
}

func TestQuota(t *testing.T) {
	h := newAPIHarness(t, func(s *core.WorkspaceSettings) { s.UserDailyConnects = 20 })
	_, err := h.ledger.Reserve(context.Background(), ledger.Reservation{
		UserID:      "u1",
		WorkspaceID: "ws-1",
		Day:         ledger.DayFor(time.Now(), "UTC"),
		Deltas:      ledger.Delta(ledger.KindConnect, 5),
	})
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, "/quota", nil)
	require.Equal(t, http.StatusOK, w.Code)
	q := decode[Quota](t, w)
	assert.Equal(t, ledger.DayFor(time.Now(), "UTC"), q.Day)
	assert.Equal(t, "UTC", q.Timezone)
	assert.Equal(t, 20, q.LimitPerDay)
	assert.Equal(t, 5, q.UsedToday)
	assert.Equal(t, 15, q.RemainingToday)
}

// ──────────────────────────────────────────────────────────────────────────────
// Targets
// ──────────────────────────────────────────────────────────────────────────────

func TestTargets_Lifecycle(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodPost, "/targets", map[string]any{
		"name":     "Launch post",
		"post_url": "https://www.linkedin.com/posts/someone_launch-activity-1",
		"settings": map[string]any{"limit": 50},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		Target core.Target `json:"target"`
		JobID  string      `json:"job_id"`
	}](t, w)
	require.NotEmpty(t, created.JobID)
	targetID := created.Target.ID

	w = h.do(t, http.MethodPost, "/targets/"+targetID+"/run", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "first run is still open")

	w = h.do(t, http.MethodPost, "/targets/"+targetID+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/targets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Targets []struct {
			ID      string            `json:"id"`
			Status  core.TargetStatus `json:"status"`
			LastJob *struct {
				ID      string      `json:"id"`
				Summary summaryView `json:"summary"`
			} `json:"last_job"`
		} `json:"targets"`
	}](t, w)
	require.Len(t, list.Targets, 1)
	assert.Equal(t, core.TargetPaused, list.Targets[0].Status)
	require.NotNil(t, list.Targets[0].LastJob)
	assert.Equal(t, created.JobID, list.Targets[0].LastJob.ID)

	w = h.do(t, http.MethodPost, "/targets/"+targetID+"/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.as(t, "ws-2", http.MethodPost, "/targets/"+targetID+"/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTargets_RunAfterFinish(t *testing.T) {
	h := newAPIHarness(t, nil)
	w := h.do(t, http.MethodPost, "/targets", map[string]any{
		"post_url": "https://www.linkedin.com/posts/someone_launch-activity-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		Target core.Target `json:"target"`
		JobID  string      `json:"job_id"`
	}](t, w)
	require.NoError(t, h.queue.CancelJob(context.Background(), created.JobID))

	w = h.do(t, http.MethodPost, "/targets/"+created.Target.ID+"/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEqual(t, created.JobID, decode[queuedResponse](t, w).JobID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Settings and preflight
// ──────────────────────────────────────────────────────────────────────────────

func TestSettings_PatchKeepsOtherFields(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodPut, "/settings", map[string]any{"max_delay_seconds": 120, "timezone": "Europe/Berlin"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[core.WorkspaceSettings](t, w)
	assert.Equal(t, 120, got.MaxDelaySeconds)
	assert.Equal(t, "Europe/Berlin", got.Timezone)
	assert.Equal(t, core.ProviderRemote, got.Provider)
	assert.Equal(t, "00:00", got.ActiveStart)
}

func TestSettings_InvalidPatch(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodPut, "/settings", map[string]any{"min_delay_seconds": 90, "max_delay_seconds": 30})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPut, "/settings", map[string]any{"timezone": "Mars/Olympus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreflight(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodGet, "/preflight", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decode[preflightView](t, w)
	assert.True(t, v.OK)
	assert.Equal(t, ledger.KindConnect, v.Kind)
	assert.Equal(t, authNotConnected, v.AuthStatus)
	assert.Positive(t, v.Remaining)

	w = h.do(t, http.MethodGet, "/preflight?kind=teleport", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreflight_Disabled(t *testing.T) {
	h := newAPIHarness(t, func(s *core.WorkspaceSettings) { s.AutomationEnabled = false })

	w := h.do(t, http.MethodGet, "/preflight?kind=message", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[preflightView](t, w)
	assert.False(t, v.OK)
	assert.Equal(t, string(admission.ReasonDisabled), v.Reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// LinkedIn auth
// ──────────────────────────────────────────────────────────────────────────────

func TestLinkedInAuth(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodGet, "/linkedin/auth", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(authNotConnected))

	w = h.do(t, http.MethodPost, "/linkedin/auth/start", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	start := decode[provider.AuthStart](t, w)
	assert.Equal(t, "auth-1", start.AuthSessionID)

	w = h.do(t, http.MethodPost, "/linkedin/auth/complete", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/linkedin/auth/complete", map[string]any{"auth_session_id": start.AuthSessionID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "profile-1")

	calls := h.fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, provider.Identity{UserID: "u1", WorkspaceID: "ws-1"}, calls[0].Identity)

	require.NoError(t, h.store.SaveAuth(context.Background(), &core.LinkedInAuth{
		UserID:      "u1",
		WorkspaceID: "ws-1",
		Provider:    core.ProviderRemote,
		Status:      core.AuthOK,
	}))
	w = h.do(t, http.MethodGet, "/linkedin/auth", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, core.AuthOK, decode[core.LinkedInAuth](t, w).Status)
}

func TestLinkedInAuth_UnknownProvider(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodPost, "/linkedin/auth/start", map[string]any{"provider": "local"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "no local provider is registered")

	w = h.do(t, http.MethodPost, "/linkedin/auth/start", map[string]any{"provider": "external"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
