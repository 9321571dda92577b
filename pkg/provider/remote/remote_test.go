package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/sniper/internal/testdb"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/provider"
)

// fakeAPI is an in-memory managed-browser service.
type fakeAPI struct {
	mu         sync.Mutex
	requests   []string
	bodies     []map[string]any
	auth       []string
	failStatus int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.bodies = append(f.bodies, body)
		fail := f.failStatus
		f.mu.Unlock()

		if fail != 0 {
			http.Error(w, `{"error":"boom"}`, fail)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			reply(w, map[string]string{"id": "sess-1", "cdpWsUrl": "wss://cdp.example/sess-1"})
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/save-profile-on-termination/"):
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/windows"):
			reply(w, map[string]string{"windowId": "win-1"})
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/windows/"):
			reply(w, map[string]string{"liveViewUrl": "https://live.example/win-1"})
		case r.Method == http.MethodDelete && r.URL.Path == "/sessions/gone":
			http.NotFound(w, r)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func (f *fakeAPI) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return api, NewClient(srv.URL+"/", "key-123", WithRequestsPerSecond(0))
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

func TestClient_CreateSession(t *testing.T) {
	api, c := newFakeAPI(t)

	sess, err := c.CreateSession(context.Background(), "hp-li-ws-u", 0)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "wss://cdp.example/sess-1", sess.CDPURL)

	assert.Equal(t, []string{"POST /sessions"}, api.Requests())
	assert.Equal(t, "Bearer key-123", api.auth[0])
	cfg := api.bodies[0]["configuration"].(map[string]any)
	assert.Equal(t, "hp-li-ws-u", cfg["profileName"])
	assert.EqualValues(t, 1, cfg["timeoutMinutes"], "timeout is at least one minute")
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	api, c := newFakeAPI(t)
	api.failStatus = http.StatusBadGateway

	_, err := c.CreateSession(context.Background(), "", sessionTimeout)
	require.Error(t, err)

	var nr *core.NoRetryError
	assert.False(t, errors.As(err, &nr))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	api, c := newFakeAPI(t)
	api.failStatus = http.StatusUnauthorized

	_, err := c.CreateWindow(context.Background(), "sess-1", loginURL)
	var nr *core.NoRetryError
	assert.True(t, errors.As(err, &nr))
}

func TestClient_MissingAPIKey(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "")
	err := c.Terminate(context.Background(), "sess-1")
	var nr *core.NoRetryError
	assert.True(t, errors.As(err, &nr))
}

func TestClient_TerminateMissingSession(t *testing.T) {
	_, c := newFakeAPI(t)
	assert.NoError(t, c.Terminate(context.Background(), "gone"))
}

func TestClient_RateLimitHonorsContext(t *testing.T) {
	_, c := newFakeAPI(t)
	WithRequestsPerSecond(0.001).applyClient(c)

	require.NoError(t, c.Terminate(context.Background(), "sess-1"), "first call uses the burst")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.Terminate(ctx, "sess-1"))
}

// ──────────────────────────────────────────────────────────────────────────────
// Provider: embedded auth
// ──────────────────────────────────────────────────────────────────────────────

var ident = provider.Identity{UserID: "user-1", WorkspaceID: "ws-1"}

func TestProvider_AuthFlow(t *testing.T) {
	ctx := context.Background()
	api, c := newFakeAPI(t)
	store := testdb.Storage(t)
	p := New(c, store)

	start, err := p.StartLinkedInAuth(ctx, ident)
	require.NoError(t, err)
	assert.Equal(t, "https://live.example/win-1", start.LiveViewURL)
	assert.Equal(t, "sess-1", start.SessionHandle)
	assert.Equal(t, []string{
		"POST /sessions",
		"PUT /sessions/sess-1/save-profile-on-termination/hp-li-ws-1-user-1",
		"POST /sessions/sess-1/windows",
		"GET /sessions/sess-1/windows/win-1",
	}, api.Requests())

	as, err := store.GetAuthSession(ctx, start.AuthSessionID)
	require.NoError(t, err)
	require.NotNil(t, as)
	assert.Equal(t, core.AuthSessionActive, as.Status)

	done, err := p.CompleteLinkedInAuth(ctx, ident, start.AuthSessionID)
	require.NoError(t, err)
	assert.Equal(t, "hp-li-ws-1-user-1", done.ProfileID)
	assert.Equal(t, "DELETE /sessions/sess-1", api.Requests()[4])

	auth, err := store.GetAuth(ctx, ident.UserID, ident.WorkspaceID)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, core.AuthOK, auth.Status)
	assert.Equal(t, "hp-li-ws-1-user-1", auth.BrowserProfileID)
	assert.NotNil(t, auth.LastAuthAt)

	_, err = p.CompleteLinkedInAuth(ctx, ident, start.AuthSessionID)
	assert.ErrorIs(t, err, core.ErrInvalidInput, "a completed session cannot complete again")
}

func TestProvider_CompleteRejectsOtherUser(t *testing.T) {
	ctx := context.Background()
	_, c := newFakeAPI(t)
	p := New(c, testdb.Storage(t))

	start, err := p.StartLinkedInAuth(ctx, ident)
	require.NoError(t, err)

	_, err = p.CompleteLinkedInAuth(ctx, provider.Identity{UserID: "user-2", WorkspaceID: "ws-1"}, start.AuthSessionID)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestProvider_StartTerminatesOnFailure(t *testing.T) {
	api := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/sess-1/windows", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.requests = append(api.requests, r.Method+" "+r.URL.Path)
		api.mu.Unlock()
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	mux.Handle("/", api.handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := New(NewClient(srv.URL, "k", WithRequestsPerSecond(0)), testdb.Storage(t))
	_, err := p.StartLinkedInAuth(context.Background(), ident)
	require.Error(t, err)
	assert.Contains(t, api.Requests(), "DELETE /sessions/sess-1")
}

// ──────────────────────────────────────────────────────────────────────────────
// Provider: actions
// ──────────────────────────────────────────────────────────────────────────────

func TestProvider_ActionWithoutAuth(t *testing.T) {
	api, c := newFakeAPI(t)
	p := New(c, testdb.Storage(t))

	_, err := p.SendConnectionRequest(context.Background(), ident, "https://www.linkedin.com/in/x", "")
	assert.ErrorIs(t, err, core.ErrAuthRequired)
	assert.Empty(t, api.Requests(), "no browser is started without a saved profile")
}

func TestProvider_DialFailureTerminatesSession(t *testing.T) {
	ctx := context.Background()
	api, c := newFakeAPI(t)
	store := testdb.Storage(t)
	require.NoError(t, store.SaveAuth(ctx, &core.LinkedInAuth{
		UserID: ident.UserID, WorkspaceID: ident.WorkspaceID,
		Provider: core.ProviderRemote, BrowserProfileID: "hp-li-ws-1-user-1", Status: core.AuthOK,
	}))

	var dialed string
	p := New(c, store, WithDialer(func(_ context.Context, u string, h http.Header) (*rod.Browser, error) {
		dialed = u
		assert.Equal(t, "Bearer key-123", h.Get("Authorization"))
		return nil, errors.New("dial refused")
	}))

	_, err := p.SendMessage(ctx, ident, "https://www.linkedin.com/in/x", "hi")
	require.ErrorContains(t, err, "dial refused")
	assert.Equal(t, "wss://cdp.example/sess-1", dialed)
	assert.Equal(t, []string{"POST /sessions", "DELETE /sessions/sess-1"}, api.Requests())
	assert.Equal(t, "hp-li-ws-1-user-1", api.bodies[0]["configuration"].(map[string]any)["profileName"])
}

func TestProvider_Kind(t *testing.T) {
	assert.Equal(t, core.ProviderRemote, New(NewClient("http://x", "k"), nil).Kind())
}
