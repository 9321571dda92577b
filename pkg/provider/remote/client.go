// Package remote implements the managed-browser provider. Sessions run in a
// hosted browser service that keeps one named profile per LinkedIn user; the
// LinkedIn steps run over the session's CDP websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jdziat/sniper/pkg/core"
)

// BrowserSession is a running hosted browser.
type BrowserSession struct {
	ID     string
	CDPURL string
}

// Client talks to the managed-browser REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption interface {
	applyClient(*Client)
}

type clientOptionFunc func(*Client)

func (f clientOptionFunc) applyClient(c *Client) { f(c) }

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return clientOptionFunc(func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	})
}

// WithRequestsPerSecond limits outgoing API calls. Zero disables limiting.
func WithRequestsPerSecond(rps float64) ClientOption {
	return clientOptionFunc(func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = nil
		}
	})
}

// WithClientLogger sets the client's logger.
func WithClientLogger(log *zap.Logger) ClientOption {
	return clientOptionFunc(func(c *Client) {
		if log != nil {
			c.log = log
		}
	})
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o.applyClient(c)
	}
	return c
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// envelope is the service's response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// do sends a request and decodes the data field of the response into out.
// Client errors are wrapped with core.NoRetry; server errors stay retryable.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.apiKey == "" {
		return core.NoRetry(errors.New("remote browser api key not configured"))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "read %s %s", method, path)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
		c.log.Warn("remote browser api error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return apiErr
		}
		return core.NoRetry(apiErr)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	if len(env.Data) == 0 {
		return errors.Newf("%s %s: empty data", method, path)
	}
	return errors.Wrapf(json.Unmarshal(env.Data, out), "decode %s %s data", method, path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// CreateSession starts a browser, loading profileName when it is non-empty.
func (c *Client) CreateSession(ctx context.Context, profileName string, timeout time.Duration) (*BrowserSession, error) {
	type config struct {
		ProfileName    string `json:"profileName,omitempty"`
		TimeoutMinutes int    `json:"timeoutMinutes"`
	}
	minutes := int(timeout / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	body := map[string]any{"configuration": config{ProfileName: profileName, TimeoutMinutes: minutes}}

	var out struct {
		ID        string `json:"id"`
		CDPWsURL  string `json:"cdpWsUrl"`
		CDPWsURL2 string `json:"cdp_ws_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return nil, errors.Wrap(err, "create browser session")
	}
	if out.ID == "" {
		return nil, errors.New("create browser session: missing session id")
	}
	cdp := out.CDPWsURL
	if cdp == "" {
		cdp = out.CDPWsURL2
	}
	return &BrowserSession{ID: out.ID, CDPURL: cdp}, nil
}

// SaveProfileOnTermination asks the service to persist the session's browser
// state under profileName when the session ends.
func (c *Client) SaveProfileOnTermination(ctx context.Context, sessionID, profileName string) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/save-profile-on-termination/" + url.PathEscape(profileName)
	return errors.Wrap(c.do(ctx, http.MethodPut, path, nil, nil), "save profile on termination")
}

// CreateWindow opens a window in the session at pageURL.
func (c *Client) CreateWindow(ctx context.Context, sessionID, pageURL string) (string, error) {
	var out struct {
		WindowID string `json:"windowId"`
		ID       string `json:"id"`
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/windows"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"url": pageURL}, &out); err != nil {
		return "", errors.Wrap(err, "create window")
	}
	id := out.WindowID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", errors.New("create window: missing window id")
	}
	return id, nil
}

// LiveViewURL returns the embeddable view of a window.
func (c *Client) LiveViewURL(ctx context.Context, sessionID, windowID string) (string, error) {
	var out struct {
		LiveViewURL string `json:"liveViewUrl"`
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/windows/" + url.PathEscape(windowID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", errors.Wrap(err, "get live view")
	}
	if out.LiveViewURL == "" {
		return "", errors.New("get live view: missing url")
	}
	return out.LiveViewURL, nil
}

// Terminate ends a session. A session that is already gone is not an error.
func (c *Client) Terminate(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return errors.Wrap(err, "terminate browser session")
}

// authHeader is sent when connecting to the session's CDP websocket.
func (c *Client) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.apiKey)
	return h
}
