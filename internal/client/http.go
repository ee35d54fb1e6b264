// Package client talks to the afk-console backend over its HTTP API and the
// /ws observer stream. afkctl is built on it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/session"
	"github.com/afk-console/backend/internal/ws"
)

const ownerCookie = "afk_uid"

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// HTTPClient makes REST calls to the backend. Its cookie jar carries the
// owner identity across calls and into Dial.
type HTTPClient struct {
	baseURL *url.URL
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting baseURL (e.g.
// "http://127.0.0.1:3000"). A non-empty owner pins the afk_uid identity so
// cached account tokens are reused across runs.
func NewHTTPClient(baseURL, token, owner string) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if owner != "" {
		jar.SetCookies(u, []*http.Cookie{{Name: ownerCookie, Value: owner, Path: "/"}})
	}

	return &HTTPClient{
		baseURL: u,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second, Jar: jar},
	}, nil
}

// List fetches GET /api/sessions.
func (c *HTTPClient) List(ctx context.Context) ([]session.Summary, error) {
	var out []session.Summary
	if err := c.get(ctx, "/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Spawn creates a session and returns its id.
func (c *HTTPClient) Spawn(ctx context.Context, cfg session.Config) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/sessions", cfg, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) Stop(ctx context.Context, id string) error {
	return c.post(ctx, "/api/sessions/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (c *HTTPClient) StopAll(ctx context.Context) error {
	return c.post(ctx, "/api/sessions/stop-all", nil, nil)
}

func (c *HTTPClient) Disconnect(ctx context.Context, id string) error {
	return c.post(ctx, "/api/sessions/"+url.PathEscape(id)+"/disconnect", nil, nil)
}

func (c *HTTPClient) Chat(ctx context.Context, id, text string) error {
	return c.post(ctx, "/api/sessions/"+url.PathEscape(id)+"/chat", map[string]string{"text": text}, nil)
}

// Logs fetches the retained log of one session, oldest first.
func (c *HTTPClient) Logs(ctx context.Context, id string) ([]eventlog.Entry, error) {
	var out []eventlog.Entry
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(id)+"/logs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceLogin starts a device-code sign-in for this client's owner. The
// outcome arrives on the stream as authDone or authError.
func (c *HTTPClient) DeviceLogin(ctx context.Context) (protocol.DeviceCode, error) {
	var out protocol.DeviceCode
	err := c.post(ctx, "/api/auth/device", nil, &out)
	return out, err
}

// SignOut drops the account token cached for this client's owner.
func (c *HTTPClient) SignOut(ctx context.Context) error {
	return c.post(ctx, "/api/auth/signout", nil, nil)
}

func (c *HTTPClient) Health(ctx context.Context) (ws.HealthReport, error) {
	var out ws.HealthReport
	err := c.get(ctx, "/api/health", &out)
	return out, err
}

// Owner returns the afk_uid identity held in the jar, fetching one from the
// server when none is set yet.
func (c *HTTPClient) Owner(ctx context.Context) (string, error) {
	if v := c.cookie(ownerCookie); v != "" {
		return v, nil
	}
	var me map[string]bool
	if err := c.get(ctx, "/api/me", &me); err != nil {
		return "", err
	}
	return c.cookie(ownerCookie), nil
}

func (c *HTTPClient) cookie(name string) string {
	for _, ck := range c.client.Jar.Cookies(c.baseURL) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	c.setAuth(req.Header)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Method: req.Method, Path: req.URL.Path, Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}
