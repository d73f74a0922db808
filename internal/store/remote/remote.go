// Package remote implements the shared-backend storage façade: an HTTP
// client that retries transient failures with exponential backoff and
// falls back to a local store for reads when the remote is unavailable.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/antigravity-dev/mnemo/internal/errs"
	"github.com/antigravity-dev/mnemo/internal/retrypolicy"
	"github.com/antigravity-dev/mnemo/internal/store"
)

// LocalFallback is the subset of *store.Store used for read-path fallback
// when the remote backend is unavailable.
type LocalFallback interface {
	GetSession(scope store.Scope, id string) (*store.Session, error)
	GetActiveSession(scope store.Scope) (*store.Session, error)
	ListSessions(scope store.Scope, status store.SessionStatus, limit int) ([]*store.Session, error)
	SearchChunksFTS(scope store.Scope, query string, topK int) ([]*store.Chunk, error)
}

// Client is the shared-backend HTTP client, in the shape of a bearer-token
// authenticated JSON API client: a configured *http.Client, an API key
// pulled from an environment variable, and JSON request/response bodies.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	scope    store.Scope
	policy   retrypolicy.Policy
	fallback LocalFallback
}

// Config mirrors config.SharedBackend.
type Config struct {
	BaseURL        string
	APIKeyEnv      string
	TenantID       string
	ProjectID      string
	RetryAttempts  int
	TimeoutSeconds int
}

// NewClient builds a shared-backend client. fallback may be nil; when set,
// read-path failures after retries are exhausted are served from it.
func NewClient(cfg Config, fallback LocalFallback) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote: base_url is required")
	}

	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		scope:      store.Scope{TenantID: cfg.TenantID, ProjectID: cfg.ProjectID},
		policy: retrypolicy.Policy{
			MaxAttempts: attempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Factor:      2,
		},
		fallback: fallback,
	}, nil
}

// classifyTransport treats network errors, 5xx, 429, and "database is
// locked" style payloads as retryable; everything else is terminal.
func classifyTransport(err error) (string, bool) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "status 5"),
		strings.Contains(msg, "status 429"),
		strings.Contains(msg, "eof"):
		return "transient", true
	default:
		return "fatal", false
	}
}

// do issues a JSON request against path, retrying transient failures per
// the configured policy, and decodes the response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: marshal request: %w", err)
		}
		reqBody = b
	}

	_, err := retrypolicy.Run(ctx, c.policy, classifyTransport, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("remote: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("remote: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("remote: read response: %w", err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("remote: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if resp.StatusCode >= 400 {
			return &errs.StorageBackendUnavailable{
				Op:  fmt.Sprintf("%s %s", method, path),
				Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
			}
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("remote: decode response: %w", err)
			}
		}
		return nil
	})
	return err
}

// CreateSession proxies to the remote backend. Write failures after
// retries raise StorageBackendUnavailable; there is no local fallback for
// writes.
func (c *Client) CreateSession(ctx context.Context, task, summary string) (*store.Session, error) {
	var sess store.Session
	payload := map[string]string{
		"tenant_id":  c.scope.TenantID,
		"project_id": c.scope.ProjectID,
		"task":       task,
		"summary":    summary,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", payload, &sess); err != nil {
		return nil, &errs.StorageBackendUnavailable{Op: "create_session", Err: err}
	}
	return &sess, nil
}

// GetActiveSession proxies to the remote backend; the endpoint answers
// JSON null when no session is active. On failure after retries it falls
// back to the local store, if configured.
func (c *Client) GetActiveSession(ctx context.Context) (*store.Session, error) {
	var sess *store.Session
	path := fmt.Sprintf("/v1/sessions/active?tenant_id=%s&project_id=%s",
		queryEscape(c.scope.TenantID), queryEscape(c.scope.ProjectID))
	err := c.do(ctx, http.MethodGet, path, nil, &sess)
	if err == nil {
		return sess, nil
	}
	if c.fallback != nil {
		if local, fbErr := c.fallback.GetActiveSession(c.scope); fbErr == nil {
			return local, nil
		}
	}
	return nil, &errs.StorageBackendUnavailable{Op: "get_active_session", Err: err}
}

// UpdateSession proxies to the remote backend. Write failures after
// retries raise StorageBackendUnavailable with no local fallback.
func (c *Client) UpdateSession(ctx context.Context, id string, status store.SessionStatus, summary string, endedAt *time.Time) error {
	payload := map[string]any{
		"tenant_id":  c.scope.TenantID,
		"project_id": c.scope.ProjectID,
		"status":     status,
		"summary":    summary,
		"ended_at":   endedAt,
	}
	if err := c.do(ctx, http.MethodPatch, "/v1/sessions/"+id, payload, nil); err != nil {
		return &errs.StorageBackendUnavailable{Op: "update_session", Err: err}
	}
	return nil
}

// AppendEntry proxies to the remote backend. Write failures after retries
// raise StorageBackendUnavailable with no local fallback.
func (c *Client) AppendEntry(ctx context.Context, entry store.LogEntry) (*store.LogEntry, error) {
	entry.Scope = c.scope
	var out store.LogEntry
	if err := c.do(ctx, http.MethodPost, "/v1/entries", entry, &out); err != nil {
		return nil, &errs.StorageBackendUnavailable{Op: "append_entry", Err: err}
	}
	return &out, nil
}

// GetSession proxies to the remote backend; on failure after retries it
// falls back to the local store, if configured.
func (c *Client) GetSession(ctx context.Context, id string) (*store.Session, error) {
	var sess store.Session
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &sess)
	if err == nil {
		return &sess, nil
	}
	if c.fallback != nil {
		if local, fbErr := c.fallback.GetSession(c.scope, id); fbErr == nil {
			return local, nil
		}
	}
	return nil, &errs.StorageBackendUnavailable{Op: "get_session", Err: err}
}

// SearchChunksFTS proxies to the remote backend; on failure after retries
// it falls back to the local store, if configured.
func (c *Client) SearchChunksFTS(ctx context.Context, query string, topK int) ([]*store.Chunk, error) {
	var chunks []*store.Chunk
	path := fmt.Sprintf("/v1/chunks/search?q=%s&top_k=%d&tenant_id=%s&project_id=%s",
		queryEscape(query), topK, queryEscape(c.scope.TenantID), queryEscape(c.scope.ProjectID))
	err := c.do(ctx, http.MethodGet, path, nil, &chunks)
	if err == nil {
		return chunks, nil
	}
	if c.fallback != nil {
		if local, fbErr := c.fallback.SearchChunksFTS(c.scope, query, topK); fbErr == nil {
			return local, nil
		}
	}
	return nil, &errs.StorageBackendUnavailable{Op: "search_chunks_fts", Err: err}
}

func queryEscape(s string) string {
	r := strings.NewReplacer(" ", "%20", "&", "%26", "#", "%23")
	return r.Replace(s)
}
