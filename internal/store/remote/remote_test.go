package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/mnemo/internal/errs"
	"github.com/antigravity-dev/mnemo/internal/store"
)

type fakeFallback struct {
	sessions map[string]*store.Session
	chunks   []*store.Chunk
}

func (f *fakeFallback) GetSession(scope store.Scope, id string) (*store.Session, error) {
	return f.sessions[id], nil
}

func (f *fakeFallback) GetActiveSession(scope store.Scope) (*store.Session, error) {
	for _, sess := range f.sessions {
		if sess.Status == store.SessionActive {
			return sess, nil
		}
	}
	return nil, nil
}

func (f *fakeFallback) ListSessions(scope store.Scope, status store.SessionStatus, limit int) ([]*store.Session, error) {
	return nil, nil
}

func (f *fakeFallback) SearchChunksFTS(scope store.Scope, query string, topK int) ([]*store.Chunk, error) {
	return f.chunks, nil
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		TenantID:       "acme",
		ProjectID:      "widgets",
		RetryAttempts:  3,
		TimeoutSeconds: 2,
	}
}

func TestCreateSessionRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ID":"sess-1","Task":"fix the build"}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	sess, err := c.CreateSession(context.Background(), "fix the build", "")
	require.NoError(t, err)
	require.Equal(t, "sess-1", sess.ID)
	require.EqualValues(t, 3, calls.Load())
}

func TestCreateSessionWriteFailureRaisesBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), &fakeFallback{})
	require.NoError(t, err)

	_, err = c.CreateSession(context.Background(), "fix the build", "")
	var unavailable *errs.StorageBackendUnavailable
	require.True(t, errors.As(err, &unavailable))
}

func TestSearchChunksFallsBackToLocalOnPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fallback := &fakeFallback{chunks: []*store.Chunk{{ID: "c1", Content: "prefer table-driven tests"}}}
	c, err := NewClient(testConfig(srv.URL), fallback)
	require.NoError(t, err)

	chunks, err := c.SearchChunksFTS(context.Background(), "tests", 5)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "c1", chunks[0].ID)
}

func TestGetSessionFallsBackToLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fallback := &fakeFallback{sessions: map[string]*store.Session{"sess-9": {ID: "sess-9", Task: "migrate schema"}}}
	c, err := NewClient(testConfig(srv.URL), fallback)
	require.NoError(t, err)

	sess, err := c.GetSession(context.Background(), "sess-9")
	require.NoError(t, err)
	require.Equal(t, "migrate schema", sess.Task)
}

func TestAppendEntryWriteFailureHasNoLocalFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), &fakeFallback{})
	require.NoError(t, err)

	_, err = c.AppendEntry(context.Background(), store.LogEntry{
		Content: "never retry a non-idempotent write", Label: store.LabelGotcha, Confidence: 0.9,
	})
	var unavailable *errs.StorageBackendUnavailable
	require.True(t, errors.As(err, &unavailable))
}

func TestGetActiveSessionFallsBackToLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fallback := &fakeFallback{sessions: map[string]*store.Session{
		"sess-2": {ID: "sess-2", Status: store.SessionActive, Task: "refactor the parser"},
	}}
	c, err := NewClient(testConfig(srv.URL), fallback)
	require.NoError(t, err)

	sess, err := c.GetActiveSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sess-2", sess.ID)
}

func TestGetActiveSessionDecodesNullAsNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`null`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	sess, err := c.GetActiveSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestBearerTokenAndScopeReachTheWire(t *testing.T) {
	t.Setenv("MNEMO_TEST_API_KEY", "tok-123")

	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.APIKeyEnv = "MNEMO_TEST_API_KEY"
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)

	_, err = c.SearchChunksFTS(context.Background(), "index locks", 3)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Contains(t, gotQuery, "tenant_id=acme")
	require.Contains(t, gotQuery, "project_id=widgets")
}
