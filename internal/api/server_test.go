package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
	"github.com/ZihanQ/intelligent-data-crawler/internal/scheduler"
)

type instantRunner struct{}

func (instantRunner) Run(_ context.Context, trigger crawl.RunTrigger) (crawl.JobRun, error) {
	return crawl.JobRun{ID: "run-api", Trigger: trigger}, nil
}

type stallRunner struct {
	release chan struct{}
}

func (r *stallRunner) Run(ctx context.Context, trigger crawl.RunTrigger) (crawl.JobRun, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return crawl.JobRun{ID: "run-stalled", Trigger: trigger}, nil
}

func newTestServer(t *testing.T, runner scheduler.Runner, cfg Config) *Server {
	t.Helper()
	sched, err := scheduler.New(runner, scheduler.Config{}, zap.NewNop())
	require.NoError(t, err)
	return NewServer(sched, cfg, zap.NewNop())
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, instantRunner{}, Config{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, instantRunner{}, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerRunAndList(t *testing.T) {
	t.Parallel()

	sched, err := scheduler.New(instantRunner{}, scheduler.Config{}, zap.NewNop())
	require.NoError(t, err)
	srv := NewServer(sched, Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return len(sched.Status().History) == 1
	}, time.Second, 5*time.Millisecond)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []crawl.JobRun `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "run-api", body.Runs[0].ID)
}

func TestTriggerConflictsWhileRunning(t *testing.T) {
	t.Parallel()

	runner := &stallRunner{release: make(chan struct{})}
	sched, err := scheduler.New(runner, scheduler.Config{}, zap.NewNop())
	require.NoError(t, err)
	srv := NewServer(sched, Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return sched.Status().Running
	}, time.Second, 5*time.Millisecond)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/active", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var active struct {
		Running bool `json:"running"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&active))
	require.True(t, active.Running)

	close(runner.release)
}

func TestCancelWithoutActiveRun(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, instantRunner{}, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/cancel", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelActiveRun(t *testing.T) {
	t.Parallel()

	runner := &stallRunner{release: make(chan struct{})}
	sched, err := scheduler.New(runner, scheduler.Config{}, zap.NewNop())
	require.NoError(t, err)
	srv := NewServer(sched, Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return sched.Status().Running
	}, time.Second, 5*time.Millisecond)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		return !sched.Status().Running
	}, time.Second, 5*time.Millisecond)
}

func TestAPIKeyGuardsV1(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, instantRunner{}, Config{APIKey: "secret"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health stays open without a key.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
