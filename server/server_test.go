package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	thtest "github.com/trellisfw/target-helper/internal/testing"
	"github.com/trellisfw/target-helper/metrics"
	"github.com/trellisfw/target-helper/pulse/async"
)

func newTestServer(t *testing.T) (*Server, *async.Ledger) {
	t.Helper()
	log := zap.NewNop().Sugar()
	ledger := async.NewLedger(thtest.CreateTestDB(t))
	worker := async.NewWorker(thtest.NewTestStore(t), async.NewHandlerRegistry(), async.WorkerConfig{Service: "target"}, log)
	return New(Config{}, ledger, worker, metrics.New(), log), ledger
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeJobs(t *testing.T, rec *httptest.ResponseRecorder) jobsResponse {
	t.Helper()
	var resp jobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "target", resp.Service)
	assert.Zero(t, resp.ActiveJobs)

	s.state.Store(int32(ServerStateDraining))
	rec = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobs(t *testing.T) {
	s, ledger := newTestServer(t)
	base := time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("resources/JOB%d", i)
		require.NoError(t, ledger.Record(async.Entry{JobID: id, JobKey: fmt.Sprint(i), JobType: async.TypeTranscription, State: async.StateRunning, UpdatedAt: base}))
		require.NoError(t, ledger.Record(async.Entry{JobID: id, JobKey: fmt.Sprint(i), JobType: async.TypeTranscription, State: async.StatusSuccess, UpdatedAt: base.Add(time.Minute)}))
	}

	t.Run("latest state per job", func(t *testing.T) {
		rec := get(t, s.Handler(), "/api/jobs")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeJobs(t, rec)
		require.Equal(t, 3, resp.Count)
		assert.Equal(t, "resources/JOB2", resp.Jobs[0].JobID)
		for _, e := range resp.Jobs {
			assert.Equal(t, async.StatusSuccess, e.State)
		}
	})

	t.Run("limit is clamped", func(t *testing.T) {
		assert.Equal(t, 1, decodeJobs(t, get(t, s.Handler(), "/api/jobs?limit=1")).Count)
		assert.Equal(t, 1, decodeJobs(t, get(t, s.Handler(), "/api/jobs?limit=-5")).Count)
		assert.Equal(t, 3, decodeJobs(t, get(t, s.Handler(), "/api/jobs?limit=nope")).Count)
	})

	t.Run("history of one job", func(t *testing.T) {
		rec := get(t, s.Handler(), "/api/jobs/resources/JOB1")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeJobs(t, rec)
		require.Equal(t, 2, resp.Count)
		assert.Equal(t, async.StateRunning, resp.Jobs[0].State)
		assert.Equal(t, async.StatusSuccess, resp.Jobs[1].State)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := get(t, s.Handler(), "/api/jobs/resources/NOPE")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "resources/NOPE")
	})
}

func TestWithoutDependencies(t *testing.T) {
	s := New(Config{}, nil, nil, nil, zap.NewNop().Sugar())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/api/jobs").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/api/jobs/resources/X").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/metrics").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start())
	assert.Equal(t, ServerStateRunning, s.State())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "target_helper_http_requests_total")

	require.NoError(t, s.Stop())
	assert.Equal(t, ServerStateStopped, s.State())
	// Stopping twice is a no-op
	require.NoError(t, s.Stop())
}
