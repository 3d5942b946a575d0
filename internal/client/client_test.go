package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdr-transcoder/pkg/models"
)

func newTestClient(url string) *OrchestratorClient {
	return NewOrchestratorClient(Options{
		BaseURL:      url + "/",
		WorkerID:     "worker-1",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
}

func TestSyncReceivesAssignment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/workers/sync", r.URL.Path)
		assert.Equal(t, "worker-1", r.Header.Get("X-Worker-ID"))

		var p models.SyncPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "worker-1", p.WorkerID)
		assert.Equal(t, models.WorkerIdle, p.Status)

		json.NewEncoder(w).Encode(models.SyncResponse{Job: &models.JobSpec{JobID: "job-7", Source: "in.mp4"}})
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Sync(context.Background(), models.SyncPayload{Status: models.WorkerIdle})
	require.NoError(t, err)
	require.NotNil(t, resp.Job)
	assert.Equal(t, "job-7", resp.Job.JobID)
}

func TestStateLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Sync(context.Background(), models.SyncPayload{})
	require.Error(t, err)
	assert.True(t, IsStateLost(err))
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).UpdateJobStatus(context.Background(), "job-1",
		models.JobStatusPayload{Status: models.JobProcessing, Progress: 40})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFinalizeAndRegister(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.Register(context.Background(), models.WorkerCapabilities{Features: []string{"hdr10"}}))
	require.NoError(t, c.FinalizeJob(context.Background(), "job-1", models.JobResultPayload{Status: models.JobCompleted}))
	assert.Equal(t, []string{
		"POST /api/v1/workers/register",
		"POST /api/v1/jobs/job-1/finalize",
	}, paths)
}

func TestDisabledClient(t *testing.T) {
	c := NewOrchestratorClient(Options{WorkerID: "w"})
	assert.False(t, c.Enabled())
	assert.ErrorIs(t, c.UpdateJobStatus(context.Background(), "j", models.JobStatusPayload{}), ErrDisabled)

	var nilClient *OrchestratorClient
	assert.False(t, nilClient.Enabled())
}
