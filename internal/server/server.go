// Package server exposes the local job API of the worker.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hdr-transcoder/internal/scheduler"
	"hdr-transcoder/pkg/models"
)

// Jobs is the scheduler surface the API drives.
type Jobs interface {
	Submit(spec models.JobSpec) (string, error)
	Get(id string) (models.TranscodeJob, bool)
	Active() *models.ActiveContext
	QueueLen() int
}

// Capabilities reports what this worker can produce.
type Capabilities interface {
	GetCapabilities(ctx context.Context) models.WorkerCapabilities
}

type JobServer struct {
	jobs Jobs
	caps Capabilities
	log  hclog.Logger
	srv  *http.Server
}

func NewJobServer(addr string, jobs Jobs, caps Capabilities, logger hclog.Logger) *JobServer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &JobServer{jobs: jobs, caps: caps, log: logger.Named("server")}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *JobServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleGet).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves until Shutdown is called.
func (s *JobServer) Start() error {
	s.log.Info("listening for jobs", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *JobServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *JobServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"active":    s.jobs.Active(),
		"queue_len": s.jobs.QueueLen(),
	})
}

func (s *JobServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.caps.GetCapabilities(r.Context()))
}

func (s *JobServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec models.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := s.jobs.Submit(spec)
	switch {
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, scheduler.ErrDuplicateJob):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.log.Debug("job accepted", "job", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "message": "Job queued"})
}

func (s *JobServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
