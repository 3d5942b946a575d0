// Package scheduler queues transcode jobs and runs them one at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"hdr-transcoder/internal/metrics"
	"hdr-transcoder/internal/transcoder"
	"hdr-transcoder/pkg/models"
)

var (
	ErrQueueFull    = errors.New("job queue is full")
	ErrDuplicateJob = errors.New("job already known")
	ErrStopped      = errors.New("scheduler stopped")
)

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, job models.JobSpec, l transcoder.Listener) (transcoder.Result, error)
}

// Reporter forwards job state to the orchestrator.
type Reporter interface {
	Enabled() bool
	UpdateJobStatus(ctx context.Context, jobID string, payload models.JobStatusPayload) error
	FinalizeJob(ctx context.Context, jobID string, payload models.JobResultPayload) error
}

// Options configure a Scheduler.
type Options struct {
	WorkerID  string
	QueueSize int
	// Defaults fills unset fields of each job's config.
	Defaults func(models.TranscodeConfig) models.TranscodeConfig
	Logger   hclog.Logger
}

type Scheduler struct {
	exec     Executor
	reporter Reporter
	opts     Options
	log      hclog.Logger

	queue chan models.JobSpec

	mu      sync.RWMutex
	jobs    map[string]*models.TranscodeJob
	active  string
	stopped bool
}

func New(exec Executor, reporter Reporter, opts Options) *Scheduler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{
		exec:     exec,
		reporter: reporter,
		opts:     opts,
		log:      logger.Named("scheduler"),
		queue:    make(chan models.JobSpec, opts.QueueSize),
		jobs:     make(map[string]*models.TranscodeJob),
	}
}

// Submit queues spec and returns its job id. A missing id is generated.
func (s *Scheduler) Submit(spec models.JobSpec) (string, error) {
	if spec.JobID == "" {
		spec.JobID = uuid.NewString()
	}
	if spec.Source == "" {
		return "", errors.New("job source is required")
	}
	if s.opts.Defaults != nil {
		spec.Config = s.opts.Defaults(spec.Config)
	}
	if err := spec.Config.Validate(); err != nil {
		return "", fmt.Errorf("job %s: %w", spec.JobID, err)
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}
	if _, ok := s.jobs[spec.JobID]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, spec.JobID)
	}
	select {
	case s.queue <- spec:
	default:
		return "", ErrQueueFull
	}
	s.jobs[spec.JobID] = &models.TranscodeJob{Spec: spec, Status: models.JobQueued}
	metrics.JobsQueued.Set(float64(len(s.queue)))
	s.log.Info("job queued", "job", spec.JobID, "source", spec.Source)
	return spec.JobID, nil
}

// Run executes queued jobs until ctx is cancelled. The job in progress is
// cancelled with ctx.
func (s *Scheduler) Run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case spec := <-s.queue:
			metrics.JobsQueued.Set(float64(len(s.queue)))
			s.runJob(ctx, spec)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, spec models.JobSpec) {
	id := spec.JobID
	start := time.Now()
	s.update(id, func(j *models.TranscodeJob) {
		j.Status = models.JobProcessing
		j.StartTime = start
	})
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()

	s.log.Info("job started", "job", id)
	rep := newProgressReporter(ctx, s, id)
	res, err := s.exec.Execute(ctx, spec, rep)
	rep.close()

	status := models.JobCompleted
	if err != nil {
		status = models.JobFailed
	}
	elapsed := time.Since(start)
	s.update(id, func(j *models.TranscodeJob) {
		j.Status = status
		j.EndTime = time.Now()
		j.Attempts = len(res.Attempts)
		if res.Track.Mime != "" {
			track := res.Track
			j.Track = &track
		}
		if err == nil {
			profile := res.Profile
			j.Profile = &profile
			j.Progress = 100
		} else {
			j.Error = err.Error()
		}
	})
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	metrics.JobDuration.Observe(elapsed.Seconds())
	if err != nil {
		s.log.Error("job failed", "job", id, "error", err, "elapsed", elapsed)
	} else {
		s.log.Info("job completed", "job", id, "output", res.Output, "level", res.Profile.Level, "elapsed", elapsed)
	}

	if s.reporter == nil || !s.reporter.Enabled() {
		return
	}
	payload := models.JobResultPayload{Status: status, OutputPath: res.Output}
	if err != nil {
		payload.ErrorMsg = err.Error()
	} else {
		profile := res.Profile
		payload.Profile = &profile
	}
	payload.Metrics.TotalTimeMS = elapsed.Milliseconds()
	payload.Metrics.Attempts = len(res.Attempts)
	// Finalization must go out even when shutdown cancelled the job.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if ferr := s.reporter.FinalizeJob(fctx, id, payload); ferr != nil {
		s.log.Warn("finalize job", "job", id, "error", ferr)
	}
}

func (s *Scheduler) update(id string, fn func(*models.TranscodeJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j)
	}
}

// Get returns a copy of the job record.
func (s *Scheduler) Get(id string) (models.TranscodeJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.TranscodeJob{}, false
	}
	return *j, true
}

// Active describes the running job, or nil when idle.
func (s *Scheduler) Active() *models.ActiveContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return nil
	}
	j := s.jobs[s.active]
	ac := &models.ActiveContext{JobID: s.active, Progress: j.Progress}
	if j.Profile != nil {
		ac.Level = j.Profile.Level.String()
	}
	return ac
}

// QueueLen is the number of jobs waiting.
func (s *Scheduler) QueueLen() int { return len(s.queue) }

// progressReporter is the transcoder listener of one job. Progress lands in
// the job record at once; the orchestrator gets the latest value from a
// separate goroutine so slow HTTP never stalls the pipeline.
type progressReporter struct {
	s       *Scheduler
	id      string
	pending chan int
	done    chan struct{}
}

func newProgressReporter(ctx context.Context, s *Scheduler, id string) *progressReporter {
	r := &progressReporter{s: s, id: id, pending: make(chan int, 1), done: make(chan struct{})}
	go r.forward(ctx)
	return r
}

func (r *progressReporter) forward(ctx context.Context) {
	defer close(r.done)
	for pct := range r.pending {
		if r.s.reporter == nil || !r.s.reporter.Enabled() {
			continue
		}
		err := r.s.reporter.UpdateJobStatus(ctx, r.id, models.JobStatusPayload{
			WorkerID: r.s.opts.WorkerID,
			Status:   models.JobProcessing,
			Progress: pct,
		})
		if err != nil {
			r.s.log.Debug("progress report failed", "job", r.id, "error", err)
		}
	}
}

func (r *progressReporter) close() {
	close(r.pending)
	<-r.done
}

func (r *progressReporter) OnPrepareDone(track models.TrackFormat) {
	r.s.update(r.id, func(j *models.TranscodeJob) { j.Track = &track })
}

func (r *progressReporter) OnError(err error) {
	r.s.log.Debug("pipeline error", "job", r.id, "error", err)
}

func (r *progressReporter) OnDone(path string) {
	r.s.log.Debug("pipeline done", "job", r.id, "output", path)
}

func (r *progressReporter) OnProgress(pct int) {
	r.s.update(r.id, func(j *models.TranscodeJob) { j.Progress = pct })
	for {
		select {
		case r.pending <- pct:
			return
		default:
		}
		select {
		case <-r.pending:
		default:
		}
	}
}
