// Package heartbeat keeps the orchestrator informed about this worker and
// pulls job assignments from it.
package heartbeat

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"hdr-transcoder/internal/client"
	"hdr-transcoder/pkg/models"
)

// Orchestrator is the part of the orchestrator client the heartbeat needs.
type Orchestrator interface {
	Enabled() bool
	Register(ctx context.Context, caps models.WorkerCapabilities) error
	Sync(ctx context.Context, payload models.SyncPayload) (*models.SyncResponse, error)
}

// Monitor samples the host.
type Monitor interface {
	GetCapabilities(ctx context.Context) models.WorkerCapabilities
	GetStats(ctx context.Context) (models.HardwareStats, error)
}

// Jobs is the local job queue.
type Jobs interface {
	Submit(spec models.JobSpec) (string, error)
	Active() *models.ActiveContext
	QueueLen() int
}

// Service handles the periodic sync with the orchestrator.
type Service struct {
	orch     Orchestrator
	monitor  Monitor
	jobs     Jobs
	interval time.Duration
	log      hclog.Logger
}

func New(orch Orchestrator, monitor Monitor, jobs Jobs, interval time.Duration, logger hclog.Logger) *Service {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		orch:     orch,
		monitor:  monitor,
		jobs:     jobs,
		interval: interval,
		log:      logger.Named("heartbeat"),
	}
}

// Start registers the worker and launches the sync loop in a goroutine. It is
// a no-op when the orchestrator is disabled. The returned channel closes when
// the loop exits.
func (s *Service) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if !s.orch.Enabled() {
		s.log.Info("no orchestrator configured, heartbeat disabled")
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.register(ctx)
		s.log.Info("heartbeat started", "interval", s.interval)
		for {
			select {
			case <-ctx.Done():
				s.log.Info("stopping heartbeat")
				return
			case <-ticker.C:
				s.Beat(ctx)
			}
		}
	}()
	return done
}

func (s *Service) register(ctx context.Context) {
	if err := s.orch.Register(ctx, s.monitor.GetCapabilities(ctx)); err != nil {
		s.log.Warn("registration failed, retrying on next beat", "error", err)
	}
}

// Beat sends one sync and queues the assigned job, if any.
func (s *Service) Beat(ctx context.Context) {
	payload := models.SyncPayload{
		Status:    models.WorkerIdle,
		ActiveJob: s.jobs.Active(),
		QueueLen:  s.jobs.QueueLen(),
	}
	stats, err := s.monitor.GetStats(ctx)
	if err != nil {
		s.log.Debug("hardware stats unavailable", "error", err)
	}
	payload.Hardware = stats
	if payload.ActiveJob != nil || stats.IsBusy {
		payload.Status = models.WorkerBusy
	}

	resp, err := s.orch.Sync(ctx, payload)
	if client.IsStateLost(err) {
		s.log.Warn("orchestrator lost worker state, re-registering")
		s.register(ctx)
		return
	}
	if err != nil {
		s.log.Error("sync failed", "error", err)
		return
	}
	if resp == nil || resp.Job == nil {
		return
	}

	id, err := s.jobs.Submit(*resp.Job)
	if err != nil {
		s.log.Error("rejecting assigned job", "job", resp.Job.JobID, "error", err)
		return
	}
	s.log.Info("job assigned", "job", id)
}
