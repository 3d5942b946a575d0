package models

import "time"

// JobStatus is the lifecycle state of a job on this worker.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Worker states reported in heartbeats.
const (
	WorkerIdle = "IDLE"
	WorkerBusy = "BUSY"
)

// JobSpec represents a transcoding job received from the orchestrator or the job API.
type JobSpec struct {
	JobID     string          `json:"job_id"`
	Source    string          `json:"source"` // path to the source container
	Config    TranscodeConfig `json:"config"`
	Priority  int             `json:"priority,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// JobProgress represents real-time progress during transcoding
type JobProgress struct {
	JobID   string `json:"job_id"`
	Percent int    `json:"percent"`
}

// TranscodeJob is the worker-side record of a job.
type TranscodeJob struct {
	Spec      JobSpec        `json:"spec"`
	Status    JobStatus      `json:"status"`
	Progress  int            `json:"progress"`
	Track     *TrackFormat   `json:"track,omitempty"`
	Profile   *OutputProfile `json:"profile,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	StartTime time.Time      `json:"start_time,omitempty"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Payload for PATCH /jobs/{id}
type JobStatusPayload struct {
	WorkerID string    `json:"worker_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
}

// Payload for POST /jobs/{id}/finalize
type JobResultPayload struct {
	Status     JobStatus      `json:"status"` // COMPLETED, FAILED
	OutputPath string         `json:"output_path,omitempty"`
	ErrorMsg   string         `json:"error_message,omitempty"`
	Profile    *OutputProfile `json:"profile,omitempty"`
	Metrics    struct {
		TotalTimeMS int64 `json:"total_time_ms"`
		Attempts    int   `json:"attempts"`
	} `json:"metrics"`
}

// HardwareStats is the host telemetry sampled by the monitor.
type HardwareStats struct {
	// CPU usage percentage (0.0 to 100.0)
	CPUPercent float64 `json:"cpu_percent"`

	// Used RAM percentage (0.0 to 100.0)
	RAMPercent float64 `json:"ram_percent"`

	// Computed flag: Is the system too busy to accept new work?
	IsBusy bool `json:"is_busy"`
}

// WorkerCapabilities is what the worker can produce on this platform.
type WorkerCapabilities struct {
	CPUModel     string   `json:"cpu_model"`
	TotalThreads int      `json:"total_threads"`
	Encoders     []string `json:"encoders"`
	Features     []string `json:"features"` // e.g. ["hdr10", "dolby-vision", "10bit-surface"]
}

// Payload for POST /workers/register
type RegistrationPayload struct {
	WorkerID     string             `json:"worker_id"`
	Capabilities WorkerCapabilities `json:"capabilities"`
}

// ActiveContext provides progress data for the currently running job.
type ActiveContext struct {
	JobID    string `json:"job_id"`
	Progress int    `json:"progress"`
	Level    string `json:"level,omitempty"`
}

// Payload for POST /workers/sync
type SyncPayload struct {
	WorkerID  string         `json:"worker_id"`
	Status    string         `json:"status"` // IDLE, BUSY
	Hardware  HardwareStats  `json:"hardware"`
	ActiveJob *ActiveContext `json:"active_job,omitempty"`
	QueueLen  int            `json:"queue_len"`
}

// SyncResponse may carry a job assignment.
type SyncResponse struct {
	Job *JobSpec `json:"job,omitempty"`
}
