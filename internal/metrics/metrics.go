// Package metrics holds the Prometheus collectors of the worker. Every metric
// is prefixed with "hdr_transcoder_".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	FramesDecoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdr_transcoder_frames_decoded_total",
			Help: "Decoded frames leaving the decoder",
		},
	)

	FramesRendered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdr_transcoder_frames_rendered_total",
			Help: "Decoded frames composited into the encoder surface",
		},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdr_transcoder_frames_dropped_total",
			Help: "Decoded frames skipped to reach the target frame rate",
		},
	)

	SamplesMuxed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdr_transcoder_samples_muxed_total",
			Help: "Encoded samples written to output files",
		},
	)

	TimestampClamps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdr_transcoder_timestamp_clamps_total",
			Help: "Encoded samples whose timestamp went backwards and was clamped",
		},
	)

	LadderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdr_transcoder_ladder_attempts_total",
			Help: "Negotiation attempts by output level and result",
		},
		[]string{"level", "result"},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdr_transcoder_sessions_total",
			Help: "Finished sessions by outcome",
		},
		[]string{"outcome"}, // "done", "error", "reset"
	)

	RelayWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hdr_transcoder_relay_wait_seconds",
			Help:    "Time the decoder waited for the HDR10+ slot",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	SessionProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hdr_transcoder_session_progress_percent",
			Help: "Progress of the most recently updated session",
		},
	)
)

// Job metrics
var (
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hdr_transcoder_jobs_queued",
			Help: "Jobs waiting in the local queue",
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdr_transcoder_jobs_total",
			Help: "Jobs finished by status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hdr_transcoder_job_duration_seconds",
			Help:    "Wall time of finished jobs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)
