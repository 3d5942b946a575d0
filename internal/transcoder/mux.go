package transcoder

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"hdr-transcoder/internal/metrics"
	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// muxStage owns the output container. It is created on the encoder's first
// format change and only touched from the encode goroutine until teardown.
type muxStage struct {
	muxer   platform.Muxer
	track   int
	path    string
	lastPts int64
	samples int
	clamped int
	stopped bool
	log     hclog.Logger
}

func newMuxStage(factory platform.MuxerFactory, path string, format models.MediaFormat, log hclog.Logger) (*muxStage, error) {
	m, err := factory(path)
	if err != nil {
		return nil, &MuxerError{Op: "create", Err: err}
	}
	track, err := m.AddTrack(format)
	if err != nil {
		m.Release()
		return nil, &MuxerError{Op: "add track", Err: err}
	}
	if err := m.Start(); err != nil {
		m.Release()
		return nil, &MuxerError{Op: "start", Err: err}
	}
	log.Info("muxer started", "path", path, "format", format)
	return &muxStage{muxer: m, track: track, path: path, lastPts: -1, log: log}, nil
}

// Write appends one encoded sample. Encoders emit presentation order, so a
// timestamp going backwards is a codec fault; it is clamped so the file stays
// valid, and counted.
func (m *muxStage) Write(data []byte, info platform.BufferInfo) error {
	if info.PresentationTimeUs < m.lastPts {
		m.log.Warn("clamping out-of-order sample timestamp", "pts", info.PresentationTimeUs, "last", m.lastPts)
		metrics.TimestampClamps.Inc()
		m.clamped++
		info.PresentationTimeUs = m.lastPts
	}
	info.HDR10Plus = nil
	if err := m.muxer.WriteSampleData(m.track, data, info); err != nil {
		return &MuxerError{Op: "write", Err: err}
	}
	m.lastPts = info.PresentationTimeUs
	m.samples++
	metrics.SamplesMuxed.Inc()
	return nil
}

// Close stops and releases the muxer. A failed Stop still releases.
func (m *muxStage) Close() error {
	if m.stopped {
		return nil
	}
	m.stopped = true
	var errs []error
	if err := m.muxer.Stop(); err != nil {
		errs = append(errs, &MuxerError{Op: "stop", Err: err})
	}
	if err := m.muxer.Release(); err != nil {
		errs = append(errs, &MuxerError{Op: "release", Err: err})
	}
	m.log.Debug("muxer closed", "samples", m.samples, "clamped", m.clamped)
	return errors.Join(errs...)
}

// progressTracker turns encoded timestamps into whole percentages. It never
// reports the same value twice or goes backwards, and only Finish reports 100.
type progressTracker struct {
	durationUs int64
	last       int
	report     func(int)
}

func newProgressTracker(durationUs int64, report func(int)) *progressTracker {
	return &progressTracker{durationUs: durationUs, last: -1, report: report}
}

func (p *progressTracker) Update(ptsUs int64) {
	if p.durationUs <= 0 {
		return
	}
	pct := int(ptsUs * 100 / p.durationUs)
	if pct > 99 {
		pct = 99
	}
	if pct <= p.last || pct < 0 {
		return
	}
	p.emit(pct)
}

func (p *progressTracker) Finish() {
	if p.last < 100 {
		p.emit(100)
	}
}

func (p *progressTracker) emit(pct int) {
	p.last = pct
	metrics.SessionProgress.Set(float64(pct))
	if p.report != nil {
		p.report(pct)
	}
}

func (p *progressTracker) String() string {
	return fmt.Sprintf("%d%%", max(p.last, 0))
}
