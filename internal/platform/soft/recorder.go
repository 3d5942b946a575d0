package soft

import (
	"errors"
	"fmt"
	"sync"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// RecordedSample is one sample written to a recorded file.
type RecordedSample struct {
	Track int
	Data  []byte
	Info  platform.BufferInfo
}

// RecordedFile is everything a muxer received.
type RecordedFile struct {
	Path     string
	Tracks   []models.MediaFormat
	Samples  []RecordedSample
	Started  bool
	Stopped  bool
	Released bool
}

// Recorder collects muxed output in memory.
type Recorder struct {
	mu    sync.Mutex
	files []*RecordedFile
	// FailStop makes Stop fail, for finalization error paths.
	FailStop bool
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Factory returns a platform.MuxerFactory that records into r.
func (r *Recorder) Factory() platform.MuxerFactory {
	return func(path string) (platform.Muxer, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		f := &RecordedFile{Path: path}
		r.files = append(r.files, f)
		return &recordingMuxer{rec: r, file: f}, nil
	}
}

// Files returns the recorded files in creation order.
func (r *Recorder) Files() []RecordedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedFile, 0, len(r.files))
	for _, f := range r.files {
		cp := *f
		cp.Tracks = append([]models.MediaFormat(nil), f.Tracks...)
		cp.Samples = append([]RecordedSample(nil), f.Samples...)
		out = append(out, cp)
	}
	return out
}

// Last returns the most recent file, or false.
func (r *Recorder) Last() (RecordedFile, bool) {
	files := r.Files()
	if len(files) == 0 {
		return RecordedFile{}, false
	}
	return files[len(files)-1], true
}

type recordingMuxer struct {
	rec  *Recorder
	file *RecordedFile
}

func (m *recordingMuxer) AddTrack(format models.MediaFormat) (int, error) {
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	if m.file.Started {
		return -1, errors.New("soft: track added after start")
	}
	m.file.Tracks = append(m.file.Tracks, format)
	return len(m.file.Tracks) - 1, nil
}

func (m *recordingMuxer) Start() error {
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	if len(m.file.Tracks) == 0 {
		return errors.New("soft: no tracks")
	}
	m.file.Started = true
	return nil
}

func (m *recordingMuxer) WriteSampleData(track int, data []byte, info platform.BufferInfo) error {
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	if !m.file.Started || m.file.Stopped {
		return errors.New("soft: muxer not started")
	}
	if track < 0 || track >= len(m.file.Tracks) {
		return fmt.Errorf("soft: no track %d", track)
	}
	m.file.Samples = append(m.file.Samples, RecordedSample{
		Track: track,
		Data:  append([]byte(nil), data...),
		Info:  info,
	})
	return nil
}

func (m *recordingMuxer) Stop() error {
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	if m.rec.FailStop {
		return errors.New("soft: finalize failed")
	}
	if !m.file.Started {
		return errors.New("soft: muxer not started")
	}
	m.file.Stopped = true
	return nil
}

func (m *recordingMuxer) Release() error {
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	m.file.Released = true
	return nil
}
