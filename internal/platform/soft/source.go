package soft

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// Track is one in-memory elementary stream.
type Track struct {
	Format  models.TrackFormat
	Samples []platform.Sample
}

// SyntheticTrack builds a track of n one-byte-tagged samples at the
// format's frame rate, with a key frame every second.
func SyntheticTrack(format models.TrackFormat, n int) Track {
	fps := format.FrameRate
	if fps <= 0 {
		fps = models.DefaultFrameRate
	}
	samples := make([]platform.Sample, n)
	for i := range samples {
		s := platform.Sample{
			Data:               []byte{byte(i), byte(i >> 8), 0xAB, 0xCD},
			PresentationTimeUs: int64(i) * 1_000_000 / int64(fps),
		}
		if i%fps == 0 {
			s.Flags = platform.FlagKeyFrame
		}
		samples[i] = s
	}
	if format.DurationUs == 0 {
		format.DurationUs = int64(n) * 1_000_000 / int64(fps)
	}
	return Track{Format: format, Samples: samples}
}

// Source is an in-memory demuxer. It can be reopened after Close, so one
// Source serves every attempt of a session.
type Source struct {
	tracks []Track

	mu       sync.Mutex
	selected int
	pos      int
	reads    int
	seeks    int
	opens    int
	closed   bool
}

// NewSource returns a demuxer over tracks.
func NewSource(tracks ...Track) *Source {
	for i := range tracks {
		tracks[i].Format.TrackIndex = i
	}
	return &Source{tracks: tracks, selected: -1}
}

// Opener returns a platform.SourceOpener serving this source for any path.
func (s *Source) Opener() platform.SourceOpener {
	return func(string) (platform.Demuxer, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = false
		s.opens++
		return s, nil
	}
}

func (s *Source) TrackCount() int { return len(s.tracks) }

func (s *Source) TrackFormat(index int) (models.TrackFormat, error) {
	if index < 0 || index >= len(s.tracks) {
		return models.TrackFormat{}, fmt.Errorf("soft: no track %d", index)
	}
	return s.tracks[index].Format, nil
}

func (s *Source) SelectTrack(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.tracks) {
		return fmt.Errorf("soft: no track %d", index)
	}
	s.selected = index
	return nil
}

func (s *Source) UnselectTrack(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == index {
		s.selected = -1
	}
	return nil
}

func (s *Source) ReadSample() (platform.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return platform.Sample{}, errors.New("soft: source closed")
	}
	if s.selected < 0 {
		return platform.Sample{}, errors.New("soft: no track selected")
	}
	samples := s.tracks[s.selected].Samples
	if s.pos >= len(samples) {
		return platform.Sample{}, io.EOF
	}
	smp := samples[s.pos]
	s.pos++
	s.reads++
	return smp, nil
}

// SeekTo moves to the last key frame at or before timeUs.
func (s *Source) SeekTo(timeUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks++
	if s.selected < 0 {
		s.pos = 0
		return nil
	}
	samples := s.tracks[s.selected].Samples
	i := sort.Search(len(samples), func(i int) bool {
		return samples[i].PresentationTimeUs > timeUs
	})
	for i > 0 && !samples[i-1].Flags.Has(platform.FlagKeyFrame) {
		i--
	}
	if i > 0 {
		i--
	}
	s.pos = i
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.selected = -1
	s.pos = 0
	return nil
}

// Reads counts samples handed out since creation.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Opens counts Opener calls.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Seeks counts SeekTo calls.
func (s *Source) Seeks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeks
}
