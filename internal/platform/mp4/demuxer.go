// Package mp4 adapts ISO BMFF files to the platform demuxer and muxer
// contracts using github.com/abema/go-mp4.
package mp4

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	gomp4 "github.com/abema/go-mp4"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// sampleRef locates one sample in the file.
type sampleRef struct {
	offset int64
	size   int
	ptsUs  int64
	key    bool
}

type track struct {
	format  models.TrackFormat
	samples []sampleRef
}

// trakMeta collects what Probe does not report.
type trakMeta struct {
	id           uint32
	handler      string
	entry        string
	width        int
	height       int
	rotation     int
	codecPrivate []byte
	colr         []byte
	mdcv         []byte
	clli         []byte
	vivid        bool
	syncSamples  []uint32
}

// Demuxer reads video samples from an MP4 file.
type Demuxer struct {
	f      *os.File
	tracks []track

	mu       sync.Mutex
	selected int
	pos      int
}

// Open is a platform.SourceOpener.
func Open(path string) (platform.Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d, err := newDemuxer(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mp4: %s: %w", path, err)
	}
	return d, nil
}

func newDemuxer(f *os.File) (*Demuxer, error) {
	info, err := gomp4.Probe(f)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	metas, err := scanTracks(f)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	byID := make(map[uint32]*trakMeta, len(metas))
	for _, m := range metas {
		byID[m.id] = m
	}

	d := &Demuxer{f: f, selected: -1}
	for _, t := range info.Tracks {
		meta, ok := byID[t.TrackID]
		if !ok {
			meta = &trakMeta{id: t.TrackID}
		}
		d.tracks = append(d.tracks, buildTrack(len(d.tracks), t, meta))
	}
	return d, nil
}

func scanTracks(r io.ReadSeeker) ([]*trakMeta, error) {
	var metas []*trakMeta
	var cur *trakMeta
	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		name := h.BoxInfo.Type.String()
		if name == "trak" {
			cur = &trakMeta{}
			metas = append(metas, cur)
			return h.Expand()
		}
		if name == "moov" {
			return h.Expand()
		}
		if cur == nil {
			return nil, nil
		}
		switch name {
		case "mdia", "minf", "stbl", "stsd":
			return h.Expand()
		case "tkhd":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tkhd := box.(*gomp4.Tkhd)
			cur.id = tkhd.TrackID
			cur.rotation = rotationFromMatrix(tkhd.Matrix)
		case "hdlr":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			hdlr := box.(*gomp4.Hdlr)
			cur.handler = string(hdlr.HandlerType[:])
		case "avc1", "hvc1", "hev1":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			vse := box.(*gomp4.VisualSampleEntry)
			cur.entry = name
			cur.width, cur.height = int(vse.Width), int(vse.Height)
			return h.Expand()
		case "dvh1", "dvhe":
			cur.entry = name
		case "avcC", "hvcC":
			cur.codecPrivate, _ = rawPayload(h)
		case "colr":
			cur.colr, _ = rawPayload(h)
		case "mdcv":
			cur.mdcv, _ = rawPayload(h)
		case "clli":
			cur.clli, _ = rawPayload(h)
		case "cuvv":
			cur.vivid = true
		case "stss":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.syncSamples = box.(*gomp4.Stss).SampleNumber
		}
		return nil, nil
	})
	return metas, err
}

func rawPayload(h *gomp4.ReadHandle) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := h.ReadData(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildTrack(index int, t *gomp4.Track, meta *trakMeta) track {
	format := models.TrackFormat{
		TrackIndex:   index,
		Mime:         mimeFor(meta),
		Width:        meta.width,
		Height:       meta.height,
		Rotation:     meta.rotation,
		CodecPrivate: meta.codecPrivate,
		HDRVivid:     meta.vivid,
	}
	if t.Timescale > 0 {
		format.DurationUs = int64(t.Duration) * 1_000_000 / int64(t.Timescale)
	}
	if std, tr, rng, ok := parseNCLX(meta.colr); ok {
		format.ColorStandard, format.ColorTransfer, format.ColorRange = std, tr, rng
	}
	format.HDRStaticInfo = joinStaticInfo(meta.mdcv, meta.clli)

	keys := make(map[uint32]bool, len(meta.syncSamples))
	for _, n := range meta.syncSamples {
		keys[n] = true
	}

	samples := make([]sampleRef, 0, len(t.Samples))
	var dts int64
	si := 0
	for _, c := range t.Chunks {
		offset := int64(c.DataOffset)
		for k := 0; k < int(c.SamplesPerChunk) && si < len(t.Samples); k++ {
			s := t.Samples[si]
			ref := sampleRef{
				offset: offset,
				size:   int(s.Size),
				key:    len(keys) == 0 || keys[uint32(si+1)],
			}
			if t.Timescale > 0 {
				ref.ptsUs = (dts + int64(s.CompositionTimeOffset)) * 1_000_000 / int64(t.Timescale)
			}
			samples = append(samples, ref)
			offset += int64(s.Size)
			dts += int64(s.TimeDelta)
			si++
		}
	}
	if format.DurationUs > 0 && len(samples) > 0 {
		format.FrameRate = int((int64(len(samples))*1_000_000 + format.DurationUs/2) / format.DurationUs)
	}
	return track{format: format, samples: samples}
}

func mimeFor(meta *trakMeta) string {
	switch meta.entry {
	case "avc1":
		return models.MimeAVC
	case "hvc1", "hev1":
		return models.MimeHEVC
	case "dvh1", "dvhe":
		return models.MimeDolbyVision
	}
	switch meta.handler {
	case "vide":
		return "video/unknown"
	case "soun":
		return "audio/unknown"
	}
	return "application/octet-stream"
}

func (d *Demuxer) TrackCount() int { return len(d.tracks) }

func (d *Demuxer) TrackFormat(index int) (models.TrackFormat, error) {
	if index < 0 || index >= len(d.tracks) {
		return models.TrackFormat{}, fmt.Errorf("mp4: no track %d", index)
	}
	return d.tracks[index].format, nil
}

func (d *Demuxer) SelectTrack(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.tracks) {
		return fmt.Errorf("mp4: no track %d", index)
	}
	d.selected = index
	d.pos = 0
	return nil
}

func (d *Demuxer) UnselectTrack(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.selected == index {
		d.selected = -1
	}
	return nil
}

func (d *Demuxer) ReadSample() (platform.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return platform.Sample{}, os.ErrClosed
	}
	if d.selected < 0 {
		return platform.Sample{}, errors.New("mp4: no track selected")
	}
	refs := d.tracks[d.selected].samples
	if d.pos >= len(refs) {
		return platform.Sample{}, io.EOF
	}
	ref := refs[d.pos]
	buf := make([]byte, ref.size)
	if _, err := d.f.ReadAt(buf, ref.offset); err != nil {
		return platform.Sample{}, fmt.Errorf("mp4: read sample %d: %w", d.pos, err)
	}
	d.pos++
	smp := platform.Sample{Data: buf, PresentationTimeUs: ref.ptsUs}
	if ref.key {
		smp.Flags = platform.FlagKeyFrame
	}
	return smp, nil
}

// SeekTo positions at the last sync sample whose time is at or before timeUs.
func (d *Demuxer) SeekTo(timeUs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.selected < 0 {
		return nil
	}
	refs := d.tracks[d.selected].samples
	i := sort.Search(len(refs), func(i int) bool { return refs[i].ptsUs > timeUs })
	for i > 0 && !refs[i-1].key {
		i--
	}
	if i > 0 {
		i--
	}
	d.pos = i
	return nil
}

func (d *Demuxer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
