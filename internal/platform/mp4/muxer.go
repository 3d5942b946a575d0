package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	gomp4 "github.com/abema/go-mp4"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

const (
	movieTimescale = 1000
	mediaTimescale = 90000
	mdatHeaderSize = 16
)

type muxSample struct {
	offset int64
	size   uint32
	ptsUs  int64
	key    bool
}

// Muxer writes a single video track into a progressive MP4: ftyp, then a
// streamed mdat, then moov once the sample table is known.
type Muxer struct {
	f *os.File
	w *gomp4.Writer

	mu        sync.Mutex
	format    models.MediaFormat
	hasTrack  bool
	started   bool
	stopped   bool
	mdatStart int64
	written   int64
	samples   []muxSample
}

// Create is a platform.MuxerFactory.
func Create(path string) (platform.Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Muxer{f: f, w: gomp4.NewWriter(f)}, nil
}

func (m *Muxer) AddTrack(format models.MediaFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, errors.New("mp4: track added after start")
	}
	if m.hasTrack {
		return -1, errors.New("mp4: only one video track is supported")
	}
	if sampleEntryType(format.Mime) == "" {
		return -1, fmt.Errorf("mp4: unsupported mime %q", format.Mime)
	}
	m.format = format
	m.hasTrack = true
	return 0, nil
}

func (m *Muxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasTrack {
		return errors.New("mp4: no track added")
	}
	if m.started {
		return errors.New("mp4: already started")
	}
	ftyp := &gomp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 0x200,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	}
	if err := m.box(gomp4.BoxTypeFtyp(), ftyp, nil); err != nil {
		return fmt.Errorf("mp4: write ftyp: %w", err)
	}
	start, err := m.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	// 64-bit mdat header; the size is patched in Stop.
	hdr := make([]byte, mdatHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], 1)
	copy(hdr[4:], "mdat")
	if _, err := m.f.Write(hdr); err != nil {
		return fmt.Errorf("mp4: write mdat: %w", err)
	}
	m.mdatStart = start
	m.started = true
	return nil
}

func (m *Muxer) WriteSampleData(track int, data []byte, info platform.BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return errors.New("mp4: muxer not started")
	}
	if track != 0 {
		return fmt.Errorf("mp4: no track %d", track)
	}
	if info.Flags.Has(platform.FlagCodecConfig) {
		return nil
	}
	payload := data
	if info.Size > 0 && info.Offset >= 0 && info.Offset+info.Size <= len(data) {
		payload = data[info.Offset : info.Offset+info.Size]
	}
	if _, err := m.f.Write(payload); err != nil {
		return fmt.Errorf("mp4: write sample: %w", err)
	}
	m.samples = append(m.samples, muxSample{
		offset: m.mdatStart + mdatHeaderSize + m.written,
		size:   uint32(len(payload)),
		ptsUs:  info.PresentationTimeUs,
		key:    info.Flags.Has(platform.FlagKeyFrame),
	})
	m.written += int64(len(payload))
	return nil
}

func (m *Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return errors.New("mp4: muxer not started")
	}
	if m.stopped {
		return nil
	}
	m.stopped = true
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(mdatHeaderSize+m.written))
	if _, err := m.f.WriteAt(size[:], m.mdatStart+8); err != nil {
		return fmt.Errorf("mp4: patch mdat: %w", err)
	}
	if _, err := m.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if err := m.writeMoov(); err != nil {
		return fmt.Errorf("mp4: write moov: %w", err)
	}
	return m.f.Sync()
}

func (m *Muxer) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// sampleDurations returns per-sample durations in media ticks. The last
// sample repeats the previous duration, or one frame period.
func (m *Muxer) sampleDurations() []uint32 {
	n := len(m.samples)
	out := make([]uint32, n)
	for i := 0; i+1 < n; i++ {
		d := toTicks(m.samples[i+1].ptsUs) - toTicks(m.samples[i].ptsUs)
		if d < 0 {
			d = 0
		}
		out[i] = uint32(d)
	}
	if n > 0 {
		fps := m.format.FrameRate
		if fps <= 0 {
			fps = models.DefaultFrameRate
		}
		last := uint32(mediaTimescale / fps)
		if n > 1 && out[n-2] > 0 {
			last = out[n-2]
		}
		out[n-1] = last
	}
	return out
}

func toTicks(us int64) int64 { return us * mediaTimescale / 1_000_000 }

func (m *Muxer) writeMoov() error {
	durations := m.sampleDurations()
	var mediaDur uint64
	for _, d := range durations {
		mediaDur += uint64(d)
	}
	movieDur := mediaDur * movieTimescale / mediaTimescale

	return m.box(gomp4.BoxTypeMoov(), nil, func() error {
		mvhd := &gomp4.Mvhd{
			Timescale:   movieTimescale,
			DurationV0:  clamp32(movieDur),
			Rate:        fixedOne,
			Volume:      0x0100,
			Matrix:      matrixForRotation(0),
			NextTrackID: 2,
		}
		if err := m.box(gomp4.BoxTypeMvhd(), mvhd, nil); err != nil {
			return err
		}
		return m.box(gomp4.BoxTypeTrak(), nil, func() error {
			tkhd := &gomp4.Tkhd{
				FullBox:    gomp4.FullBox{Flags: [3]byte{0, 0, 3}},
				TrackID:    1,
				DurationV0: clamp32(movieDur),
				Matrix:     matrixForRotation(m.format.Rotation),
				Width:      uint32(m.format.Width) << 16,
				Height:     uint32(m.format.Height) << 16,
			}
			if err := m.box(gomp4.BoxTypeTkhd(), tkhd, nil); err != nil {
				return err
			}
			return m.box(gomp4.BoxTypeMdia(), nil, func() error {
				return m.writeMdia(mediaDur, durations)
			})
		})
	})
}

func (m *Muxer) writeMdia(mediaDur uint64, durations []uint32) error {
	mdhd := &gomp4.Mdhd{
		Timescale:  mediaTimescale,
		DurationV0: clamp32(mediaDur),
		Language:   [3]byte{'u', 'n', 'd'},
	}
	if err := m.box(gomp4.BoxTypeMdhd(), mdhd, nil); err != nil {
		return err
	}
	hdlr := &gomp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandler"}
	if err := m.box(gomp4.BoxTypeHdlr(), hdlr, nil); err != nil {
		return err
	}
	return m.box(gomp4.BoxTypeMinf(), nil, func() error {
		vmhd := &gomp4.Vmhd{FullBox: gomp4.FullBox{Flags: [3]byte{0, 0, 1}}}
		if err := m.box(gomp4.BoxTypeVmhd(), vmhd, nil); err != nil {
			return err
		}
		err := m.box(gomp4.BoxTypeDinf(), nil, func() error {
			return m.box(gomp4.BoxTypeDref(), &gomp4.Dref{EntryCount: 1}, func() error {
				return m.box(gomp4.BoxTypeUrl(), &gomp4.Url{FullBox: gomp4.FullBox{Flags: [3]byte{0, 0, 1}}}, nil)
			})
		})
		if err != nil {
			return err
		}
		return m.box(gomp4.BoxTypeStbl(), nil, func() error {
			return m.writeStbl(durations)
		})
	})
}

func (m *Muxer) writeStbl(durations []uint32) error {
	err := m.box(gomp4.BoxTypeStsd(), &gomp4.Stsd{EntryCount: 1}, func() error {
		return m.writeSampleEntry()
	})
	if err != nil {
		return err
	}

	stts := &gomp4.Stts{}
	for _, d := range durations {
		if n := len(stts.Entries); n > 0 && stts.Entries[n-1].SampleDelta == d {
			stts.Entries[n-1].SampleCount++
			continue
		}
		stts.Entries = append(stts.Entries, gomp4.SttsEntry{SampleCount: 1, SampleDelta: d})
	}
	stts.EntryCount = uint32(len(stts.Entries))
	if err := m.box(gomp4.BoxTypeStts(), stts, nil); err != nil {
		return err
	}

	stss := &gomp4.Stss{}
	for i, s := range m.samples {
		if s.key {
			stss.SampleNumber = append(stss.SampleNumber, uint32(i+1))
		}
	}
	stss.EntryCount = uint32(len(stss.SampleNumber))
	if err := m.box(gomp4.BoxTypeStss(), stss, nil); err != nil {
		return err
	}

	// one sample per chunk
	stsc := &gomp4.Stsc{EntryCount: 1, Entries: []gomp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1}}}
	if len(m.samples) == 0 {
		stsc = &gomp4.Stsc{}
	}
	if err := m.box(gomp4.BoxTypeStsc(), stsc, nil); err != nil {
		return err
	}

	stsz := &gomp4.Stsz{SampleCount: uint32(len(m.samples))}
	for _, s := range m.samples {
		stsz.EntrySize = append(stsz.EntrySize, s.size)
	}
	if err := m.box(gomp4.BoxTypeStsz(), stsz, nil); err != nil {
		return err
	}

	if n := len(m.samples); n > 0 && m.samples[n-1].offset > math.MaxUint32 {
		co64 := &gomp4.Co64{EntryCount: uint32(n)}
		for _, s := range m.samples {
			co64.ChunkOffset = append(co64.ChunkOffset, uint64(s.offset))
		}
		return m.box(gomp4.BoxTypeCo64(), co64, nil)
	}
	stco := &gomp4.Stco{EntryCount: uint32(len(m.samples))}
	for _, s := range m.samples {
		stco.ChunkOffset = append(stco.ChunkOffset, uint32(s.offset))
	}
	return m.box(gomp4.BoxTypeStco(), stco, nil)
}

func (m *Muxer) writeSampleEntry() error {
	f := m.format
	entry := sampleEntryType(f.Mime)
	return m.raw(entry, visualSampleEntry(f.Width, f.Height), func() error {
		config := "hvcC"
		if entry == "avc1" {
			config = "avcC"
		}
		if len(f.CodecPrivate) > 0 {
			if err := m.raw(config, f.CodecPrivate, nil); err != nil {
				return err
			}
		}
		if colr := encodeNCLX(f); colr != nil {
			if err := m.raw("colr", colr, nil); err != nil {
				return err
			}
		}
		if mdcv, clli, ok := splitStaticInfo(f.HDRStaticInfo); ok {
			if err := m.raw("mdcv", mdcv, nil); err != nil {
				return err
			}
			return m.raw("clli", clli, nil)
		}
		return nil
	})
}

func sampleEntryType(mime string) string {
	switch mime {
	case models.MimeAVC:
		return "avc1"
	case models.MimeHEVC:
		return "hvc1"
	case models.MimeDolbyVision:
		return "dvh1"
	}
	return ""
}

// visualSampleEntry is the fixed VisualSampleEntry payload.
func visualSampleEntry(width, height int) []byte {
	p := make([]byte, 78)
	binary.BigEndian.PutUint16(p[6:], 1) // data reference index
	binary.BigEndian.PutUint16(p[24:], uint16(width))
	binary.BigEndian.PutUint16(p[26:], uint16(height))
	binary.BigEndian.PutUint32(p[28:], 0x00480000) // 72 dpi
	binary.BigEndian.PutUint32(p[32:], 0x00480000)
	binary.BigEndian.PutUint16(p[40:], 1) // frame count
	binary.BigEndian.PutUint16(p[74:], 0x0018)
	binary.BigEndian.PutUint16(p[76:], 0xFFFF)
	return p
}

func (m *Muxer) box(t gomp4.BoxType, payload gomp4.IImmutableBox, children func() error) error {
	if _, err := m.w.StartBox(&gomp4.BoxInfo{Type: t}); err != nil {
		return err
	}
	if payload != nil {
		if _, err := gomp4.Marshal(m.w, payload, gomp4.Context{}); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	if children != nil {
		if err := children(); err != nil {
			return err
		}
	}
	_, err := m.w.EndBox()
	return err
}

func (m *Muxer) raw(name string, payload []byte, children func() error) error {
	if _, err := m.w.StartBox(&gomp4.BoxInfo{Type: gomp4.StrToBoxType(name)}); err != nil {
		return err
	}
	if _, err := m.w.Write(payload); err != nil {
		return err
	}
	if children != nil {
		if err := children(); err != nil {
			return err
		}
	}
	_, err := m.w.EndBox()
	return err
}

func clamp32(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
