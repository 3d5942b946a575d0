package transcoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/internal/platform/soft"
	"hdr-transcoder/pkg/models"
)

// eventLog records listener callbacks.
type eventLog struct {
	mu       sync.Mutex
	prepared []models.TrackFormat
	errs     []error
	progress []int
	done     []string
}

func (l *eventLog) OnPrepareDone(t models.TrackFormat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prepared = append(l.prepared, t)
}

func (l *eventLog) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *eventLog) OnProgress(pct int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, pct)
}

func (l *eventLog) OnDone(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = append(l.done, path)
}

func (l *eventLog) snapshot() eventLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return eventLog{
		prepared: append([]models.TrackFormat(nil), l.prepared...),
		errs:     append([]error(nil), l.errs...),
		progress: append([]int(nil), l.progress...),
		done:     append([]string(nil), l.done...),
	}
}

func newSession(t *testing.T, rig *soft.Rig) (*Session, *eventLog) {
	t.Helper()
	e, err := NewEngine(rig.Platform(), hclog.NewNullLogger())
	require.NoError(t, err)
	l := &eventLog{}
	s := e.NewSession("source.mp4", SessionOptions{Listener: l})
	t.Cleanup(s.Release)
	return s, l
}

// run prepares, starts and waits for s.
func run(t *testing.T, s *Session, cfg models.TranscodeConfig) error {
	t.Helper()
	require.NoError(t, s.Prepare())
	require.NoError(t, s.Start(cfg))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func encoderOf(t *testing.T, reg *soft.Registry) *soft.Codec {
	t.Helper()
	var enc *soft.Codec
	for _, c := range reg.Created() {
		if c.IsEncoder() {
			enc = c
		}
	}
	require.NotNil(t, enc, "no encoder created")
	return enc
}

func assertNoLeaks(t *testing.T, rig *soft.Rig) {
	t.Helper()
	assert.Zero(t, rig.Registry.Live(), "codecs left unreleased")
	assert.Zero(t, rig.GPU.Live(), "GPU contexts or surfaces left")
	assert.Zero(t, rig.GPU.Violations(), "GPU context used by two goroutines at once")
}

func samplePts(f soft.RecordedFile) []int64 {
	out := make([]int64, 0, len(f.Samples))
	for _, s := range f.Samples {
		out = append(out, s.Info.PresentationTimeUs)
	}
	return out
}

func TestScenarioUHDPQ(t *testing.T) {
	track := soft.SyntheticTrack(pqTrack(3840, 2160, 30), 90)
	rig := soft.NewRig(soft.NewSource(track))
	s, l := newSession(t, rig)

	cfg := models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true, OutWidth: 3840, OutHeight: 2160}
	require.NoError(t, run(t, s, cfg))

	p := s.Profile()
	assert.Equal(t, models.LevelDefault, p.Level)
	assert.True(t, p.IsHDR)
	assert.Equal(t, models.ColorSpaceRGBA1010102, p.ColorSpace)
	require.Len(t, s.Attempts(), 1)

	configured := encoderOf(t, rig.Registry).Configured()
	assert.Equal(t, models.ColorTransferST2084, configured.ColorTransfer)
	assert.Equal(t, models.ProfileHEVCMain10, configured.Profile)

	file, ok := rig.Recorder.Last()
	require.True(t, ok)
	require.Len(t, file.Tracks, 1, "exactly one video track")
	assert.Equal(t, models.MimeHEVC, file.Tracks[0].Mime)
	assert.Equal(t, track.Format.CodecPrivate, file.Tracks[0].CodecPrivate)
	require.Len(t, file.Samples, 90)
	assert.True(t, file.Stopped)

	frameUs := int64(1_000_000 / 30)
	last := file.Samples[len(file.Samples)-1].Info.PresentationTimeUs
	assert.InDelta(t, track.Format.DurationUs, last+frameUs, float64(frameUs))
	for i, smp := range file.Samples {
		assert.True(t, bytes.Equal(track.Samples[i].Data, smp.Data), "sample %d payload", i)
	}

	ev := l.snapshot()
	require.Len(t, ev.prepared, 1)
	assert.Equal(t, []string{"out.mp4"}, ev.done)
	assert.Empty(t, ev.errs)
	assertNoLeaks(t, rig)
}

func TestScenarioNo10BitSurface(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 30)))
	rig.Registry = soft.NewRegistry(soft.Options{No10BitSurface: true})
	s, l := newSession(t, rig)

	require.NoError(t, run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true}))

	attempts := s.Attempts()
	require.Len(t, attempts, 3)
	var si *SurfaceInitError
	assert.ErrorAs(t, attempts[0].Err, &si)
	assert.ErrorAs(t, attempts[1].Err, &si)
	assert.NoError(t, attempts[2].Err)

	p := s.Profile()
	assert.Equal(t, models.LevelNoHDR, p.Level)
	assert.False(t, p.IsHDR)
	assert.Equal(t, models.ColorSpaceRGBA8888, p.ColorSpace)
	assert.Equal(t, []string{"out.mp4"}, l.snapshot().done)
	assertNoLeaks(t, rig)
}

func TestScenarioFrameDrop(t *testing.T) {
	format := models.TrackFormat{Mime: models.MimeAVC, Width: 1280, Height: 720, FrameRate: 30}
	track := soft.SyntheticTrack(format, 60)
	rig := soft.NewRig(soft.NewSource(track))
	rig.Features.NativeFrameRateControl = false
	s, _ := newSession(t, rig)

	require.NoError(t, run(t, s, models.TranscodeConfig{DstPath: "out.mp4", FPS: 15}))

	var want []int64
	for i, smp := range track.Samples {
		if i%2 == 0 || smp.PresentationTimeUs >= track.Format.DurationUs-tailKeepUs {
			want = append(want, smp.PresentationTimeUs)
		}
	}
	file, ok := rig.Recorder.Last()
	require.True(t, ok)
	assert.Equal(t, want, samplePts(file))
	assert.Equal(t, 0.0, encoderOf(t, rig.Registry).Configured().MaxFPSToEncoder)
	assertNoLeaks(t, rig)
}

func TestScenarioNoVideoTrack(t *testing.T) {
	audio := soft.Track{Format: models.TrackFormat{Mime: "audio/mp4a-latm", DurationUs: 1_000_000}}
	rig := soft.NewRig(soft.NewSource(audio))
	s, l := newSession(t, rig)

	require.ErrorIs(t, s.Prepare(), ErrNoVideoTrack)
	require.ErrorIs(t, s.Start(models.TranscodeConfig{DstPath: "out.mp4"}), ErrNotPrepared)

	ev := l.snapshot()
	require.NotEmpty(t, ev.errs)
	assert.ErrorIs(t, ev.errs[0], ErrNoVideoTrack)
	assert.Empty(t, ev.prepared)
	assert.Empty(t, rig.Registry.Created(), "no codec may be created")
	assert.Empty(t, rig.GPU.ContextSpaces(), "no GPU context may be created")
	assert.Empty(t, rig.Recorder.Files())
}

func TestLadderIsMonotonic(t *testing.T) {
	hevcDecoderOnly := []soft.CodecInfo{
		{Name: "hevc.dec", Mime: models.MimeHEVC, MaxWidth: 8192, MaxHeight: 8192, HDR: true},
		{Name: "avc.enc", Mime: models.MimeAVC, Encoder: true, MaxWidth: 4096, MaxHeight: 4096},
	}
	sdrOnlyEncoder := []soft.CodecInfo{
		{Name: "hevc.dec", Mime: models.MimeHEVC, MaxWidth: 8192, MaxHeight: 8192, HDR: true},
		{Name: "hevc.enc", Mime: models.MimeHEVC, Encoder: true, MaxWidth: 8192, MaxHeight: 8192},
	}

	tests := []struct {
		name      string
		codecs    []soft.CodecInfo
		gpu       soft.GPUOptions
		cfg       models.TranscodeConfig
		levels    []models.OutputLevel
		wantError bool
	}{
		{
			name:   "full support",
			gpu:    soft.GPUOptions{TenBit: true},
			cfg:    models.TranscodeConfig{HEVC: true, KeepHDR: true},
			levels: []models.OutputLevel{models.LevelDefault},
		},
		{
			name:   "HDR opt-out starts at the floor",
			gpu:    soft.GPUOptions{TenBit: true},
			cfg:    models.TranscodeConfig{HEVC: true},
			levels: []models.OutputLevel{models.LevelNoHDR},
		},
		{
			name:   "encoder without HDR",
			codecs: sdrOnlyEncoder,
			gpu:    soft.GPUOptions{TenBit: true},
			cfg:    models.TranscodeConfig{HEVC: true, KeepHDR: true},
			levels: []models.OutputLevel{models.LevelDefault, models.LevelNoProfile, models.LevelNoHDR},
		},
		{
			name:      "no encoder at any level",
			codecs:    hevcDecoderOnly,
			gpu:       soft.GPUOptions{TenBit: true},
			cfg:       models.TranscodeConfig{HEVC: true, KeepHDR: true},
			levels:    []models.OutputLevel{models.LevelDefault, models.LevelNoProfile, models.LevelNoHDR},
			wantError: true,
		},
		{
			name:      "no GPU context at all",
			gpu:       soft.GPUOptions{TenBit: true, FailContexts: true},
			cfg:       models.TranscodeConfig{HEVC: true, KeepHDR: true},
			levels:    []models.OutputLevel{models.LevelDefault, models.LevelNoProfile, models.LevelNoHDR},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 10)))
			rig.Registry = soft.NewRegistry(soft.Options{}, tt.codecs...)
			rig.GPU = soft.NewGPU(tt.gpu)
			s, l := newSession(t, rig)
			require.NoError(t, s.Prepare())

			cfg := tt.cfg
			cfg.DstPath = "out.mp4"
			err := s.Start(cfg)

			var levels []models.OutputLevel
			for _, a := range s.Attempts() {
				levels = append(levels, a.Level)
			}
			assert.Equal(t, tt.levels, levels)

			if tt.wantError {
				require.Error(t, err)
				assert.True(t, degradable(err), "terminal error is the floor's setup error")
				require.Len(t, l.snapshot().errs, 1)
				assertNoLeaks(t, rig)
				return
			}
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			require.NoError(t, s.Wait(ctx))
			assertNoLeaks(t, rig)
		})
	}
}

func TestHDR10PlusRelay(t *testing.T) {
	metadata := func(pts int64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(pts))
		return b
	}
	track := soft.SyntheticTrack(pqTrack(1920, 1080, 30), 60)
	rig := soft.NewRig(soft.NewSource(track))
	rig.Registry = soft.NewRegistry(soft.Options{DynamicMetadata: metadata})
	s, _ := newSession(t, rig)

	require.NoError(t, run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true}))

	enc := encoderOf(t, rig.Registry)
	assert.Zero(t, enc.Overwrites(), "a payload was replaced before its frame consumed it")
	attached := enc.Attached()
	require.Len(t, attached, len(track.Samples), "every produced payload is consumed")
	for i, rec := range attached {
		want := track.Samples[i].PresentationTimeUs
		assert.Equal(t, want, rec.PresentationTimeUs)
		assert.Equal(t, metadata(want), rec.Data, "payload %d landed on the wrong frame", i)
	}
	assertNoLeaks(t, rig)
}

func TestRelayInactiveForHLG(t *testing.T) {
	format := pqTrack(1920, 1080, 30)
	format.ColorTransfer = models.ColorTransferHLG
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(format, 10)))
	rig.Registry = soft.NewRegistry(soft.Options{DynamicMetadata: func(int64) []byte { return []byte{1} }})
	s, _ := newSession(t, rig)

	require.NoError(t, run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true}))
	assert.Empty(t, encoderOf(t, rig.Registry).Attached())
}

func TestProgressAndTimestamps(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 150)))
	s, l := newSession(t, rig)

	require.NoError(t, run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true}))

	progress := l.snapshot().progress
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1], "progress must increase")
	}
	assert.Equal(t, 100, progress[len(progress)-1])
	for _, p := range progress[:len(progress)-1] {
		assert.Less(t, p, 100)
	}

	file, _ := rig.Recorder.Last()
	pts := samplePts(file)
	for i := 1; i < len(pts); i++ {
		assert.GreaterOrEqual(t, pts[i], pts[i-1])
	}
}

func TestEncoderRuntimeError(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 60)))
	rig.Registry = soft.NewRegistry(soft.Options{FailAfter: map[string]int{"soft.hevc.encoder": 5}})
	s, l := newSession(t, rig)

	err := run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true})
	var cr *CodecRuntimeError
	require.ErrorAs(t, err, &cr)
	assert.Equal(t, "encoder", cr.Direction)
	assert.Equal(t, "soft.hevc.encoder", cr.Codec)
	assert.ErrorIs(t, err, soft.ErrInjected)

	ev := l.snapshot()
	require.Len(t, ev.errs, 1)
	assert.Empty(t, ev.done)
	assertNoLeaks(t, rig)

	file, ok := rig.Recorder.Last()
	require.True(t, ok)
	assert.True(t, file.Released, "muxer is released after a runtime error")
}

func TestMuxerFinalizeError(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 10)))
	rig.Recorder.FailStop = true
	s, l := newSession(t, rig)

	err := run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true})
	var me *MuxerError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "stop", me.Op)
	assert.Empty(t, l.snapshot().done)
	assertNoLeaks(t, rig)
}

func TestResetAndReleaseAreIdempotent(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 3000)))
	s, _ := newSession(t, rig)
	require.NoError(t, s.Prepare())
	require.NoError(t, s.Start(models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true}))

	s.Reset()
	s.Reset()
	assertNoLeaks(t, rig)

	err := s.Wait(context.Background())
	if err != nil {
		assert.ErrorIs(t, err, ErrSessionReset)
	}

	// The rewound source can run again.
	require.NoError(t, s.Start(models.TranscodeConfig{DstPath: "again.mp4", HEVC: true}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	file, _ := rig.Recorder.Last()
	assert.Len(t, file.Samples, 3000)

	s.Release()
	s.Release()
	s.Reset()
	assertNoLeaks(t, rig)
	assert.ErrorIs(t, s.Start(models.TranscodeConfig{DstPath: "out.mp4"}), ErrReleased)
	assert.ErrorIs(t, s.Prepare(), ErrReleased)
}

func TestResetFromProgressCallback(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 300)))
	e, err := NewEngine(rig.Platform(), hclog.NewNullLogger())
	require.NoError(t, err)

	var s *Session
	var once sync.Once
	l := ListenerFuncs{Progress: func(int) { once.Do(func() { s.Reset() }) }}
	s = e.NewSession("source.mp4", SessionOptions{Listener: l})
	defer s.Release()

	require.NoError(t, s.Prepare())
	require.NoError(t, s.Start(models.TranscodeConfig{DstPath: "out.mp4", HEVC: true}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	assertNoLeaks(t, rig)
}

func TestStartWhileRunning(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 3000)))
	s, _ := newSession(t, rig)
	require.NoError(t, s.Prepare())
	cfg := models.TranscodeConfig{DstPath: "out.mp4", HEVC: true}
	require.NoError(t, s.Start(cfg))

	err := s.Start(cfg)
	if err != nil {
		assert.ErrorIs(t, err, ErrRunning)
	}
	s.Reset()
	assertNoLeaks(t, rig)
}

func TestDecoderRuntimeError(t *testing.T) {
	before := runtime.NumGoroutine()
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 60)))
	rig.Registry = soft.NewRegistry(soft.Options{FailAfter: map[string]int{"soft.hevc.decoder": 5}})
	s, l := newSession(t, rig)

	err := run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true})
	var cr *CodecRuntimeError
	require.ErrorAs(t, err, &cr)
	assert.Equal(t, "decoder", cr.Direction)
	assert.Equal(t, "soft.hevc.decoder", cr.Codec)
	assert.ErrorIs(t, err, soft.ErrInjected)
	assert.Len(t, l.snapshot().errs, 1)

	s.Release()
	assertNoLeaks(t, rig)
	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= before },
		2*time.Second, 10*time.Millisecond, "pipeline goroutines still running after Release")
}

func TestMuxedTimestampsFollowPresentationOrder(t *testing.T) {
	// I P B B: every third frame is decoded ahead of the two before it.
	const n = 31
	ptsOf := func(i int) int64 { return int64(i) * 1_000_000 / 30 }
	order := []int{0}
	for g := 1; 3*g < n; g++ {
		order = append(order, 3*g, 3*g-2, 3*g-1)
	}
	format := pqTrack(1920, 1080, 30)
	format.DurationUs = n * 1_000_000 / 30
	track := soft.Track{Format: format}
	for k, i := range order {
		smp := platform.Sample{Data: []byte{byte(i), 0xAB}, PresentationTimeUs: ptsOf(i)}
		if k == 0 {
			smp.Flags = platform.FlagKeyFrame
		}
		track.Samples = append(track.Samples, smp)
	}
	rig := soft.NewRig(soft.NewSource(track))
	s, _ := newSession(t, rig)

	require.NoError(t, run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true}))

	file, ok := rig.Recorder.Last()
	require.True(t, ok)
	want := make([]int64, n)
	for i := range want {
		want[i] = ptsOf(i)
	}
	assert.Equal(t, want, samplePts(file))
}

func TestCodecConfigSampleIsNotEncoded(t *testing.T) {
	track := soft.SyntheticTrack(pqTrack(1920, 1080, 30), 30)
	config := platform.Sample{Data: []byte{0x40, 0x01, 0x0C}, Flags: platform.FlagCodecConfig}
	track.Samples = append([]platform.Sample{config}, track.Samples...)
	rig := soft.NewRig(soft.NewSource(track))
	s, l := newSession(t, rig)

	require.NoError(t, run(t, s, models.TranscodeConfig{DstPath: "out.mp4", HEVC: true, KeepHDR: true}))

	file, _ := rig.Recorder.Last()
	require.Len(t, file.Samples, 30)
	for _, smp := range file.Samples {
		assert.False(t, bytes.Equal(config.Data, smp.Data), "codec config reached the muxer")
	}
	assert.Equal(t, []string{"out.mp4"}, l.snapshot().done)
	assertNoLeaks(t, rig)
}

func TestResetFromAnotherGoroutineWaitsForCallback(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 3000)))
	e, err := NewEngine(rig.Platform(), hclog.NewNullLogger())
	require.NoError(t, err)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	l := ListenerFuncs{Progress: func(int) {
		once.Do(func() {
			close(entered)
			<-unblock
		})
	}}
	s := e.NewSession("source.mp4", SessionOptions{Listener: l})
	defer s.Release()

	require.NoError(t, s.Prepare())
	require.NoError(t, s.Start(models.TranscodeConfig{DstPath: "out.mp4", HEVC: true}))

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("progress callback never ran")
	}

	resetDone := make(chan struct{})
	go func() {
		defer close(resetDone)
		s.Reset()
	}()

	select {
	case <-resetDone:
		t.Fatal("Reset returned while a listener callback was still running")
	case <-time.After(200 * time.Millisecond):
	}

	close(unblock)
	select {
	case <-resetDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Reset did not return after the callback finished")
	}
	assertNoLeaks(t, rig)
	assert.ErrorIs(t, s.Wait(context.Background()), ErrSessionReset)
}

// gatedFactory holds the first CreateByName until release is closed.
type gatedFactory struct {
	platform.CodecFactory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFactory) CreateByName(name string) (platform.Codec, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.CodecFactory.CreateByName(name)
}

func TestResetDuringStartAbandonsPipeline(t *testing.T) {
	rig := soft.NewRig(soft.NewSource(soft.SyntheticTrack(pqTrack(1920, 1080, 30), 300)))
	gate := &gatedFactory{CodecFactory: rig.Registry, entered: make(chan struct{}), release: make(chan struct{})}
	plat := rig.Platform()
	plat.Codecs = gate
	e, err := NewEngine(plat, hclog.NewNullLogger())
	require.NoError(t, err)
	l := &eventLog{}
	s := e.NewSession("source.mp4", SessionOptions{Listener: l})
	defer s.Release()
	require.NoError(t, s.Prepare())

	cfg := models.TranscodeConfig{DstPath: "out.mp4", HEVC: true}
	started := make(chan error, 1)
	go func() { started <- s.Start(cfg) }()
	<-gate.entered

	// Setup runs outside the session lock, so these return at once.
	accessors := make(chan struct{})
	go func() {
		defer close(accessors)
		s.Attempts()
		s.Profile()
		assert.ErrorIs(t, s.Start(cfg), ErrRunning)
		s.Reset()
	}()
	select {
	case <-accessors:
	case <-time.After(2 * time.Second):
		t.Fatal("session calls blocked behind Start")
	}

	close(gate.release)
	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrSessionReset)
	case <-time.After(10 * time.Second):
		t.Fatal("Start never returned")
	}
	assert.Empty(t, l.snapshot().errs, "an abandoned start is not an error")
	assertNoLeaks(t, rig)

	// The session is still usable.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Start(cfg))
	require.NoError(t, s.Wait(ctx))
}
