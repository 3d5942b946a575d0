package transcoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"hdr-transcoder/internal/gpu"
	"hdr-transcoder/internal/metrics"
	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// ErrRunning is returned by Start while a previous run is still active.
var ErrRunning = errors.New("session already running")

// SessionOptions configure a Session.
type SessionOptions struct {
	// ID names the session in logs; a random one is generated when empty.
	ID       string
	Listener Listener
}

// Session runs one source through the pipeline. Prepare inspects the
// source, Start negotiates and launches the stages, and Reset or Release
// tear everything down. A Session can be started again after its run ends
// or is reset.
type Session struct {
	id       string
	engine   *Engine
	src      string
	listener Listener
	log      hclog.Logger

	mu       sync.Mutex
	demux    platform.Demuxer
	track    models.TrackFormat
	prepared bool
	released bool
	starting bool   // a Start is walking the ladder outside mu
	gen      uint64 // bumped by every Reset
	run      *pipeline // active run, nil when idle
	last     *pipeline // most recent run, for Wait
	attempts []Attempt
	profile  models.OutputProfile
}

// NewSession creates a session for the source at src.
func (e *Engine) NewSession(src string, opts SessionOptions) *Session {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	l := opts.Listener
	if l == nil {
		l = ListenerFuncs{}
	}
	return &Session{
		id:       id,
		engine:   e,
		src:      src,
		listener: l,
		log:      e.log.Named("session").With("session", id),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Prepare inspects the source. It reports the video track through
// OnPrepareDone, or ErrNoVideoTrack through OnError and the return value.
func (s *Session) Prepare() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.run != nil || s.starting {
		s.mu.Unlock()
		return ErrRunning
	}
	if s.demux != nil {
		s.closeDemuxLocked()
	}
	demux, track, err := Inspect(s.engine.Platform.OpenSource, s.src)
	if err == nil {
		s.demux, s.track, s.prepared = demux, track, true
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("prepare failed", "source", s.src, "error", err)
		s.listener.OnError(err)
		return err
	}
	s.log.Info("source prepared", "source", s.src, "mime", track.Mime,
		"resolution", track.Resolution(), "fps", track.FrameRate, "duration_us", track.DurationUs)
	s.listener.OnPrepareDone(track)
	return nil
}

// Track returns the inspected source track.
func (s *Session) Track() models.TrackFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Attempts returns the ladder history of the latest Start.
func (s *Session) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// Profile returns the profile the latest successful Start settled on.
func (s *Session) Profile() models.OutputProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Start negotiates a pipeline for cfg, stepping down the output ladder while
// setup fails for lack of codec or surface support, then starts the encoder
// and decoder. A setup failure at every level is returned and also reported
// through OnError.
func (s *Session) Start(cfg models.TranscodeConfig) error {
	err := s.start(cfg)
	if err != nil && !errors.Is(err, ErrRunning) && !errors.Is(err, ErrSessionReset) {
		s.log.Error("start failed", "error", err)
		metrics.SessionsTotal.WithLabelValues("error").Inc()
		s.listener.OnError(err)
	}
	return err
}

func (s *Session) start(cfg models.TranscodeConfig) error {
	s.mu.Lock()
	switch {
	case s.released:
		s.mu.Unlock()
		return ErrReleased
	case !s.prepared:
		s.mu.Unlock()
		return ErrNotPrepared
	case s.run != nil || s.starting:
		s.mu.Unlock()
		return ErrRunning
	}
	if err := cfg.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid config: %w", err)
	}
	s.starting = true
	gen := s.gen
	s.mu.Unlock()

	// 1. Walk the ladder and start the codecs without holding mu, so Reset
	// and the accessors stay responsive during setup.
	attempts, p, err := s.negotiateLadder(cfg)
	if err == nil {
		err = p.startCodecs()
	}

	s.mu.Lock()
	s.starting = false
	s.attempts = attempts
	if err == nil && (s.released || s.gen != gen) {
		err = ErrSessionReset
	}
	if err != nil {
		released := s.released
		s.mu.Unlock()
		if p != nil {
			p.teardown()
		}
		if released {
			s.mu.Lock()
			s.closeDemuxLocked()
			s.mu.Unlock()
		}
		return err
	}

	// 2. One goroutine per codec direction, plus the supervisor.
	s.profile = p.profile
	s.run, s.last = p, p
	p.stages.Add(2)
	go func() {
		defer p.stages.Done()
		p.dec.run(p.quit, p.report)
	}()
	go func() {
		defer p.stages.Done()
		p.enc.run(p.quit, p.report)
	}()
	go s.supervise(p)
	s.mu.Unlock()

	s.log.Info("pipeline started", "profile", p.profile,
		"encoder", p.encoder.Name(), "decoder", p.decoder.Name(), "attempts", len(attempts))
	return nil
}

// negotiateLadder builds a pipeline at the highest level that sets up,
// stepping down while setup fails for lack of codec or surface support.
func (s *Session) negotiateLadder(cfg models.TranscodeConfig) ([]Attempt, *pipeline, error) {
	var attempts []Attempt
	profile := models.NewOutputProfile(cfg)
	for {
		attempt, p, err := s.build(cfg, profile)
		attempts = append(attempts, attempt)
		result := "ok"
		if err != nil {
			result = "failed"
		}
		metrics.LadderAttempts.WithLabelValues(profile.Level.String(), result).Inc()
		if err == nil {
			return attempts, p, nil
		}
		next, ok := profile.Level.Next()
		if !degradable(err) || !ok {
			return attempts, nil, err
		}
		s.log.Warn("setup failed, degrading output", "level", profile.Level, "next", next, "error", err)
		profile = profile.AtLevel(next)
	}
}

// build sets up every resource for one ladder level. Partially created
// resources are released before an error is returned.
func (s *Session) build(cfg models.TranscodeConfig, profile models.OutputProfile) (Attempt, *pipeline, error) {
	e := s.engine
	attempt := Attempt{Level: profile.Level, Profile: profile}
	fail := func(err error, release ...func()) (Attempt, *pipeline, error) {
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
		attempt.Err = err
		return attempt, nil, err
	}

	// 1. Target format and codec names.
	neg, err := e.Negotiate(s.track, cfg, profile)
	if err != nil {
		var uc *UnsupportedCodecError
		if errors.As(err, &uc) {
			attempt.Format = uc.Format
		}
		return fail(err)
	}
	attempt.Profile, attempt.Format = neg.Profile, neg.Format
	attempt.Encoder, attempt.Decoder = neg.Encoder, neg.Decoder

	// 2. Encoder and its input surface.
	encCodec, err := e.Platform.Codecs.CreateByName(neg.Encoder)
	if err != nil {
		return fail(&UnsupportedCodecError{Level: profile.Level, Format: neg.Format, Err: err})
	}
	encoder := newCodecHandle(encCodec, s.log)
	releaseEncoder := func() { encoder.shutdown() }
	if err := encoder.Configure(neg.Format, nil, true); err != nil {
		return fail(&UnsupportedCodecError{Level: profile.Level, Format: neg.Format, Err: err}, releaseEncoder)
	}
	encWin, err := encoder.CreateInputSurface()
	if err != nil {
		return fail(&SurfaceInitError{Level: profile.Level, Err: err}, releaseEncoder)
	}
	releaseWindow := func() {
		if err := encWin.Release(); err != nil {
			s.log.Warn("release encoder surface", "error", err)
		}
	}

	// 3. GPU context bridging decoder output to encoder input.
	comp, prof, err := gpu.New(e.Platform.GPU, encWin, neg.Profile, gpu.Options{
		FrameTimeout: e.FrameTimeout,
		Logger:       s.log.Named("gpu"),
	})
	if err != nil {
		return fail(&SurfaceInitError{Level: profile.Level, Err: err}, releaseEncoder, releaseWindow)
	}
	attempt.Profile = prof
	releaseComp := func() {
		if err := comp.Release(); err != nil {
			s.log.Warn("release compositor", "error", err)
		}
	}

	// 4. Decoder rendering into the compositor's texture.
	decCodec, err := e.Platform.Codecs.CreateByName(neg.Decoder)
	if err != nil {
		return fail(&UnsupportedCodecError{Level: profile.Level, Format: neg.DecoderFormat, Err: err},
			releaseEncoder, releaseWindow, releaseComp)
	}
	decoder := newCodecHandle(decCodec, s.log)
	if err := decoder.Configure(neg.DecoderFormat, comp.DecoderWindow(), false); err != nil {
		decoder.shutdown()
		return fail(&UnsupportedCodecError{Level: profile.Level, Format: neg.DecoderFormat, Err: err},
			releaseEncoder, releaseWindow, releaseComp)
	}

	p := &pipeline{
		id:       s.id,
		profile:  prof,
		path:     cfg.DstPath,
		demux:    s.demux,
		track:    s.track,
		encoder:  encoder,
		decoder:  decoder,
		encWin:   encWin,
		comp:     comp,
		log:      s.log,
		quit:     make(chan struct{}),
		outcome:  make(chan error, 1),
		progress: make(chan int, 1),
		done:     make(chan struct{}),
	}
	if neg.RelayActive() {
		p.relay = newMetadataRelay(e.RelayTimeout, func(b []byte) error {
			return encoder.SetParameters(platform.Parameters{HDR10Plus: b})
		})
	}
	p.dec = &decodeStage{
		codec:   decoder,
		demux:   s.demux,
		encoder: encoder,
		drawer:  comp,
		relay:   p.relay,
		dropper: newFrameDropper(s.track.FrameRate, neg.Format.FrameRate, s.track.DurationUs,
			e.Platform.Features.NativeFrameRateControl),
		log: s.log.Named("decoder"),
	}
	p.enc = &encodeStage{
		codec:    encoder,
		newMuxer: e.Platform.NewMuxer,
		path:     cfg.DstPath,
		relay:    p.relay,
		progress: newProgressTracker(s.track.DurationUs, p.sendProgress),
		log:      s.log.Named("encoder"),
	}
	return attempt, p, nil
}

// supervise waits for the run to end, tears it down off the stage
// goroutines and notifies the listener.
func (s *Session) supervise(p *pipeline) {
	p.supervisor.Store(goroutineID())
	var err error
	for waiting := true; waiting; {
		select {
		case err = <-p.outcome:
			waiting = false
		case <-p.quit:
			waiting = false
		case pct := <-p.progress:
			s.deliverProgress(p, pct)
		}
	}

	p.teardown()
	if err == nil {
		err = p.muxErr
	}
	if p.resetting.Load() {
		err = ErrSessionReset
	}
	select {
	case pct := <-p.progress:
		if err == nil {
			s.deliverProgress(p, pct)
		}
	default:
	}
	s.complete(p, err)
}

func (s *Session) deliverProgress(p *pipeline, pct int) {
	if p.resetting.Load() {
		return
	}
	s.listener.OnProgress(pct)
}

// complete records the result and tells the listener. The run is detached
// from the session first so a callback may Start or Reset it.
func (s *Session) complete(p *pipeline, err error) {
	s.mu.Lock()
	if s.run == p {
		s.run = nil
	}
	s.mu.Unlock()
	p.err = err
	defer close(p.done)

	switch {
	case errors.Is(err, ErrSessionReset):
		metrics.SessionsTotal.WithLabelValues("reset").Inc()
		s.log.Info("pipeline reset")
	case err != nil:
		metrics.SessionsTotal.WithLabelValues("error").Inc()
		s.log.Error("pipeline failed", "error", err)
		s.listener.OnError(err)
	default:
		metrics.SessionsTotal.WithLabelValues("done").Inc()
		s.log.Info("pipeline done", "output", p.path)
		s.listener.OnDone(p.path)
	}
}

// Wait blocks until the latest run has finished and returns its result.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	p := s.last
	s.mu.Unlock()
	if p == nil {
		return ErrNotPrepared
	}
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset stops the active run, if any, and frees its GPU, codec and muxer
// resources. The source is rewound so the session can be started again. It
// is safe to call repeatedly and from any goroutine, including listener
// callbacks. Unless called from a callback, it returns once every goroutine
// of the run, listener calls included, has finished. A Start still
// negotiating is told to abandon its pipeline and returns ErrSessionReset.
func (s *Session) Reset() {
	s.mu.Lock()
	s.gen++
	p := s.run
	s.run = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.resetting.Store(true)
	p.teardown()
	// Callbacks run on the supervisor, which cannot wait for itself.
	if goroutineID() == p.supervisor.Load() {
		return
	}
	<-p.done
}

// Release resets the session and closes the source. The session cannot be
// used afterwards.
func (s *Session) Release() {
	s.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	// An in-flight Start closes the source when it sees released.
	if !s.starting {
		s.closeDemuxLocked()
	}
	s.log.Debug("session released")
}

func (s *Session) closeDemuxLocked() {
	if s.demux == nil {
		return
	}
	if err := s.demux.Close(); err != nil {
		s.log.Warn("close source", "error", err)
	}
	s.demux = nil
	s.prepared = false
}

// pipeline is the set of resources of one run.
type pipeline struct {
	id      string
	profile models.OutputProfile
	path    string
	demux   platform.Demuxer
	track   models.TrackFormat
	encoder *codecHandle
	decoder *codecHandle
	encWin  platform.Window
	comp    *gpu.Compositor
	relay   *metadataRelay
	dec     *decodeStage
	enc     *encodeStage
	log     hclog.Logger

	quit     chan struct{}
	outcome  chan error
	progress chan int
	stages   sync.WaitGroup

	teardownOnce sync.Once
	muxErr       error
	resetting    atomic.Bool
	supervisor   atomic.Uint64 // goroutine id of supervise

	done chan struct{}
	err  error
}

// startCodecs starts the encoder first, so its surface is live before
// frames arrive, then the decoder.
func (p *pipeline) startCodecs() error {
	if err := p.encoder.Start(); err != nil {
		return &CodecRuntimeError{Codec: p.encoder.Name(), Direction: "encoder", Err: err}
	}
	if err := p.decoder.Start(); err != nil {
		return &CodecRuntimeError{Codec: p.decoder.Name(), Direction: "decoder", Err: err}
	}
	return nil
}

// report records the first outcome of the run. Later reports, and reports
// after quit, are dropped.
func (p *pipeline) report(err error) {
	select {
	case <-p.quit:
		return
	default:
	}
	select {
	case p.outcome <- err:
	default:
	}
}

// sendProgress hands pct to the supervisor, replacing an undelivered value.
// Values only grow, so the replaced one is never needed.
func (p *pipeline) sendProgress(pct int) {
	for {
		select {
		case p.progress <- pct:
			return
		default:
		}
		select {
		case <-p.progress:
		default:
		}
	}
}

// teardown releases surfaces, then contexts, then codecs, then the muxer,
// and rewinds the source. Failures are logged and the rest still released.
func (p *pipeline) teardown() {
	p.teardownOnce.Do(func() {
		close(p.quit)
		if p.relay != nil {
			p.relay.Close()
			produced, consumed := p.relay.Counts()
			p.log.Debug("hdr10+ relay closed", "produced", produced, "consumed", consumed)
		}

		if err := p.comp.Release(); err != nil {
			p.log.Warn("release compositor", "error", err)
		}
		if err := p.encWin.Release(); err != nil {
			p.log.Warn("release encoder surface", "error", err)
		}
		p.decoder.shutdown()
		p.encoder.shutdown()
		p.stages.Wait()

		if p.enc.mux != nil {
			if err := p.enc.mux.Close(); err != nil {
				p.log.Warn("close muxer", "error", err)
				p.muxErr = err
			}
		}

		idx := p.track.TrackIndex
		if err := p.demux.UnselectTrack(idx); err != nil {
			p.log.Warn("unselect track", "error", err)
		}
		if err := p.demux.SelectTrack(idx); err != nil {
			p.log.Warn("select track", "error", err)
		}
		if err := p.demux.SeekTo(0); err != nil {
			p.log.Warn("rewind source", "error", err)
		}
	})
}
