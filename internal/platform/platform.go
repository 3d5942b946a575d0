// Package platform defines the contracts the transcoder consumes from the
// media platform: demuxer, codecs, muxer and the GPU. The transcoder owns
// these interfaces; adapters in sub-packages implement them.
package platform

import (
	"time"

	"hdr-transcoder/pkg/models"
)

// BufferFlag mirrors the codec buffer flags.
type BufferFlag uint32

const (
	FlagKeyFrame BufferFlag = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// Has reports whether all bits of f are set.
func (b BufferFlag) Has(f BufferFlag) bool { return b&f == f }

// BufferInfo describes one codec buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlag

	// HDR10Plus is the dynamic metadata a decoder attached to this frame.
	HDR10Plus []byte
}

// EventKind identifies a codec callback.
type EventKind int

const (
	EventInputAvailable EventKind = iota
	EventOutputAvailable
	EventFormatChanged
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInputAvailable:
		return "input-available"
	case EventOutputAvailable:
		return "output-available"
	case EventFormatChanged:
		return "format-changed"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one asynchronous codec callback, delivered through the codec's
// mailbox channel.
type Event struct {
	Kind   EventKind
	Index  int
	Info   BufferInfo
	Format models.MediaFormat
	Err    error
}

// Window is a native surface a codec renders into or consumes from.
type Window interface {
	Release() error
}

// Parameters are applied to a running codec; HDR10Plus targets the next
// frame submitted to an encoder.
type Parameters struct {
	HDR10Plus []byte
}

// Codec is an asynchronous hardware or software codec.
type Codec interface {
	Name() string
	// Configure prepares the codec. Decoders render into surface; encoders
	// pass nil and obtain their input through CreateInputSurface.
	Configure(format models.MediaFormat, surface Window, encoder bool) error
	// Events is the callback mailbox. It is closed when the codec is released.
	Events() <-chan Event
	Start() error
	Stop() error
	Release() error

	InputBuffer(index int) ([]byte, error)
	QueueInputBuffer(index, size int, ptsUs int64, flags BufferFlag) error
	OutputBuffer(index int) ([]byte, error)
	ReleaseOutputBuffer(index int, render bool) error

	CreateInputSurface() (Window, error)
	SignalEndOfInputStream() error
	SetParameters(p Parameters) error
}

// CodecFactory locates and instantiates codecs.
type CodecFactory interface {
	FindEncoderForFormat(f models.MediaFormat) (string, bool)
	FindDecoderForFormat(f models.MediaFormat) (string, bool)
	CreateByName(name string) (Codec, error)
	// Encoders lists every encoder name for capability reporting.
	Encoders() []string
}

// Sample is one demuxed access unit.
type Sample struct {
	Data               []byte
	PresentationTimeUs int64
	Flags              BufferFlag
}

// Demuxer splits a container into per-track sample streams.
type Demuxer interface {
	TrackCount() int
	TrackFormat(index int) (models.TrackFormat, error)
	SelectTrack(index int) error
	UnselectTrack(index int) error
	// ReadSample returns the next sample of the selected track and advances.
	// It returns io.EOF once the track is exhausted.
	ReadSample() (Sample, error)
	SeekTo(timeUs int64) error
	Close() error
}

// Muxer writes encoded samples into a container file.
type Muxer interface {
	AddTrack(format models.MediaFormat) (int, error)
	Start() error
	WriteSampleData(track int, data []byte, info BufferInfo) error
	Stop() error
	Release() error
}

// SourceOpener opens a container for demuxing.
type SourceOpener func(path string) (Demuxer, error)

// MuxerFactory creates the output container.
type MuxerFactory func(path string) (Muxer, error)

// Handle names a GPU object (context, surface or program).
type Handle uint32

// NoHandle is the zero handle.
const NoHandle Handle = 0

// Texture is an external texture fed by a decoder.
type Texture interface {
	// Window is the surface the decoder renders into.
	Window() Window
	// AwaitFrame blocks until a new frame is available or timeout elapses.
	AwaitFrame(timeout time.Duration) error
	UpdateTexImage() error
	TransformMatrix() [16]float32
	Release() error
}

// GPU is the rendering API used by the compositor.
type GPU interface {
	Initialize() error
	Extensions() string
	// CreateContext chooses a config for space and creates a context on it.
	CreateContext(space models.ColorSpace, clientVersion int) (Handle, error)
	CreateWindowSurface(ctx Handle, win Window) (Handle, error)
	MakeCurrent(ctx, surface Handle) error
	ReleaseCurrent() error
	CreateExternalTexture(ctx Handle) (Texture, error)
	CompileProgram(vertex, fragment string) (Handle, error)
	DrawQuad(program Handle, tex Texture, transform [16]float32) error
	SetPresentationTime(surface Handle, ns int64) error
	SwapBuffers(surface Handle) error
	DestroySurface(surface Handle) error
	DestroyContext(ctx Handle) error
	Terminate() error
}

// Features describes optional platform behavior.
type Features struct {
	// HDRFormatKeys: the codec format understands color and HDR keys.
	HDRFormatKeys bool
	// DolbyDvheSt: the DvheSt profile constant exists; otherwise DvheStn.
	DolbyDvheSt bool
	// NativeFrameRateControl: the encoder honors max-fps-to-encoder.
	NativeFrameRateControl bool
	// FrameDropKey: decoders accept allow-frame-drop.
	FrameDropKey bool
}

// Platform bundles every collaborator a session needs.
type Platform struct {
	Codecs     CodecFactory
	GPU        GPU
	OpenSource SourceOpener
	NewMuxer   MuxerFactory
	Features   Features
}
