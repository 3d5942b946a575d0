package transcoder

import (
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"

	"hdr-transcoder/internal/logging"
	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// Default bounds for the blocking waits inside a running session.
const (
	DefaultRelayTimeout = time.Second
	DefaultFrameTimeout = 2500 * time.Millisecond
)

// Capability names reported by ProbeCapabilities.
const (
	CapHDR10       = "hdr10"
	CapHDR10Plus   = "hdr10plus"
	CapHLG         = "hlg"
	CapHDRVivid    = "hdr-vivid"
	CapDolbyVision = "dolby-vision"
	CapTenBit      = "10bit-surface"
	CapNativeFPS   = "native-fps"
)

// Engine represents the transcoding capabilities of the local platform.
// Sessions are created from it; negotiation and capability probing run
// against its codec registry.
type Engine struct {
	Platform     platform.Platform
	RelayTimeout time.Duration
	FrameTimeout time.Duration

	log hclog.Logger
}

// NewEngine validates the platform bundle and applies default timeouts.
func NewEngine(p platform.Platform, logger hclog.Logger) (*Engine, error) {
	// 1. Every collaborator is required; sessions never check for nil later.
	switch {
	case p.Codecs == nil:
		return nil, errors.New("platform has no codec registry")
	case p.GPU == nil:
		return nil, errors.New("platform has no GPU")
	case p.OpenSource == nil:
		return nil, errors.New("platform has no source opener")
	case p.NewMuxer == nil:
		return nil, errors.New("platform has no muxer factory")
	}

	// 2. Create the Engine with default waits.
	return &Engine{
		Platform:     p,
		RelayTimeout: DefaultRelayTimeout,
		FrameTimeout: DefaultFrameTimeout,
		log:          logging.OrNull(logger).Named("engine"),
	}, nil
}

// Logger is the engine's logger; sessions derive theirs from it.
func (e *Engine) Logger() hclog.Logger { return e.log }

// findEncoder locates an encoder for f. Some registries evaluate size limits
// for landscape only, so a portrait format is retried with its sides swapped.
// The returned name is used with the unswapped format.
func (e *Engine) findEncoder(f models.MediaFormat) (string, bool) {
	if name, ok := e.Platform.Codecs.FindEncoderForFormat(f); ok {
		return name, true
	}
	if f.IsPortrait() {
		if name, ok := e.Platform.Codecs.FindEncoderForFormat(f.Swapped()); ok {
			e.log.Debug("encoder found with swapped portrait size", "encoder", name, "format", f)
			return name, true
		}
	}
	return "", false
}

// Encoders lists every encoder of the platform.
func (e *Engine) Encoders() []string {
	return e.Platform.Codecs.Encoders()
}
