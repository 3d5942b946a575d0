package transcoder

import (
	"errors"
	"fmt"

	"hdr-transcoder/pkg/models"
)

// ErrNoVideoTrack is returned by Prepare when the source has no video track.
var ErrNoVideoTrack = errors.New("no video track in source")

// ErrNotPrepared is returned by Start before a successful Prepare.
var ErrNotPrepared = errors.New("session not prepared")

// ErrReleased is returned by any call on a released session.
var ErrReleased = errors.New("session released")

// ErrSessionReset is the result of a run that was torn down by Reset or
// Release before it finished.
var ErrSessionReset = errors.New("session reset before completion")

// UnsupportedCodecError means no encoder or decoder accepts the format built
// for Level.
type UnsupportedCodecError struct {
	Level  models.OutputLevel
	Format models.MediaFormat
	Err    error
}

func (e *UnsupportedCodecError) Error() string {
	msg := fmt.Sprintf("unsupported codec at level %s for %s", e.Level, e.Format)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnsupportedCodecError) Unwrap() error { return e.Err }

// SurfaceInitError means the GPU or encoder input surface could not be set up.
type SurfaceInitError struct {
	Level models.OutputLevel
	Err   error
}

func (e *SurfaceInitError) Error() string {
	return fmt.Sprintf("surface init failed at level %s: %v", e.Level, e.Err)
}

func (e *SurfaceInitError) Unwrap() error { return e.Err }

// CodecRuntimeError is an asynchronous failure of a running codec.
type CodecRuntimeError struct {
	Codec     string
	Direction string // "decoder" or "encoder"
	Err       error
}

func (e *CodecRuntimeError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Codec, e.Err)
}

func (e *CodecRuntimeError) Unwrap() error { return e.Err }

// MuxerError is a failure creating, writing or finalizing the output file.
type MuxerError struct {
	Op  string
	Err error
}

func (e *MuxerError) Error() string {
	return fmt.Sprintf("muxer %s: %v", e.Op, e.Err)
}

func (e *MuxerError) Unwrap() error { return e.Err }

// degradable reports whether err should move the ladder one level down.
func degradable(err error) bool {
	var uc *UnsupportedCodecError
	var si *SurfaceInitError
	return errors.As(err, &uc) || errors.As(err, &si)
}
