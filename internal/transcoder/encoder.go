package transcoder

import (
	"errors"

	"github.com/hashicorp/go-hclog"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

var errNoSamples = errors.New("no samples encoded")

// encodeStage moves encoded buffers into the muxer. The muxer is created
// when the encoder first reports its output format.
type encodeStage struct {
	codec    *codecHandle
	newMuxer platform.MuxerFactory
	path     string
	relay    *metadataRelay
	progress *progressTracker
	log      hclog.Logger

	mux  *muxStage
	done bool
}

func (e *encodeStage) run(quit <-chan struct{}, report func(error)) {
	events := e.codec.Events()
	for !e.done {
		select {
		case <-quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.handle(ev); err != nil {
				report(err)
				return
			}
		}
	}
	e.log.Debug("encoder reached end of stream")
	report(nil)
}

func (e *encodeStage) handle(ev platform.Event) error {
	switch ev.Kind {
	case platform.EventInputAvailable:
		// Input arrives through the surface.
		return nil
	case platform.EventFormatChanged:
		return e.formatChanged(ev.Format)
	case platform.EventOutputAvailable:
		return e.output(ev.Index, ev.Info)
	case platform.EventError:
		return e.fail(ev.Err)
	}
	return nil
}

func (e *encodeStage) fail(err error) error {
	return &CodecRuntimeError{Codec: e.codec.Name(), Direction: "encoder", Err: err}
}

func (e *encodeStage) formatChanged(f models.MediaFormat) error {
	if e.mux != nil {
		e.log.Warn("encoder format changed after muxer start, ignoring", "format", f)
		return nil
	}
	m, err := newMuxStage(e.newMuxer, e.path, f, e.log.Named("muxer"))
	if err != nil {
		return err
	}
	e.mux = m
	return nil
}

func (e *encodeStage) output(index int, info platform.BufferInfo) error {
	if info.Flags.Has(platform.FlagEndOfStream) {
		if err := e.codec.ReleaseOutputBuffer(index, false); err != nil {
			e.log.Debug("release end-of-stream buffer", "error", err)
		}
		if e.mux == nil {
			return &MuxerError{Op: "finalize", Err: errNoSamples}
		}
		e.progress.Finish()
		e.done = true
		return nil
	}
	if info.Flags.Has(platform.FlagCodecConfig) {
		return e.release(index)
	}

	data, err := e.codec.OutputBuffer(index)
	if err != nil {
		return e.fail(err)
	}
	if e.mux == nil {
		return &MuxerError{Op: "write", Err: errors.New("sample before output format")}
	}
	if info.Size > 0 {
		end := info.Offset + info.Size
		if info.Offset < 0 || end > len(data) {
			return e.fail(errors.New("output buffer range out of bounds"))
		}
		if err := e.mux.Write(data[info.Offset:end], info); err != nil {
			return err
		}
	}
	if err := e.release(index); err != nil {
		return err
	}
	if e.relay != nil {
		e.relay.Ack(info.PresentationTimeUs)
	}
	e.progress.Update(info.PresentationTimeUs)
	return nil
}

func (e *encodeStage) release(index int) error {
	if err := e.codec.ReleaseOutputBuffer(index, false); err != nil {
		return e.fail(err)
	}
	return nil
}
