package transcoder

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"

	"hdr-transcoder/internal/metrics"
	"hdr-transcoder/internal/platform"
)

// codecHandle stops and releases a codec exactly once, whichever of the stage
// goroutine or the session teardown gets there first.
type codecHandle struct {
	platform.Codec

	once sync.Once
	err  error
	log  hclog.Logger
}

func newCodecHandle(c platform.Codec, log hclog.Logger) *codecHandle {
	return &codecHandle{Codec: c, log: log}
}

func (h *codecHandle) shutdown() error {
	h.once.Do(func() {
		var errs []error
		if err := h.Stop(); err != nil {
			h.log.Warn("stop codec", "codec", h.Name(), "error", err)
			errs = append(errs, err)
		}
		if err := h.Codec.Release(); err != nil {
			h.log.Warn("release codec", "codec", h.Name(), "error", err)
			errs = append(errs, err)
		}
		h.err = errors.Join(errs...)
	})
	return h.err
}

type decodeState int

const (
	decodeRunning decodeState = iota
	decodeDraining
	decodeStopped
)

// frameDrawer is the part of the compositor the decode stage needs.
type frameDrawer interface {
	Draw(ptsUs int64) error
}

// decodeStage feeds demuxed samples to the decoder and pushes every rendered
// frame through the compositor into the encoder surface. All of its work runs
// on one goroutine.
type decodeStage struct {
	codec   *codecHandle
	demux   platform.Demuxer
	encoder platform.Codec
	drawer  frameDrawer
	relay   *metadataRelay
	dropper *frameDropper
	log     hclog.Logger

	state    decodeState
	rendered int
	dropped  int
}

// run consumes decoder events until end of stream, a failure or quit.
func (d *decodeStage) run(quit <-chan struct{}, report func(error)) {
	events := d.codec.Events()
	for d.state != decodeStopped {
		select {
		case <-quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := d.handle(ev); err != nil {
				report(err)
				return
			}
		}
	}
	d.log.Debug("decoder finished", "rendered", d.rendered, "dropped", d.dropped)
}

func (d *decodeStage) handle(ev platform.Event) error {
	switch ev.Kind {
	case platform.EventInputAvailable:
		return d.feed(ev.Index)
	case platform.EventOutputAvailable:
		return d.drain(ev.Index, ev.Info)
	case platform.EventFormatChanged:
		d.log.Debug("decoder output format", "format", ev.Format)
		return nil
	case platform.EventError:
		return d.fail(ev.Err)
	}
	return nil
}

func (d *decodeStage) fail(err error) error {
	return &CodecRuntimeError{Codec: d.codec.Name(), Direction: "decoder", Err: err}
}

// feed fills input slot index with the next sample, or queues end of stream.
func (d *decodeStage) feed(index int) error {
	if d.state != decodeRunning {
		return nil
	}
	buf, err := d.codec.InputBuffer(index)
	if err != nil {
		return d.fail(err)
	}
	sample, err := d.demux.ReadSample()
	if errors.Is(err, io.EOF) {
		d.state = decodeDraining
		d.log.Debug("input exhausted, draining decoder")
		if err := d.codec.QueueInputBuffer(index, 0, 0, platform.FlagEndOfStream); err != nil {
			return d.fail(err)
		}
		return nil
	}
	if err != nil {
		return d.fail(fmt.Errorf("read sample: %w", err))
	}
	if len(sample.Data) > len(buf) {
		return d.fail(fmt.Errorf("sample at %dus is %d bytes, input buffer holds %d",
			sample.PresentationTimeUs, len(sample.Data), len(buf)))
	}
	n := copy(buf, sample.Data)
	flags := sample.Flags &^ platform.FlagEndOfStream
	if err := d.codec.QueueInputBuffer(index, n, sample.PresentationTimeUs, flags); err != nil {
		return d.fail(err)
	}
	return nil
}

// drain handles one decoded buffer.
func (d *decodeStage) drain(index int, info platform.BufferInfo) error {
	if info.Flags.Has(platform.FlagEndOfStream) {
		return d.finish(index)
	}
	if info.Flags.Has(platform.FlagCodecConfig) {
		if err := d.codec.ReleaseOutputBuffer(index, false); err != nil {
			return d.fail(err)
		}
		return nil
	}

	render := info.Size > 0
	if render {
		metrics.FramesDecoded.Inc()
		if !d.dropper.keep(info.PresentationTimeUs) {
			render = false
			d.dropped++
			metrics.FramesDropped.Inc()
		}
	}

	// The payload must be on the encoder before the frame it belongs to.
	if render && d.relay != nil && len(info.HDR10Plus) > 0 {
		if err := d.relay.Offer(info.PresentationTimeUs, info.HDR10Plus); err != nil {
			return &CodecRuntimeError{Codec: d.encoder.Name(), Direction: "encoder", Err: err}
		}
	}

	if err := d.codec.ReleaseOutputBuffer(index, render); err != nil {
		return d.fail(err)
	}
	if !render {
		return nil
	}
	if err := d.drawer.Draw(info.PresentationTimeUs); err != nil {
		return d.fail(fmt.Errorf("composite frame at %dus: %w", info.PresentationTimeUs, err))
	}
	d.rendered++
	metrics.FramesRendered.Inc()
	return nil
}

// finish passes end of stream to the encoder and shuts the decoder down.
func (d *decodeStage) finish(index int) error {
	if err := d.codec.ReleaseOutputBuffer(index, false); err != nil {
		d.log.Debug("release end-of-stream buffer", "error", err)
	}
	if err := d.encoder.SignalEndOfInputStream(); err != nil {
		return &CodecRuntimeError{Codec: d.encoder.Name(), Direction: "encoder", Err: err}
	}
	d.state = decodeStopped
	if err := d.codec.shutdown(); err != nil {
		d.log.Warn("decoder shutdown after end of stream", "error", err)
	}
	return nil
}
