package soft

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

var (
	// ErrReleased is returned by every call on a released codec.
	ErrReleased = errors.New("soft: codec released")
	// ErrNotRunning is returned when buffers are exchanged outside Start/Stop.
	ErrNotRunning = errors.New("soft: codec not running")
	// ErrInjected is the asynchronous failure raised by Options.FailAfter.
	ErrInjected = errors.New("soft: injected codec failure")
)

// Frame is one picture moving between soft surfaces. The payload is the
// compressed access unit the decoder received.
type Frame struct {
	Mime               string
	Config             []byte
	Data               []byte
	PresentationTimeUs int64
	Flags              platform.BufferFlag
}

// frameSink is implemented by windows that accept frames.
type frameSink interface {
	deliver(f Frame) error
}

// Deliver pushes f into a soft window as if a producer had rendered it.
func Deliver(w platform.Window, f Frame) error {
	sink, ok := w.(frameSink)
	if !ok {
		return fmt.Errorf("soft: %T is not a soft window", w)
	}
	return sink.deliver(f)
}

type codecState int

const (
	stateIdle codecState = iota
	stateConfigured
	stateRunning
	stateStopped
	stateReleased
)

type pendingOutput struct {
	data []byte
	info platform.BufferInfo
}

// heldFrame is a decoded frame waiting in the reorder window. It keeps its
// input slot until released.
type heldFrame struct {
	index int
	out   pendingOutput
}

// MetadataRecord is one HDR10+ payload an encoder attached to a frame.
type MetadataRecord struct {
	PresentationTimeUs int64
	Data               []byte
}

// Codec is a loopback codec. Decoders hand each queued access unit to their
// output surface on render, in presentation order within the reorder
// window. Encoders emit every frame swapped into their input surface as an
// output buffer.
type Codec struct {
	info CodecInfo
	reg  *Registry

	mu         sync.Mutex
	state      codecState
	encoder    bool
	format     models.MediaFormat
	sink       frameSink
	inputs     [][]byte
	pending    map[int]pendingOutput
	reorder    []heldFrame
	nextOut    int
	outputs    int
	formatSent bool
	eos        bool
	params     []byte
	attached   []MetadataRecord
	overwrites int
	queue      []platform.Event

	signal chan struct{}
	events chan platform.Event
	quit   chan struct{}
	done   chan struct{}
}

func newCodec(info CodecInfo, reg *Registry) *Codec {
	c := &Codec{
		info:    info,
		reg:     reg,
		pending: make(map[int]pendingOutput),
		signal:  make(chan struct{}, 1),
		events:  make(chan platform.Event, 8),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump moves queued callbacks into the events channel. post never blocks, so
// callers holding locks can raise events safely.
func (c *Codec) pump() {
	defer close(c.done)
	defer close(c.events)
	for {
		ev, ok := c.dequeue()
		if !ok {
			select {
			case <-c.signal:
				continue
			case <-c.quit:
				return
			}
		}
		select {
		case c.events <- ev:
		case <-c.quit:
			return
		}
	}
}

func (c *Codec) dequeue() (platform.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return platform.Event{}, false
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, true
}

// postLocked queues ev; c.mu must be held.
func (c *Codec) postLocked(ev platform.Event) {
	if c.state != stateRunning {
		return
	}
	c.queue = append(c.queue, ev)
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Codec) Name() string { return c.info.Name }

func (c *Codec) Events() <-chan platform.Event { return c.events }

func (c *Codec) Configure(format models.MediaFormat, surface platform.Window, encoder bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return ErrReleased
	}
	if encoder != c.info.Encoder {
		return fmt.Errorf("soft: %s cannot be configured as encoder=%t", c.info.Name, encoder)
	}
	if !c.info.supports(format) {
		return fmt.Errorf("soft: %s does not support %s", c.info.Name, format)
	}
	if !encoder {
		sink, ok := surface.(frameSink)
		if surface != nil && !ok {
			return fmt.Errorf("soft: %T is not a soft surface", surface)
		}
		c.sink = sink
	}
	c.encoder = encoder
	c.format = format
	c.state = stateConfigured
	return nil
}

func (c *Codec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateReleased:
		return ErrReleased
	case stateConfigured, stateStopped:
	default:
		return fmt.Errorf("soft: %s start in state %d", c.info.Name, c.state)
	}
	c.state = stateRunning
	if !c.encoder {
		n := c.reg.opts.InputBuffers
		c.inputs = make([][]byte, n)
		for i := 0; i < n; i++ {
			c.postLocked(platform.Event{Kind: platform.EventInputAvailable, Index: i})
		}
	}
	return nil
}

func (c *Codec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return ErrReleased
	}
	c.state = stateStopped
	c.queue = nil
	c.reorder = nil
	c.pending = make(map[int]pendingOutput)
	return nil
}

// Release is idempotent after the first call returns.
func (c *Codec) Release() error {
	c.mu.Lock()
	if c.state == stateReleased {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.state = stateReleased
	c.queue = nil
	c.reorder = nil
	c.pending = nil
	c.mu.Unlock()
	close(c.quit)
	<-c.done
	return nil
}

// Released reports whether Release was called.
func (c *Codec) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReleased
}

func (c *Codec) InputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.runningLocked(); err != nil {
		return nil, err
	}
	if c.encoder || index < 0 || index >= len(c.inputs) {
		return nil, fmt.Errorf("soft: %s has no input buffer %d", c.info.Name, index)
	}
	if c.inputs[index] == nil {
		c.inputs[index] = make([]byte, c.reg.opts.InputBufferSize)
	}
	return c.inputs[index], nil
}

func (c *Codec) QueueInputBuffer(index, size int, ptsUs int64, flags platform.BufferFlag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.runningLocked(); err != nil {
		return err
	}
	if c.encoder || index < 0 || index >= len(c.inputs) {
		return fmt.Errorf("soft: %s has no input buffer %d", c.info.Name, index)
	}
	if flags.Has(platform.FlagEndOfStream) {
		for _, h := range c.reorder {
			c.emitLocked(h.index, h.out)
		}
		c.reorder = nil
		info := platform.BufferInfo{PresentationTimeUs: ptsUs, Flags: platform.FlagEndOfStream}
		c.pending[index] = pendingOutput{info: info}
		c.postLocked(platform.Event{Kind: platform.EventOutputAvailable, Index: index, Info: info})
		return nil
	}
	if size < 0 || size > len(c.inputs[index]) {
		return fmt.Errorf("soft: %s input size %d out of range", c.info.Name, size)
	}
	if !c.formatSent {
		c.formatSent = true
		c.postLocked(platform.Event{Kind: platform.EventFormatChanged, Format: c.format})
	}
	data := make([]byte, size)
	copy(data, c.inputs[index][:size])
	info := platform.BufferInfo{Size: size, PresentationTimeUs: ptsUs, Flags: flags}
	if fn := c.reg.opts.DynamicMetadata; fn != nil {
		info.HDR10Plus = fn(ptsUs)
	}
	out := pendingOutput{data: data, info: info}
	if flags.Has(platform.FlagCodecConfig) {
		c.emitLocked(index, out)
		return nil
	}

	// Hold frames back until they can leave in presentation order.
	at := sort.Search(len(c.reorder), func(i int) bool {
		return c.reorder[i].out.info.PresentationTimeUs > ptsUs
	})
	c.reorder = append(c.reorder, heldFrame{})
	copy(c.reorder[at+1:], c.reorder[at:])
	c.reorder[at] = heldFrame{index: index, out: out}
	for len(c.reorder) > c.reg.opts.ReorderDepth {
		h := c.reorder[0]
		c.reorder = c.reorder[1:]
		c.emitLocked(h.index, h.out)
	}
	return nil
}

// emitLocked makes a decoded buffer available; c.mu must be held.
func (c *Codec) emitLocked(index int, out pendingOutput) {
	c.pending[index] = out
	c.postLocked(platform.Event{Kind: platform.EventOutputAvailable, Index: index, Info: out.info})
	if !out.info.Flags.Has(platform.FlagCodecConfig) {
		c.countOutputLocked()
	}
}

func (c *Codec) OutputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.runningLocked(); err != nil {
		return nil, err
	}
	p, ok := c.pending[index]
	if !ok {
		return nil, fmt.Errorf("soft: %s has no output buffer %d", c.info.Name, index)
	}
	return p.data, nil
}

func (c *Codec) ReleaseOutputBuffer(index int, render bool) error {
	c.mu.Lock()
	if err := c.runningLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	p, ok := c.pending[index]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("soft: %s has no output buffer %d", c.info.Name, index)
	}
	delete(c.pending, index)
	sink := c.sink
	frame := Frame{
		Mime:               c.format.Mime,
		Config:             c.format.CodecPrivate,
		Data:               p.data,
		PresentationTimeUs: p.info.PresentationTimeUs,
		Flags:              p.info.Flags,
	}
	if !c.encoder && !p.info.Flags.Has(platform.FlagEndOfStream) {
		c.postLocked(platform.Event{Kind: platform.EventInputAvailable, Index: index})
	}
	c.mu.Unlock()

	if render && sink != nil && !c.encoder {
		return sink.deliver(frame)
	}
	return nil
}

func (c *Codec) CreateInputSurface() (platform.Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return nil, ErrReleased
	}
	if !c.encoder || c.state != stateConfigured {
		return nil, fmt.Errorf("soft: %s input surface requires a configured encoder", c.info.Name)
	}
	if c.reg.opts.No10BitSurface && c.format.IsTenBit() {
		return nil, fmt.Errorf("soft: %s cannot create a 10-bit input surface", c.info.Name)
	}
	return &encoderWindow{codec: c}, nil
}

func (c *Codec) SignalEndOfInputStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.runningLocked(); err != nil {
		return err
	}
	if !c.encoder {
		return fmt.Errorf("soft: %s is not an encoder", c.info.Name)
	}
	if c.eos {
		return nil
	}
	c.eos = true
	idx := c.nextOut
	c.nextOut++
	info := platform.BufferInfo{Flags: platform.FlagEndOfStream}
	c.pending[idx] = pendingOutput{info: info}
	c.postLocked(platform.Event{Kind: platform.EventOutputAvailable, Index: idx, Info: info})
	return nil
}

func (c *Codec) SetParameters(p platform.Parameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.runningLocked(); err != nil {
		return err
	}
	if p.HDR10Plus == nil {
		return nil
	}
	if c.params != nil {
		c.overwrites++
	}
	c.params = append([]byte(nil), p.HDR10Plus...)
	return nil
}

// onFrame is the encoder side of a swap.
func (c *Codec) onFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.runningLocked(); err != nil {
		return err
	}
	if c.eos {
		return fmt.Errorf("soft: %s received a frame after end of stream", c.info.Name)
	}
	if !c.formatSent {
		c.formatSent = true
		out := c.format
		// Loopback encoders re-emit the decoder's bitstream, so the output
		// reports the source codec.
		if f.Mime != "" {
			out.Mime = f.Mime
		}
		out.CodecPrivate = append([]byte(nil), f.Config...)
		c.postLocked(platform.Event{Kind: platform.EventFormatChanged, Format: out})
	}
	if c.params != nil {
		c.attached = append(c.attached, MetadataRecord{PresentationTimeUs: f.PresentationTimeUs, Data: c.params})
		c.params = nil
	}
	idx := c.nextOut
	c.nextOut++
	info := platform.BufferInfo{
		Size:               len(f.Data),
		PresentationTimeUs: f.PresentationTimeUs,
		Flags:              f.Flags & platform.FlagKeyFrame,
	}
	c.pending[idx] = pendingOutput{data: f.Data, info: info}
	c.postLocked(platform.Event{Kind: platform.EventOutputAvailable, Index: idx, Info: info})
	c.countOutputLocked()
	return nil
}

func (c *Codec) countOutputLocked() {
	c.outputs++
	if n, ok := c.reg.opts.FailAfter[c.info.Name]; ok && c.outputs == n {
		c.postLocked(platform.Event{Kind: platform.EventError, Err: ErrInjected})
	}
}

func (c *Codec) runningLocked() error {
	switch c.state {
	case stateReleased:
		return ErrReleased
	case stateRunning:
		return nil
	}
	return ErrNotRunning
}

// Configured returns the format passed to Configure.
func (c *Codec) Configured() models.MediaFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// IsEncoder reports the codec direction.
func (c *Codec) IsEncoder() bool { return c.info.Encoder }

// Attached returns the HDR10+ payloads the encoder bound to frames.
func (c *Codec) Attached() []MetadataRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MetadataRecord, len(c.attached))
	copy(out, c.attached)
	return out
}

// Overwrites counts SetParameters calls that replaced a payload no frame had
// consumed yet.
func (c *Codec) Overwrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overwrites
}

// encoderWindow is the input surface of an encoder.
type encoderWindow struct {
	codec *Codec
}

func (w *encoderWindow) deliver(f Frame) error { return w.codec.onFrame(f) }

func (w *encoderWindow) Release() error { return nil }
