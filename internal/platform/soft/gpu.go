package soft

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// ErrFrameTimeout is returned by AwaitFrame when no frame arrives in time.
var ErrFrameTimeout = errors.New("soft: timed out waiting for a frame")

// YUVExtension is the extension a YUV P10 config needs.
const YUVExtension = "EGL_EXT_yuv_surface"

// GPUOptions describe the configs a soft GPU can provide.
type GPUOptions struct {
	// TenBit enables RGBA1010102 configs.
	TenBit bool
	// Extensions is the advertised extension string.
	Extensions string
	// FailInitialize makes Initialize fail.
	FailInitialize bool
	// FailContexts makes every context creation fail, 8-bit included.
	FailContexts bool
}

type surface struct {
	ctx   platform.Handle
	sink  frameSink
	frame Frame
}

// GPU is an in-memory rendering device. Draws copy the latched texture
// frame to the current surface; swaps hand it to the surface's window.
type GPU struct {
	opts GPUOptions

	mu          sync.Mutex
	initialized bool
	next        platform.Handle
	contexts    map[platform.Handle]models.ColorSpace
	surfaces    map[platform.Handle]*surface
	programs    map[platform.Handle]bool
	current     platform.Handle
	spaces      []models.ColorSpace
	draws       int

	holders    atomic.Int32
	violations atomic.Int32
}

// NewGPU returns a soft GPU.
func NewGPU(opts GPUOptions) *GPU {
	return &GPU{
		opts:     opts,
		contexts: make(map[platform.Handle]models.ColorSpace),
		surfaces: make(map[platform.Handle]*surface),
		programs: make(map[platform.Handle]bool),
	}
}

func (g *GPU) handleLocked() platform.Handle {
	g.next++
	return g.next
}

func (g *GPU) Initialize() error {
	if g.opts.FailInitialize {
		return errors.New("soft: no display")
	}
	g.mu.Lock()
	g.initialized = true
	g.mu.Unlock()
	return nil
}

func (g *GPU) Extensions() string { return g.opts.Extensions }

func (g *GPU) CreateContext(space models.ColorSpace, clientVersion int) (platform.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		return platform.NoHandle, errors.New("soft: display not initialized")
	}
	if g.opts.FailContexts {
		return platform.NoHandle, fmt.Errorf("soft: no config for %s", space)
	}
	switch space {
	case models.ColorSpaceRGBA1010102:
		if !g.opts.TenBit {
			return platform.NoHandle, fmt.Errorf("soft: no config for %s", space)
		}
	case models.ColorSpaceYUVP10:
		if !strings.Contains(g.opts.Extensions, YUVExtension) || clientVersion < 3 {
			return platform.NoHandle, fmt.Errorf("soft: no config for %s", space)
		}
	}
	h := g.handleLocked()
	g.contexts[h] = space
	g.spaces = append(g.spaces, space)
	return h, nil
}

func (g *GPU) CreateWindowSurface(ctx platform.Handle, win platform.Window) (platform.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.contexts[ctx]; !ok {
		return platform.NoHandle, fmt.Errorf("soft: unknown context %d", ctx)
	}
	sink, ok := win.(frameSink)
	if !ok {
		return platform.NoHandle, fmt.Errorf("soft: %T is not a soft window", win)
	}
	h := g.handleLocked()
	g.surfaces[h] = &surface{ctx: ctx, sink: sink}
	return h, nil
}

func (g *GPU) MakeCurrent(ctx, surf platform.Handle) error {
	if g.holders.Add(1) > 1 {
		g.violations.Add(1)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.contexts[ctx]; !ok {
		g.holders.Add(-1)
		return fmt.Errorf("soft: unknown context %d", ctx)
	}
	if surf != platform.NoHandle {
		if _, ok := g.surfaces[surf]; !ok {
			g.holders.Add(-1)
			return fmt.Errorf("soft: unknown surface %d", surf)
		}
	}
	g.current = surf
	return nil
}

func (g *GPU) ReleaseCurrent() error {
	g.mu.Lock()
	g.current = platform.NoHandle
	g.mu.Unlock()
	if g.holders.Load() > 0 {
		g.holders.Add(-1)
	}
	return nil
}

func (g *GPU) CreateExternalTexture(ctx platform.Handle) (platform.Texture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.contexts[ctx]; !ok {
		return nil, fmt.Errorf("soft: unknown context %d", ctx)
	}
	return newTexture(), nil
}

func (g *GPU) CompileProgram(vertex, fragment string) (platform.Handle, error) {
	if !strings.Contains(vertex, "main") || !strings.Contains(fragment, "main") {
		return platform.NoHandle, errors.New("soft: shader has no entry point")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.handleLocked()
	g.programs[h] = true
	return h, nil
}

func (g *GPU) DrawQuad(program platform.Handle, tex platform.Texture, transform [16]float32) error {
	t, ok := tex.(*texture)
	if !ok {
		return fmt.Errorf("soft: %T is not a soft texture", tex)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.programs[program] {
		return fmt.Errorf("soft: unknown program %d", program)
	}
	s, ok := g.surfaces[g.current]
	if !ok {
		return errors.New("soft: draw without a current surface")
	}
	s.frame = t.latched
	g.draws++
	return nil
}

func (g *GPU) SetPresentationTime(surf platform.Handle, ns int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.surfaces[surf]
	if !ok {
		return fmt.Errorf("soft: unknown surface %d", surf)
	}
	s.frame.PresentationTimeUs = ns / 1000
	return nil
}

func (g *GPU) SwapBuffers(surf platform.Handle) error {
	g.mu.Lock()
	s, ok := g.surfaces[surf]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("soft: unknown surface %d", surf)
	}
	frame, sink := s.frame, s.sink
	g.mu.Unlock()
	return sink.deliver(frame)
}

func (g *GPU) DestroySurface(surf platform.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.surfaces, surf)
	return nil
}

func (g *GPU) DestroyContext(ctx platform.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.contexts, ctx)
	return nil
}

func (g *GPU) Terminate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initialized = false
	g.current = platform.NoHandle
	return nil
}

// Violations counts MakeCurrent calls made while another caller held a
// context.
func (g *GPU) Violations() int { return int(g.violations.Load()) }

// Draws counts DrawQuad calls.
func (g *GPU) Draws() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draws
}

// ContextSpaces lists the color spaces of every context created.
func (g *GPU) ContextSpaces() []models.ColorSpace {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.ColorSpace(nil), g.spaces...)
}

// Live counts contexts and surfaces not yet destroyed.
func (g *GPU) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.contexts) + len(g.surfaces)
}

// texture keeps only the newest frame, like a consumer-side buffer queue.
type texture struct {
	frames   chan Frame
	latest   Frame
	have     bool
	latched  Frame
	released atomic.Bool
}

func newTexture() *texture {
	return &texture{frames: make(chan Frame, 1)}
}

func (t *texture) Window() platform.Window { return (*textureWindow)(t) }

func (t *texture) AwaitFrame(timeout time.Duration) error {
	select {
	case f := <-t.frames:
		t.latest, t.have = f, true
		return nil
	case <-time.After(timeout):
		return ErrFrameTimeout
	}
}

func (t *texture) UpdateTexImage() error {
	if !t.have {
		return errors.New("soft: no frame to latch")
	}
	t.latched, t.have = t.latest, false
	return nil
}

func (t *texture) TransformMatrix() [16]float32 {
	return [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func (t *texture) Release() error {
	t.released.Store(true)
	return nil
}

type textureWindow texture

func (w *textureWindow) deliver(f Frame) error {
	t := (*texture)(w)
	if t.released.Load() {
		return errors.New("soft: texture released")
	}
	for {
		select {
		case t.frames <- f:
			return nil
		default:
		}
		select {
		case <-t.frames:
		default:
		}
	}
}

func (w *textureWindow) Release() error { return nil }
