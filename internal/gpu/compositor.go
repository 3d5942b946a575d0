// Package gpu copies decoded frames into the encoder's input surface.
package gpu

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// YUVExtension must be advertised for YUV P10 surfaces.
const YUVExtension = "EGL_EXT_yuv_surface"

// DefaultFrameTimeout bounds the wait for the next decoded frame.
const DefaultFrameTimeout = 2500 * time.Millisecond

// ErrClosed is returned by Draw after Release.
var ErrClosed = errors.New("gpu: compositor released")

// Options configure a Compositor.
type Options struct {
	FrameTimeout time.Duration
	Logger       hclog.Logger
}

// Compositor owns one rendering context shared by a decoder-fed texture and
// an encoder-bound window surface. Every use of the context happens under mu.
type Compositor struct {
	gpu          platform.GPU
	log          hclog.Logger
	frameTimeout time.Duration

	mu      sync.Mutex
	ctx     platform.Handle
	surface platform.Handle
	texture platform.Texture
	program platform.Handle
	space   models.ColorSpace
	frames  int
	closed  bool
}

// ColorSpaceFor picks the surface format a profile asks for.
func ColorSpaceFor(p models.OutputProfile) models.ColorSpace {
	if !p.IsHDR || p.Force8Bit {
		return models.ColorSpaceRGBA8888
	}
	if p.IsHDRVivid && !p.IsDolby {
		return models.ColorSpaceYUVP10
	}
	return models.ColorSpaceRGBA1010102
}

// New sets up the context and both surfaces. A 10-bit setup that fails is
// retried at RGBA8888; the returned profile carries the color space that was
// actually used. An error means even the 8-bit setup failed.
func New(g platform.GPU, encoderInput platform.Window, profile models.OutputProfile, opts Options) (*Compositor, models.OutputProfile, error) {
	c := &Compositor{
		gpu:          g,
		log:          opts.Logger,
		frameTimeout: opts.FrameTimeout,
	}
	if c.log == nil {
		c.log = hclog.NewNullLogger()
	}
	if c.frameTimeout <= 0 {
		c.frameTimeout = DefaultFrameTimeout
	}
	if err := g.Initialize(); err != nil {
		return nil, profile, fmt.Errorf("initialize display: %w", err)
	}

	want := ColorSpaceFor(profile)
	err := c.setup(want, encoderInput)
	if err != nil && want.TenBit() {
		c.log.Warn("10-bit surface setup failed, falling back to RGBA8888", "space", want, "error", err)
		c.teardown()
		want = models.ColorSpaceRGBA8888
		err = c.setup(want, encoderInput)
	}
	if err != nil {
		c.teardown()
		if terr := g.Terminate(); terr != nil {
			c.log.Warn("terminate display", "error", terr)
		}
		return nil, profile, fmt.Errorf("%s surface: %w", want, err)
	}
	c.space = want
	profile.ColorSpace = want
	c.log.Info("compositor ready", "space", want)
	return c, profile, nil
}

func (c *Compositor) setup(space models.ColorSpace, win platform.Window) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if space == models.ColorSpaceYUVP10 && !strings.Contains(c.gpu.Extensions(), YUVExtension) {
		return fmt.Errorf("extension %s not available", YUVExtension)
	}
	ctx, err := c.gpu.CreateContext(space, clientVersion(space))
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	c.ctx = ctx
	surface, err := c.gpu.CreateWindowSurface(ctx, win)
	if err != nil {
		return fmt.Errorf("create window surface: %w", err)
	}
	c.surface = surface

	if err := c.gpu.MakeCurrent(ctx, surface); err != nil {
		return fmt.Errorf("make current: %w", err)
	}
	defer c.gpu.ReleaseCurrent()

	tex, err := c.gpu.CreateExternalTexture(ctx)
	if err != nil {
		return fmt.Errorf("create texture: %w", err)
	}
	c.texture = tex
	vertex, fragment := shadersFor(space)
	program, err := c.gpu.CompileProgram(vertex, fragment)
	if err != nil {
		return fmt.Errorf("compile program: %w", err)
	}
	c.program = program
	return nil
}

// teardown destroys surfaces, then the context. Each failure is logged and
// the rest still released.
func (c *Compositor) teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.texture != nil {
		if err := c.texture.Release(); err != nil {
			c.log.Warn("release texture", "error", err)
			errs = append(errs, err)
		}
		c.texture = nil
	}
	if c.surface != platform.NoHandle {
		if err := c.gpu.DestroySurface(c.surface); err != nil {
			c.log.Warn("destroy surface", "error", err)
			errs = append(errs, err)
		}
		c.surface = platform.NoHandle
	}
	if c.ctx != platform.NoHandle {
		if err := c.gpu.DestroyContext(c.ctx); err != nil {
			c.log.Warn("destroy context", "error", err)
			errs = append(errs, err)
		}
		c.ctx = platform.NoHandle
	}
	c.program = platform.NoHandle
	return errors.Join(errs...)
}

// DecoderWindow is the surface the decoder renders into.
func (c *Compositor) DecoderWindow() platform.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.texture == nil {
		return nil
	}
	return c.texture.Window()
}

// ColorSpace is the surface format in use.
func (c *Compositor) ColorSpace() models.ColorSpace { return c.space }

// Frames counts completed draws.
func (c *Compositor) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Draw composites the next decoded frame into the encoder surface, stamped
// with ptsUs.
func (c *Compositor) Draw(ptsUs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.texture == nil {
		return ErrClosed
	}
	if err := c.gpu.MakeCurrent(c.ctx, c.surface); err != nil {
		return fmt.Errorf("make current: %w", err)
	}
	defer func() {
		if err := c.gpu.ReleaseCurrent(); err != nil {
			c.log.Warn("release current", "error", err)
		}
	}()

	if err := c.texture.AwaitFrame(c.frameTimeout); err != nil {
		return fmt.Errorf("await frame at %dus: %w", ptsUs, err)
	}
	if err := c.texture.UpdateTexImage(); err != nil {
		return fmt.Errorf("update texture: %w", err)
	}
	if err := c.gpu.DrawQuad(c.program, c.texture, c.texture.TransformMatrix()); err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	if err := c.gpu.SetPresentationTime(c.surface, ptsUs*1000); err != nil {
		return fmt.Errorf("presentation time: %w", err)
	}
	if err := c.gpu.SwapBuffers(c.surface); err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	c.frames++
	return nil
}

// Release frees every GPU resource. It is safe to call more than once.
func (c *Compositor) Release() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.teardown()
	if terr := c.gpu.Terminate(); terr != nil {
		c.log.Warn("terminate display", "error", terr)
		err = errors.Join(err, terr)
	}
	return err
}
