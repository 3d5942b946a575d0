package gpu

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/internal/platform/soft"
	"hdr-transcoder/pkg/models"
)

// encoderInput returns a running soft encoder and its input window.
func encoderInput(t *testing.T) (*soft.Codec, platform.Window) {
	t.Helper()
	reg := soft.NewRegistry(soft.Options{})
	c, err := reg.CreateByName("soft.hevc.encoder")
	require.NoError(t, err)
	enc := c.(*soft.Codec)
	require.NoError(t, enc.Configure(models.MediaFormat{Mime: models.MimeHEVC, Width: 64, Height: 64}, nil, true))
	win, err := enc.CreateInputSurface()
	require.NoError(t, err)
	require.NoError(t, enc.Start())
	t.Cleanup(func() { enc.Release() })
	return enc, win
}

func TestColorSpaceFor(t *testing.T) {
	tests := []struct {
		name    string
		profile models.OutputProfile
		want    models.ColorSpace
	}{
		{"sdr", models.OutputProfile{}, models.ColorSpaceRGBA8888},
		{"forced 8-bit", models.OutputProfile{IsHDR: true, Force8Bit: true}, models.ColorSpaceRGBA8888},
		{"dolby", models.OutputProfile{IsHDR: true, IsDolby: true, IsHDRVivid: true}, models.ColorSpaceRGBA1010102},
		{"vivid", models.OutputProfile{IsHDR: true, IsHDRVivid: true}, models.ColorSpaceYUVP10},
		{"generic hdr", models.OutputProfile{IsHDR: true}, models.ColorSpaceRGBA1010102},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ColorSpaceFor(tt.profile))
		})
	}
}

func TestNew_ColorSpaceSelection(t *testing.T) {
	tests := []struct {
		name    string
		opts    soft.GPUOptions
		profile models.OutputProfile
		want    models.ColorSpace
	}{
		{"10-bit available", soft.GPUOptions{TenBit: true}, models.OutputProfile{IsHDR: true}, models.ColorSpaceRGBA1010102},
		{"10-bit missing falls back", soft.GPUOptions{}, models.OutputProfile{IsHDR: true}, models.ColorSpaceRGBA8888},
		{"yuv with extension", soft.GPUOptions{Extensions: "EGL_KHR_x " + YUVExtension}, models.OutputProfile{IsHDR: true, IsHDRVivid: true}, models.ColorSpaceYUVP10},
		{"yuv without extension falls back", soft.GPUOptions{TenBit: true}, models.OutputProfile{IsHDR: true, IsHDRVivid: true}, models.ColorSpaceRGBA8888},
		{"sdr", soft.GPUOptions{TenBit: true}, models.OutputProfile{}, models.ColorSpaceRGBA8888},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := soft.NewGPU(tt.opts)
			_, win := encoderInput(t)
			c, profile, err := New(g, win, tt.profile, Options{})
			require.NoError(t, err)
			defer c.Release()
			assert.Equal(t, tt.want, profile.ColorSpace)
			assert.Equal(t, tt.want, c.ColorSpace())
			assert.NotNil(t, c.DecoderWindow())
		})
	}
}

func TestNew_FallbackFailure(t *testing.T) {
	g := soft.NewGPU(soft.GPUOptions{FailContexts: true})
	_, win := encoderInput(t)
	_, _, err := New(g, win, models.OutputProfile{IsHDR: true}, Options{})
	require.Error(t, err)
	assert.Zero(t, g.Live())

	_, _, err = New(soft.NewGPU(soft.GPUOptions{FailInitialize: true}), win, models.OutputProfile{}, Options{})
	assert.Error(t, err)
}

func TestDraw(t *testing.T) {
	g := soft.NewGPU(soft.GPUOptions{})
	enc, win := encoderInput(t)
	c, _, err := New(g, win, models.OutputProfile{}, Options{FrameTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, soft.Deliver(c.DecoderWindow(), soft.Frame{Mime: models.MimeHEVC, Data: []byte{1, 2}, PresentationTimeUs: 1234}))
	require.NoError(t, c.Draw(1234))
	assert.Equal(t, 1, c.Frames())

	select {
	case ev := <-enc.Events():
		assert.Equal(t, platform.EventFormatChanged, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("encoder saw no frame")
	}
	select {
	case ev := <-enc.Events():
		require.Equal(t, platform.EventOutputAvailable, ev.Kind)
		assert.Equal(t, int64(1234), ev.Info.PresentationTimeUs)
	case <-time.After(time.Second):
		t.Fatal("encoder produced no output")
	}

	// nothing decoded: bounded wait
	err = c.Draw(5000)
	assert.ErrorIs(t, err, soft.ErrFrameTimeout)

	require.NoError(t, c.Release())
	require.NoError(t, c.Release())
	assert.ErrorIs(t, c.Draw(0), ErrClosed)
	assert.Zero(t, g.Live())
}

func TestDraw_NeverSharesContext(t *testing.T) {
	g := soft.NewGPU(soft.GPUOptions{})
	_, win := encoderInput(t)
	c, _, err := New(g, win, models.OutputProfile{}, Options{FrameTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = c.Draw(int64(j))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_ = c.Release()
	}()
	wg.Wait()
	assert.Zero(t, g.Violations())
}
