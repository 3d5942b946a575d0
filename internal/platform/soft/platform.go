package soft

import "hdr-transcoder/internal/platform"

// Rig is a complete soft platform with handles on every part for inspection.
type Rig struct {
	Source   *Source
	Registry *Registry
	GPU      *GPU
	Recorder *Recorder
	Features platform.Features
}

// FullFeatures enables every optional platform behavior.
func FullFeatures() platform.Features {
	return platform.Features{
		HDRFormatKeys:          true,
		DolbyDvheSt:            true,
		NativeFrameRateControl: true,
		FrameDropKey:           true,
	}
}

// NewRig wires src to a default registry, a 10-bit GPU and a recorder.
func NewRig(src *Source) *Rig {
	return &Rig{
		Source:   src,
		Registry: NewRegistry(Options{}),
		GPU:      NewGPU(GPUOptions{TenBit: true}),
		Recorder: NewRecorder(),
		Features: FullFeatures(),
	}
}

// Platform assembles the rig into the collaborator bundle a session uses.
func (r *Rig) Platform() platform.Platform {
	return platform.Platform{
		Codecs:     r.Registry,
		GPU:        r.GPU,
		OpenSource: r.Source.Opener(),
		NewMuxer:   r.Recorder.Factory(),
		Features:   r.Features,
	}
}
