// Package soft is a software loopback implementation of the platform
// contracts. Its codecs pass compressed payloads through unchanged, its GPU
// copies frames between in-memory surfaces, and its demuxer and muxer work
// on in-memory tracks. The worker uses it for pipeline validation and
// remuxing; the tests use it to model platforms with specific gaps.
package soft

import (
	"fmt"
	"sort"
	"sync"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// CodecInfo advertises one codec in the registry.
type CodecInfo struct {
	Name      string
	Mime      string
	Encoder   bool
	MaxWidth  int
	MaxHeight int
	// Profiles lists accepted profiles; empty accepts any.
	Profiles []int
	// HDR codecs accept 10-bit profiles and HDR transfers.
	HDR bool
}

func (ci CodecInfo) supports(f models.MediaFormat) bool {
	if ci.Mime != f.Mime {
		return false
	}
	if ci.MaxWidth > 0 && f.Width > ci.MaxWidth {
		return false
	}
	if ci.MaxHeight > 0 && f.Height > ci.MaxHeight {
		return false
	}
	if f.IsTenBit() && !ci.HDR {
		return false
	}
	if f.Profile == models.ProfileUnset || len(ci.Profiles) == 0 {
		return true
	}
	for _, p := range ci.Profiles {
		if p == f.Profile {
			return true
		}
	}
	return false
}

// Options shape the behavior of codecs created by a Registry.
type Options struct {
	// No10BitSurface makes encoder input surfaces fail for 10-bit formats.
	No10BitSurface bool
	// DynamicMetadata returns the HDR10+ payload a decoder attaches to the
	// frame at ptsUs, or nil.
	DynamicMetadata func(ptsUs int64) []byte
	// FailAfter injects an asynchronous codec error once the named codec has
	// produced that many outputs.
	FailAfter map[string]int
	// InputBuffers is the number of decoder input slots (default 4).
	InputBuffers int
	// InputBufferSize is the capacity of each input slot (default 4 MiB).
	InputBufferSize int
	// ReorderDepth is how many decoded frames a decoder holds back to emit
	// them in presentation order (default 2, negative disables). It is capped
	// below InputBuffers.
	ReorderDepth int
}

// Registry is an in-memory codec list.
type Registry struct {
	opts  Options
	infos []CodecInfo

	mu      sync.Mutex
	created []*Codec
}

// NewRegistry builds a registry over infos. With no infos it advertises
// DefaultCodecs.
func NewRegistry(opts Options, infos ...CodecInfo) *Registry {
	if len(infos) == 0 {
		infos = DefaultCodecs()
	}
	if opts.InputBuffers <= 0 {
		opts.InputBuffers = 4
	}
	if opts.InputBufferSize <= 0 {
		opts.InputBufferSize = 4 << 20
	}
	switch {
	case opts.ReorderDepth < 0:
		opts.ReorderDepth = 0
	case opts.ReorderDepth == 0:
		opts.ReorderDepth = 2
	}
	if opts.ReorderDepth >= opts.InputBuffers {
		opts.ReorderDepth = opts.InputBuffers - 1
	}
	return &Registry{opts: opts, infos: infos}
}

// DefaultCodecs is a UHD-capable AVC/HEVC set with HDR HEVC.
func DefaultCodecs() []CodecInfo {
	return []CodecInfo{
		{Name: "soft.avc.decoder", Mime: models.MimeAVC, MaxWidth: 4096, MaxHeight: 4096},
		{Name: "soft.hevc.decoder", Mime: models.MimeHEVC, MaxWidth: 8192, MaxHeight: 8192, HDR: true},
		{Name: "soft.avc.encoder", Mime: models.MimeAVC, Encoder: true, MaxWidth: 4096, MaxHeight: 4096},
		{Name: "soft.hevc.encoder", Mime: models.MimeHEVC, Encoder: true, MaxWidth: 8192, MaxHeight: 8192, HDR: true},
	}
}

func (r *Registry) find(f models.MediaFormat, encoder bool) (string, bool) {
	for _, ci := range r.infos {
		if ci.Encoder == encoder && ci.supports(f) {
			return ci.Name, true
		}
	}
	return "", false
}

// FindEncoderForFormat returns the first encoder accepting f.
func (r *Registry) FindEncoderForFormat(f models.MediaFormat) (string, bool) {
	return r.find(f, true)
}

// FindDecoderForFormat returns the first decoder accepting f.
func (r *Registry) FindDecoderForFormat(f models.MediaFormat) (string, bool) {
	return r.find(f, false)
}

// CreateByName instantiates a codec.
func (r *Registry) CreateByName(name string) (platform.Codec, error) {
	for _, ci := range r.infos {
		if ci.Name == name {
			c := newCodec(ci, r)
			r.mu.Lock()
			r.created = append(r.created, c)
			r.mu.Unlock()
			return c, nil
		}
	}
	return nil, fmt.Errorf("soft: no codec named %q", name)
}

// Encoders lists encoder names, sorted.
func (r *Registry) Encoders() []string {
	var names []string
	for _, ci := range r.infos {
		if ci.Encoder {
			names = append(names, ci.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Created returns every codec instantiated so far.
func (r *Registry) Created() []*Codec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Codec, len(r.created))
	copy(out, r.created)
	return out
}

// Live counts codecs that were created and not yet released.
func (r *Registry) Live() int {
	n := 0
	for _, c := range r.Created() {
		if !c.Released() {
			n++
		}
	}
	return n
}
