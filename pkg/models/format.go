package models

import (
	"fmt"
	"strings"
)

// Mime types understood by the codec registry.
const (
	MimeAVC         = "video/avc"
	MimeHEVC        = "video/hevc"
	MimeDolbyVision = "video/dolby-vision"
)

// Color standards (primaries + matrix).
const (
	ColorStandardUnset     = 0
	ColorStandardBT709     = 1
	ColorStandardBT601PAL  = 2
	ColorStandardBT601NTSC = 4
	ColorStandardBT2020    = 6
)

// Color transfer functions.
const (
	ColorTransferUnset    = 0
	ColorTransferLinear   = 1
	ColorTransferSDRVideo = 3
	ColorTransferST2084   = 6 // PQ
	ColorTransferHLG      = 7
)

// Color ranges.
const (
	ColorRangeUnset   = 0
	ColorRangeFull    = 1
	ColorRangeLimited = 2
)

// Codec profiles.
const (
	ProfileUnset               = 0
	ProfileHEVCMain            = 0x1
	ProfileHEVCMain10          = 0x2
	ProfileHEVCMain10HDR10     = 0x1000
	ProfileHEVCMain10HDR10Plus = 0x2000
	ProfileDolbyVisionDvheStn  = 0x20
	ProfileDolbyVisionDvheSt   = 0x100
)

// Dolby Vision levels.
const (
	LevelUnset            = 0
	LevelDolbyVisionFhd24 = 0x8
	LevelDolbyVisionFhd30 = 0x10
	LevelDolbyVisionFhd60 = 0x20
	LevelDolbyVisionUhd24 = 0x40
	LevelDolbyVisionUhd30 = 0x80
	LevelDolbyVisionUhd48 = 0x100
	LevelDolbyVisionUhd60 = 0x200
)

const (
	// ColorFormatSurface tells an encoder that its input arrives through a surface.
	ColorFormatSurface = 0x7F000789
	// BitrateModeVBR selects variable bitrate rate control.
	BitrateModeVBR = 1
)

// TrackFormat is the snapshot of the source video track taken at inspection time.
// Later stages derive MediaFormat copies from it and never modify it.
type TrackFormat struct {
	TrackIndex    int    `json:"track_index"`
	Mime          string `json:"mime"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Rotation      int    `json:"rotation"`
	FrameRate     int    `json:"frame_rate"`
	ColorStandard int    `json:"color_standard,omitempty"`
	ColorTransfer int    `json:"color_transfer,omitempty"`
	ColorRange    int    `json:"color_range,omitempty"`
	HDRStaticInfo []byte `json:"hdr_static_info,omitempty"`
	DurationUs    int64  `json:"duration_us"`

	// CodecPrivate is the raw decoder configuration record (avcC / hvcC payload).
	CodecPrivate []byte `json:"-"`

	// HDRVivid is set when the container tags the stream as CUVA HDR Video.
	HDRVivid bool `json:"hdr_vivid,omitempty"`
}

// IsVideo reports whether the track carries video.
func (t TrackFormat) IsVideo() bool {
	return strings.HasPrefix(t.Mime, "video")
}

// IsWideGamut reports whether the source uses BT.2020 primaries.
func (t TrackFormat) IsWideGamut() bool {
	return t.ColorStandard == ColorStandardBT2020
}

// Resolution returns "WxH", or "unknown".
func (t TrackFormat) Resolution() string {
	if t.Width <= 0 || t.Height <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("%dx%d", t.Width, t.Height)
}

// MediaFormat is the descriptor handed to codecs and the muxer.
// Zero values mean "key not set".
type MediaFormat struct {
	Mime            string
	Width           int
	Height          int
	Rotation        int
	FrameRate       int
	ColorFormat     int
	BitrateMode     int
	Bitrate         int
	IFrameInterval  int
	MaxFPSToEncoder float64
	ColorStandard   int
	ColorTransfer   int
	ColorRange      int
	HDRStaticInfo   []byte
	Profile         int
	Level           int
	DurationUs      int64

	// HDREditing enables the encoder's hdr-editing feature.
	HDREditing bool
	// HDR10Plus asks the encoder to accept per-frame HDR10+ metadata.
	HDR10Plus bool
	// DisallowFrameDrop asks the decoder never to drop frames on its own.
	DisallowFrameDrop bool

	CodecPrivate []byte
}

// FormatFromTrack converts a source snapshot into a decoder input format.
func FormatFromTrack(t TrackFormat) MediaFormat {
	return MediaFormat{
		Mime:          t.Mime,
		Width:         t.Width,
		Height:        t.Height,
		Rotation:      t.Rotation,
		FrameRate:     t.FrameRate,
		ColorStandard: t.ColorStandard,
		ColorTransfer: t.ColorTransfer,
		ColorRange:    t.ColorRange,
		HDRStaticInfo: cloneBytes(t.HDRStaticInfo),
		DurationUs:    t.DurationUs,
		CodecPrivate:  cloneBytes(t.CodecPrivate),
	}
}

// Swapped returns a copy with width and height exchanged.
func (f MediaFormat) Swapped() MediaFormat {
	f.Width, f.Height = f.Height, f.Width
	return f
}

// IsPortrait reports whether the frame is taller than it is wide.
func (f MediaFormat) IsPortrait() bool {
	return f.Height > f.Width
}

// IsTenBit reports whether the format asks for a 10-bit pipeline.
func (f MediaFormat) IsTenBit() bool {
	switch f.Profile {
	case ProfileHEVCMain10, ProfileHEVCMain10HDR10, ProfileHEVCMain10HDR10Plus,
		ProfileDolbyVisionDvheStn, ProfileDolbyVisionDvheSt:
		return true
	}
	return f.ColorTransfer == ColorTransferST2084 || f.ColorTransfer == ColorTransferHLG
}

func (f MediaFormat) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "{mime=%s size=%dx%d fps=%d bitrate=%d", f.Mime, f.Width, f.Height, f.FrameRate, f.Bitrate)
	if f.ColorStandard != 0 || f.ColorTransfer != 0 {
		fmt.Fprintf(&b, " color=%d/%d/%d", f.ColorStandard, f.ColorTransfer, f.ColorRange)
	}
	if f.Profile != 0 {
		fmt.Fprintf(&b, " profile=%#x", f.Profile)
	}
	if f.Level != 0 {
		fmt.Fprintf(&b, " level=%#x", f.Level)
	}
	if f.HDR10Plus {
		b.WriteString(" hdr10+")
	}
	b.WriteString("}")
	return b.String()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
