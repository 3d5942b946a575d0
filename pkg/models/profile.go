package models

import "fmt"

// OutputLevel is a rung of the degrade ladder. Higher values trade fidelity
// for compatibility.
type OutputLevel int

const (
	LevelDefault   OutputLevel = iota // full HDR + profile/level
	LevelNoProfile                    // HDR color keys, no profile/level
	LevelNoHDR                        // plain SDR output
)

func (l OutputLevel) String() string {
	switch l {
	case LevelDefault:
		return "DEFAULT"
	case LevelNoProfile:
		return "NO_PROFILE"
	case LevelNoHDR:
		return "NO_HDR"
	}
	return fmt.Sprintf("OutputLevel(%d)", int(l))
}

// Next returns the following rung and false when l is already the floor.
func (l OutputLevel) Next() (OutputLevel, bool) {
	if l >= LevelNoHDR {
		return LevelNoHDR, false
	}
	return l + 1, true
}

// ColorSpace is the pixel format of the encoder-side GPU surface.
type ColorSpace int

const (
	ColorSpaceRGBA8888 ColorSpace = iota
	ColorSpaceRGBA1010102
	ColorSpaceYUVP10
)

func (c ColorSpace) String() string {
	switch c {
	case ColorSpaceRGBA8888:
		return "RGBA8888"
	case ColorSpaceRGBA1010102:
		return "RGBA1010102"
	case ColorSpaceYUVP10:
		return "YUVP10"
	}
	return fmt.Sprintf("ColorSpace(%d)", int(c))
}

// TenBit reports whether the color space carries 10 bits per component.
func (c ColorSpace) TenBit() bool {
	return c == ColorSpaceRGBA1010102 || c == ColorSpaceYUVP10
}

// OutputProfile describes what one negotiation attempt is aiming for.
// It is a value: every ladder step derives a new one.
type OutputProfile struct {
	Level      OutputLevel `json:"level"`
	IsHDR      bool        `json:"is_hdr"`
	IsHDRVivid bool        `json:"is_hdr_vivid"`
	IsDolby    bool        `json:"is_dolby"`
	Force8Bit  bool        `json:"force_8bit"`
	ColorSpace ColorSpace  `json:"color_space"`
}

// NewOutputProfile builds the first profile for a run. Opting out of HDR
// starts directly at the floor.
func NewOutputProfile(cfg TranscodeConfig) OutputProfile {
	level := LevelDefault
	if !cfg.KeepHDR {
		level = LevelNoHDR
	}
	return OutputProfile{Level: level, Force8Bit: cfg.Force8Bit}
}

// AtLevel returns a fresh profile for level, keeping only the caller's
// fixed preferences.
func (p OutputProfile) AtLevel(level OutputLevel) OutputProfile {
	return OutputProfile{Level: level, Force8Bit: p.Force8Bit}
}

func (p OutputProfile) String() string {
	return fmt.Sprintf("{level=%s hdr=%t vivid=%t dolby=%t 8bit=%t space=%s}",
		p.Level, p.IsHDR, p.IsHDRVivid, p.IsDolby, p.Force8Bit, p.ColorSpace)
}
