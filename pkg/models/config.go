package models

import "errors"

// Defaults applied when a TranscodeConfig leaves a value at zero.
const (
	DefaultBitrate   = 3 * 1024 * 1024
	DefaultFrameRate = 30
)

// TranscodeConfig is what the caller asks for. The pipeline never modifies it.
type TranscodeConfig struct {
	DstPath   string `json:"dst_path" mapstructure:"dst_path"`
	HEVC      bool   `json:"hevc" mapstructure:"hevc"` // modern codec family
	OutWidth  int    `json:"out_width" mapstructure:"out_width"`
	OutHeight int    `json:"out_height" mapstructure:"out_height"`
	Bitrate   int    `json:"bitrate" mapstructure:"bitrate"`
	FPS       int    `json:"fps" mapstructure:"fps"`
	Force8Bit bool   `json:"force_8bit" mapstructure:"force_8bit"`
	KeepHDR   bool   `json:"keep_hdr" mapstructure:"keep_hdr"`
}

// Validate rejects configs the pipeline cannot act on.
func (c TranscodeConfig) Validate() error {
	if c.DstPath == "" {
		return errors.New("destination path is required")
	}
	if c.OutWidth < 0 || c.OutHeight < 0 {
		return errors.New("output size must not be negative")
	}
	if c.Bitrate < 0 || c.FPS < 0 {
		return errors.New("bitrate and fps must not be negative")
	}
	return nil
}
