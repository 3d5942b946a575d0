package transcoder

import (
	"hdr-transcoder/pkg/models"
)

// Attempt records one rung of the degrade ladder. It is never modified after
// the retry loop appends it.
type Attempt struct {
	Level   models.OutputLevel  `json:"level"`
	Profile models.OutputProfile `json:"profile"`
	Format  models.MediaFormat  `json:"-"`
	Encoder string              `json:"encoder,omitempty"`
	Decoder string              `json:"decoder,omitempty"`
	Err     error               `json:"-"`
}

// Succeeded reports whether the attempt produced a running pipeline.
func (a Attempt) Succeeded() bool { return a.Err == nil }

// Negotiation is the outcome of building a target format at one level.
type Negotiation struct {
	Profile       models.OutputProfile
	Format        models.MediaFormat
	DecoderFormat models.MediaFormat
	Encoder       string
	Decoder       string
}

// RelayActive reports whether per-frame HDR10+ metadata must be carried.
func (n Negotiation) RelayActive() bool {
	return n.Profile.IsHDR && !n.Profile.IsDolby && n.Format.HDR10Plus
}

// Negotiate builds the target format for track and cfg at profile.Level and
// finds codecs for it. The returned profile carries the HDR flags derived
// while building the format.
func (e *Engine) Negotiate(track models.TrackFormat, cfg models.TranscodeConfig, profile models.OutputProfile) (Negotiation, error) {
	format, profile := e.BuildFormat(track, cfg, profile)

	encoder, ok := e.findEncoder(format)
	if !ok {
		return Negotiation{}, &UnsupportedCodecError{Level: profile.Level, Format: format}
	}

	decFormat := models.FormatFromTrack(track)
	decFormat.DisallowFrameDrop = e.Platform.Features.FrameDropKey
	decoder, ok := e.Platform.Codecs.FindDecoderForFormat(decFormat)
	if !ok {
		return Negotiation{}, &UnsupportedCodecError{Level: profile.Level, Format: decFormat}
	}

	e.log.Debug("negotiated", "level", profile.Level, "encoder", encoder, "decoder", decoder, "format", format)
	return Negotiation{
		Profile:       profile,
		Format:        format,
		DecoderFormat: decFormat,
		Encoder:       encoder,
		Decoder:       decoder,
	}, nil
}

// BuildFormat derives the encoder format. It does not consult encoders except
// to decide whether a Dolby Vision source can stay Dolby Vision.
func (e *Engine) BuildFormat(track models.TrackFormat, cfg models.TranscodeConfig, profile models.OutputProfile) (models.MediaFormat, models.OutputProfile) {
	profile = profile.AtLevel(profile.Level)
	features := e.Platform.Features

	width, height := cfg.OutWidth, cfg.OutHeight
	if width <= 0 || height <= 0 {
		width, height = track.Width, track.Height
	}

	mime := models.MimeAVC
	if cfg.HEVC {
		mime = models.MimeHEVC
		if profile.Level != models.LevelNoHDR && track.Mime == models.MimeDolbyVision {
			probe := models.MediaFormat{Mime: models.MimeDolbyVision, Width: width, Height: height}
			if _, ok := e.findEncoder(probe); ok {
				mime = models.MimeDolbyVision
			}
		}
	}

	bitrate := cfg.Bitrate
	if bitrate <= 0 {
		bitrate = models.DefaultBitrate
	}

	f := models.MediaFormat{
		Mime:           mime,
		Width:          width,
		Height:         height,
		Rotation:       track.Rotation,
		ColorFormat:    models.ColorFormatSurface,
		BitrateMode:    models.BitrateModeVBR,
		Bitrate:        bitrate,
		FrameRate:      targetFrameRate(track.FrameRate, cfg.FPS),
		IFrameInterval: 1,
		DurationUs:     track.DurationUs,
	}
	if features.NativeFrameRateControl {
		f.MaxFPSToEncoder = float64(f.FrameRate)
	}

	if mime == models.MimeAVC || !features.HDRFormatKeys {
		return f, profile
	}

	profile.IsHDR = profile.Level != models.LevelNoHDR && track.IsWideGamut()
	if !profile.IsHDR {
		return f, profile
	}
	profile.IsDolby = mime == models.MimeDolbyVision
	profile.IsHDRVivid = track.HDRVivid
	f.ColorStandard = track.ColorStandard
	f.ColorTransfer = track.ColorTransfer
	f.ColorRange = track.ColorRange
	f.HDRStaticInfo = append([]byte(nil), track.HDRStaticInfo...)

	if profile.Level == models.LevelNoProfile {
		return f, profile
	}
	if profile.IsDolby {
		f.Profile = models.ProfileDolbyVisionDvheSt
		if !features.DolbyDvheSt {
			f.Profile = models.ProfileDolbyVisionDvheStn
		}
		if f.ColorTransfer == models.ColorTransferUnset {
			f.ColorTransfer = models.ColorTransferHLG
		}
		if f.ColorRange == models.ColorRangeUnset {
			f.ColorRange = models.ColorRangeLimited
		}
		f.Level = dolbyVisionLevel(max(width, height), f.FrameRate)
		return f, profile
	}

	f.HDREditing = true
	switch f.ColorTransfer {
	case models.ColorTransferHLG:
		f.Profile = models.ProfileHEVCMain10
	case models.ColorTransferST2084:
		// HDR10 and HDR10+ share this profile here; the HDR10+ flag asks the
		// encoder for dynamic metadata and the relay supplies it.
		f.Profile = models.ProfileHEVCMain10
		f.HDR10Plus = true
	}
	return f, profile
}

// targetFrameRate picks the output rate: the requested one, or the source
// rate when none is requested, never above the source rate.
func targetFrameRate(source, requested int) int {
	fps := requested
	if fps <= 0 {
		fps = source
	}
	if fps <= 0 {
		fps = models.DefaultFrameRate
	}
	if source > 0 && fps > source {
		fps = source
	}
	return fps
}

// dolbyVisionLevel maps the longest side and frame rate to a Dolby Vision
// level. Sizes above UHD have no level.
func dolbyVisionLevel(longest, fps int) int {
	switch {
	case longest <= 1920:
		switch {
		case fps <= 24:
			return models.LevelDolbyVisionFhd24
		case fps <= 30:
			return models.LevelDolbyVisionFhd30
		default:
			return models.LevelDolbyVisionFhd60
		}
	case longest <= 3840:
		switch {
		case fps <= 24:
			return models.LevelDolbyVisionUhd24
		case fps <= 30:
			return models.LevelDolbyVisionUhd30
		case fps <= 48:
			return models.LevelDolbyVisionUhd48
		default:
			return models.LevelDolbyVisionUhd60
		}
	}
	return models.LevelUnset
}
