package transcoder

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdr-transcoder/internal/platform"
	"hdr-transcoder/internal/platform/soft"
	"hdr-transcoder/pkg/models"
)

var dolbyEncoder = soft.CodecInfo{
	Name: "soft.dv.encoder", Mime: models.MimeDolbyVision, Encoder: true,
	MaxWidth: 4096, MaxHeight: 4096, HDR: true,
}

func engineFor(t *testing.T, reg *soft.Registry, features platform.Features) *Engine {
	t.Helper()
	rig := soft.NewRig(soft.NewSource())
	rig.Registry = reg
	rig.Features = features
	e, err := NewEngine(rig.Platform(), hclog.NewNullLogger())
	require.NoError(t, err)
	return e
}

func pqTrack(w, h, fps int) models.TrackFormat {
	return models.TrackFormat{
		Mime:          models.MimeHEVC,
		Width:         w,
		Height:        h,
		FrameRate:     fps,
		ColorStandard: models.ColorStandardBT2020,
		ColorTransfer: models.ColorTransferST2084,
		ColorRange:    models.ColorRangeLimited,
		HDRStaticInfo: make([]byte, 28),
		CodecPrivate:  []byte{0x01, 0x02, 0x03},
	}
}

func TestBuildFormat(t *testing.T) {
	hlg := pqTrack(1920, 1080, 30)
	hlg.ColorTransfer = models.ColorTransferHLG
	dolby := pqTrack(3840, 2160, 30)
	dolby.Mime = models.MimeDolbyVision
	dolby.ColorTransfer = models.ColorTransferUnset
	dolby.ColorRange = models.ColorRangeUnset
	sdr := models.TrackFormat{Mime: models.MimeAVC, Width: 1280, Height: 720, FrameRate: 25}
	noLegacyDolby := soft.FullFeatures()
	noLegacyDolby.DolbyDvheSt = false
	noKeys := soft.FullFeatures()
	noKeys.HDRFormatKeys = false

	withDolby := append(soft.DefaultCodecs(), dolbyEncoder)

	tests := []struct {
		name     string
		codecs   []soft.CodecInfo
		features platform.Features
		track    models.TrackFormat
		cfg      models.TranscodeConfig
		level    models.OutputLevel
		check    func(t *testing.T, f models.MediaFormat, p models.OutputProfile)
	}{
		{
			name:  "legacy family is always AVC without color keys",
			track: pqTrack(1920, 1080, 30),
			cfg:   models.TranscodeConfig{KeepHDR: true},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, models.MimeAVC, f.Mime)
				assert.False(t, p.IsHDR)
				assert.Zero(t, f.ColorTransfer)
				assert.Zero(t, f.Profile)
			},
		},
		{
			name:  "PQ at default level",
			track: pqTrack(3840, 2160, 30),
			cfg:   models.TranscodeConfig{HEVC: true, KeepHDR: true},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, models.MimeHEVC, f.Mime)
				assert.True(t, p.IsHDR)
				assert.Equal(t, models.ColorTransferST2084, f.ColorTransfer)
				assert.Equal(t, models.ProfileHEVCMain10, f.Profile)
				assert.True(t, f.HDR10Plus)
				assert.True(t, f.HDREditing)
				assert.Len(t, f.HDRStaticInfo, 28)
			},
		},
		{
			name:  "HLG at default level",
			track: hlg,
			cfg:   models.TranscodeConfig{HEVC: true, KeepHDR: true},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, models.ProfileHEVCMain10, f.Profile)
				assert.False(t, f.HDR10Plus)
				assert.True(t, f.HDREditing)
			},
		},
		{
			name:  "no profile keeps color keys only",
			track: pqTrack(1920, 1080, 30),
			cfg:   models.TranscodeConfig{HEVC: true, KeepHDR: true},
			level: models.LevelNoProfile,
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.True(t, p.IsHDR)
				assert.Equal(t, models.ColorStandardBT2020, f.ColorStandard)
				assert.Zero(t, f.Profile)
				assert.False(t, f.HDR10Plus)
				assert.False(t, f.HDREditing)
			},
		},
		{
			name:  "no HDR drops every color key",
			track: pqTrack(1920, 1080, 30),
			cfg:   models.TranscodeConfig{HEVC: true, KeepHDR: true},
			level: models.LevelNoHDR,
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.False(t, p.IsHDR)
				assert.Zero(t, f.ColorStandard)
				assert.Zero(t, f.ColorTransfer)
				assert.Nil(t, f.HDRStaticInfo)
			},
		},
		{
			name:     "platform without HDR keys",
			features: noKeys,
			track:    pqTrack(1920, 1080, 30),
			cfg:      models.TranscodeConfig{HEVC: true, KeepHDR: true},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.False(t, p.IsHDR)
				assert.Zero(t, f.ColorTransfer)
			},
		},
		{
			name:   "Dolby Vision stays Dolby Vision when an encoder exists",
			codecs: withDolby,
			track:  dolby,
			cfg:    models.TranscodeConfig{HEVC: true, KeepHDR: true},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, models.MimeDolbyVision, f.Mime)
				assert.True(t, p.IsDolby)
				assert.Equal(t, models.ProfileDolbyVisionDvheSt, f.Profile)
				assert.Equal(t, models.ColorTransferHLG, f.ColorTransfer)
				assert.Equal(t, models.ColorRangeLimited, f.ColorRange)
				assert.Equal(t, models.LevelDolbyVisionUhd30, f.Level)
				assert.False(t, f.HDR10Plus)
			},
		},
		{
			name:     "Dolby Vision without the DvheSt constant",
			codecs:   withDolby,
			features: noLegacyDolby,
			track:    dolby,
			cfg:      models.TranscodeConfig{HEVC: true, KeepHDR: true},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, models.ProfileDolbyVisionDvheStn, f.Profile)
			},
		},
		{
			name:  "Dolby Vision without an encoder falls to HEVC",
			track: dolby,
			cfg:   models.TranscodeConfig{HEVC: true, KeepHDR: true},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, models.MimeHEVC, f.Mime)
				assert.False(t, p.IsDolby)
			},
		},
		{
			name:   "Dolby Vision at no HDR is plain HEVC",
			codecs: withDolby,
			track:  dolby,
			cfg:    models.TranscodeConfig{HEVC: true, KeepHDR: true},
			level:  models.LevelNoHDR,
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, models.MimeHEVC, f.Mime)
			},
		},
		{
			name:  "defaults for size, bitrate and frame rate",
			track: sdr,
			cfg:   models.TranscodeConfig{},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, 1280, f.Width)
				assert.Equal(t, 720, f.Height)
				assert.Equal(t, models.DefaultBitrate, f.Bitrate)
				assert.Equal(t, 25, f.FrameRate)
				assert.Equal(t, 25.0, f.MaxFPSToEncoder)
				assert.Equal(t, 1, f.IFrameInterval)
				assert.Equal(t, models.ColorFormatSurface, f.ColorFormat)
				assert.Equal(t, models.BitrateModeVBR, f.BitrateMode)
			},
		},
		{
			name:  "requested fps above the source is clamped",
			track: sdr,
			cfg:   models.TranscodeConfig{FPS: 60, OutWidth: 640, OutHeight: 360, Bitrate: 1000},
			check: func(t *testing.T, f models.MediaFormat, p models.OutputProfile) {
				assert.Equal(t, 25, f.FrameRate)
				assert.Equal(t, 640, f.Width)
				assert.Equal(t, 1000, f.Bitrate)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			features := tt.features
			if features == (platform.Features{}) {
				features = soft.FullFeatures()
			}
			e := engineFor(t, soft.NewRegistry(soft.Options{}, tt.codecs...), features)
			profile := models.NewOutputProfile(tt.cfg).AtLevel(tt.level)
			f, p := e.BuildFormat(tt.track, tt.cfg, profile)
			assert.Equal(t, tt.level, p.Level)
			tt.check(t, f, p)
		})
	}
}

func TestDolbyVisionLevel(t *testing.T) {
	tests := []struct {
		longest, fps int
		want         int
	}{
		{1280, 24, models.LevelDolbyVisionFhd24},
		{1920, 25, models.LevelDolbyVisionFhd30},
		{1920, 30, models.LevelDolbyVisionFhd30},
		{1920, 60, models.LevelDolbyVisionFhd60},
		{2560, 24, models.LevelDolbyVisionUhd24},
		{3840, 30, models.LevelDolbyVisionUhd30},
		{3840, 48, models.LevelDolbyVisionUhd48},
		{3840, 60, models.LevelDolbyVisionUhd60},
		{7680, 30, models.LevelUnset},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dolbyVisionLevel(tt.longest, tt.fps), "%d@%d", tt.longest, tt.fps)
	}
}

func TestNegotiatePortraitRetry(t *testing.T) {
	landscapeOnly := []soft.CodecInfo{
		{Name: "hevc.dec", Mime: models.MimeHEVC, MaxWidth: 8192, MaxHeight: 8192, HDR: true},
		{Name: "hevc.enc", Mime: models.MimeHEVC, Encoder: true, MaxWidth: 3840, MaxHeight: 2160, HDR: true},
	}
	e := engineFor(t, soft.NewRegistry(soft.Options{}, landscapeOnly...), soft.FullFeatures())

	track := pqTrack(2160, 3840, 30)
	cfg := models.TranscodeConfig{HEVC: true, KeepHDR: true}
	neg, err := e.Negotiate(track, cfg, models.NewOutputProfile(cfg))
	require.NoError(t, err)
	assert.Equal(t, "hevc.enc", neg.Encoder)
	assert.Equal(t, 2160, neg.Format.Width, "format keeps the portrait size")
	assert.Equal(t, 3840, neg.Format.Height)
	assert.True(t, neg.RelayActive())
}

func TestNegotiateUnsupported(t *testing.T) {
	decodersOnly := []soft.CodecInfo{
		{Name: "hevc.dec", Mime: models.MimeHEVC, MaxWidth: 8192, MaxHeight: 8192, HDR: true},
	}
	e := engineFor(t, soft.NewRegistry(soft.Options{}, decodersOnly...), soft.FullFeatures())

	cfg := models.TranscodeConfig{HEVC: true, KeepHDR: true}
	_, err := e.Negotiate(pqTrack(1920, 1080, 30), cfg, models.NewOutputProfile(cfg).AtLevel(models.LevelNoProfile))
	var uc *UnsupportedCodecError
	require.ErrorAs(t, err, &uc)
	assert.Equal(t, models.LevelNoProfile, uc.Level)
	assert.True(t, degradable(err))
}

func TestNegotiateDecoderFormat(t *testing.T) {
	e := engineFor(t, soft.NewRegistry(soft.Options{}), soft.FullFeatures())
	cfg := models.TranscodeConfig{HEVC: true, KeepHDR: true}
	neg, err := e.Negotiate(pqTrack(1920, 1080, 30), cfg, models.NewOutputProfile(cfg))
	require.NoError(t, err)
	assert.Equal(t, "soft.hevc.decoder", neg.Decoder)
	assert.True(t, neg.DecoderFormat.DisallowFrameDrop)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, neg.DecoderFormat.CodecPrivate)
}
