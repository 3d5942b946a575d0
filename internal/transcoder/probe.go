package transcoder

import (
	"fmt"
	"sort"
	"strings"

	"hdr-transcoder/internal/gpu"
	"hdr-transcoder/internal/platform"
	"hdr-transcoder/pkg/models"
)

// Inspect opens path and returns the demuxer with the first video track
// selected, plus that track's format. The demuxer is closed again when the
// source has no video.
func Inspect(open platform.SourceOpener, path string) (platform.Demuxer, models.TrackFormat, error) {
	demux, err := open(path)
	if err != nil {
		return nil, models.TrackFormat{}, fmt.Errorf("open source %s: %w", path, err)
	}
	for i := 0; i < demux.TrackCount(); i++ {
		track, err := demux.TrackFormat(i)
		if err != nil {
			demux.Close()
			return nil, models.TrackFormat{}, fmt.Errorf("read track %d: %w", i, err)
		}
		if !track.IsVideo() {
			continue
		}
		track.TrackIndex = i
		if err := demux.SelectTrack(i); err != nil {
			demux.Close()
			return nil, models.TrackFormat{}, fmt.Errorf("select track %d: %w", i, err)
		}
		return demux, track, nil
	}
	demux.Close()
	return nil, models.TrackFormat{}, ErrNoVideoTrack
}

// ProbeCapabilities lists what this platform can produce: every encoder
// name followed by the HDR features some encoder accepts at full fidelity.
func (e *Engine) ProbeCapabilities() []string {
	features := e.Platform.Features
	caps := e.Encoders()

	var found []string
	if features.HDRFormatKeys {
		hevc := models.MediaFormat{
			Mime:          models.MimeHEVC,
			Width:         1920,
			Height:        1080,
			ColorStandard: models.ColorStandardBT2020,
			Profile:       models.ProfileHEVCMain10,
		}
		pq := hevc
		pq.ColorTransfer = models.ColorTransferST2084
		if _, ok := e.findEncoder(pq); ok {
			found = append(found, CapHDR10)
			pq.HDR10Plus = true
			if _, ok := e.findEncoder(pq); ok {
				found = append(found, CapHDR10Plus)
			}
		}
		hlg := hevc
		hlg.ColorTransfer = models.ColorTransferHLG
		if _, ok := e.findEncoder(hlg); ok {
			found = append(found, CapHLG)
		}

		dv := models.MediaFormat{
			Mime:          models.MimeDolbyVision,
			Width:         1920,
			Height:        1080,
			ColorStandard: models.ColorStandardBT2020,
			ColorTransfer: models.ColorTransferHLG,
			Profile:       models.ProfileDolbyVisionDvheSt,
		}
		if !features.DolbyDvheSt {
			dv.Profile = models.ProfileDolbyVisionDvheStn
		}
		if _, ok := e.findEncoder(dv); ok {
			found = append(found, CapDolbyVision)
		}
		if len(found) > 0 {
			found = append(found, CapTenBit)
			if strings.Contains(e.Platform.GPU.Extensions(), gpu.YUVExtension) {
				found = append(found, CapHDRVivid)
			}
		}
	}
	if features.NativeFrameRateControl {
		found = append(found, CapNativeFPS)
	}
	sort.Strings(found)
	e.log.Debug("capabilities probed", "encoders", len(caps), "features", found)
	return append(caps, found...)
}
