package mp4

import (
	"encoding/binary"

	"hdr-transcoder/pkg/models"
)

// ISO/IEC 23091-2 code points.
const (
	primariesBT709    = 1
	primariesBT470BG  = 5
	primariesSMPTE170 = 6
	primariesBT2020   = 9

	transferBT709    = 1
	transferSMPTE170 = 6
	transferLinear   = 8
	transferPQ       = 16
	transferHLG      = 18

	matrixBT709     = 1
	matrixBT470BG   = 5
	matrixSMPTE170  = 6
	matrixBT2020NCL = 9
)

const (
	mdcvSize = 24
	clliSize = 4
)

// parseNCLX decodes an nclx colr payload.
func parseNCLX(p []byte) (standard, transfer, rng int, ok bool) {
	if len(p) < 11 || string(p[:4]) != "nclx" {
		return 0, 0, 0, false
	}
	switch binary.BigEndian.Uint16(p[4:6]) {
	case primariesBT709:
		standard = models.ColorStandardBT709
	case primariesBT470BG:
		standard = models.ColorStandardBT601PAL
	case primariesSMPTE170:
		standard = models.ColorStandardBT601NTSC
	case primariesBT2020:
		standard = models.ColorStandardBT2020
	}
	switch binary.BigEndian.Uint16(p[6:8]) {
	case transferBT709, transferSMPTE170:
		transfer = models.ColorTransferSDRVideo
	case transferLinear:
		transfer = models.ColorTransferLinear
	case transferPQ:
		transfer = models.ColorTransferST2084
	case transferHLG:
		transfer = models.ColorTransferHLG
	}
	rng = models.ColorRangeLimited
	if p[10]&0x80 != 0 {
		rng = models.ColorRangeFull
	}
	return standard, transfer, rng, true
}

// encodeNCLX builds an nclx colr payload, or nil when f carries no color keys.
func encodeNCLX(f models.MediaFormat) []byte {
	if f.ColorStandard == models.ColorStandardUnset && f.ColorTransfer == models.ColorTransferUnset {
		return nil
	}
	primaries, matrix := uint16(2), uint16(2) // unspecified
	switch f.ColorStandard {
	case models.ColorStandardBT709:
		primaries, matrix = primariesBT709, matrixBT709
	case models.ColorStandardBT601PAL:
		primaries, matrix = primariesBT470BG, matrixBT470BG
	case models.ColorStandardBT601NTSC:
		primaries, matrix = primariesSMPTE170, matrixSMPTE170
	case models.ColorStandardBT2020:
		primaries, matrix = primariesBT2020, matrixBT2020NCL
	}
	transfer := uint16(2)
	switch f.ColorTransfer {
	case models.ColorTransferSDRVideo:
		transfer = transferBT709
	case models.ColorTransferLinear:
		transfer = transferLinear
	case models.ColorTransferST2084:
		transfer = transferPQ
	case models.ColorTransferHLG:
		transfer = transferHLG
	}
	p := make([]byte, 11)
	copy(p, "nclx")
	binary.BigEndian.PutUint16(p[4:], primaries)
	binary.BigEndian.PutUint16(p[6:], transfer)
	binary.BigEndian.PutUint16(p[8:], matrix)
	if f.ColorRange == models.ColorRangeFull {
		p[10] = 0x80
	}
	return p
}

// joinStaticInfo packs mastering display and content light level payloads
// into the static info blob carried by formats.
func joinStaticInfo(mdcv, clli []byte) []byte {
	if len(mdcv) != mdcvSize {
		return nil
	}
	out := make([]byte, 0, mdcvSize+clliSize)
	out = append(out, mdcv...)
	if len(clli) == clliSize {
		out = append(out, clli...)
	} else {
		out = append(out, make([]byte, clliSize)...)
	}
	return out
}

func splitStaticInfo(info []byte) (mdcv, clli []byte, ok bool) {
	if len(info) != mdcvSize+clliSize {
		return nil, nil, false
	}
	return info[:mdcvSize], info[mdcvSize:], true
}

const (
	fixedOne = 0x00010000
	fixedW   = 0x40000000
)

func matrixForRotation(deg int) [9]int32 {
	switch deg {
	case 90:
		return [9]int32{0, fixedOne, 0, -fixedOne, 0, 0, 0, 0, fixedW}
	case 180:
		return [9]int32{-fixedOne, 0, 0, 0, -fixedOne, 0, 0, 0, fixedW}
	case 270:
		return [9]int32{0, -fixedOne, 0, fixedOne, 0, 0, 0, 0, fixedW}
	}
	return [9]int32{fixedOne, 0, 0, 0, fixedOne, 0, 0, 0, fixedW}
}

func rotationFromMatrix(m [9]int32) int {
	switch {
	case m[0] == 0 && m[1] == fixedOne:
		return 90
	case m[0] == -fixedOne && m[4] == -fixedOne:
		return 180
	case m[0] == 0 && m[1] == -fixedOne:
		return 270
	}
	return 0
}
