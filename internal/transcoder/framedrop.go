package transcoder

// tailKeepUs is the window before the end of the stream in which frames are
// never dropped.
const tailKeepUs = 100_000

// frameDropper thins a decoded stream from sourceFPS to targetFPS on
// platforms whose encoders cannot throttle on their own.
type frameDropper struct {
	enabled    bool
	sourceFPS  int64
	targetFPS  int64
	durationUs int64
	index      int64
}

func newFrameDropper(sourceFPS, targetFPS int, durationUs int64, nativeControl bool) *frameDropper {
	return &frameDropper{
		enabled:    !nativeControl && targetFPS > 0 && sourceFPS > 0 && targetFPS < sourceFPS,
		sourceFPS:  int64(sourceFPS),
		targetFPS:  int64(targetFPS),
		durationUs: durationUs,
	}
}

// keep decides for the next decoded frame, in decode order.
func (d *frameDropper) keep(ptsUs int64) bool {
	n := d.index
	d.index++
	if !d.enabled {
		return true
	}
	if d.durationUs > 0 && ptsUs >= d.durationUs-tailKeepUs {
		return true
	}
	return keepFrame(n, d.sourceFPS, d.targetFPS)
}

// keepFrame reports whether decode index n is the one closest to some output
// slot when resampling from s to t frames per second.
func keepFrame(n, s, t int64) bool {
	k := roundHalfDown(n*t, s)
	return roundHalfDown(k*s, t) == n
}

// roundHalfDown is a/b rounded to the nearest integer, ties toward the
// smaller value. b must be positive.
func roundHalfDown(a, b int64) int64 {
	return ceilDiv(2*a-b, 2*b)
}

func ceilDiv(num, den int64) int64 {
	if num > 0 {
		return (num + den - 1) / den
	}
	return num / den
}
