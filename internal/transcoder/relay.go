package transcoder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"hdr-transcoder/internal/metrics"
)

var (
	errRelayTimeout = errors.New("hdr10+ relay: previous metadata not consumed in time")
	errRelayClosed  = errors.New("hdr10+ relay: closed")
)

// metadataRelay hands HDR10+ payloads from the decode goroutine to the
// encoder one at a time. A payload occupies the slot from Offer until the
// encoder emits a frame at or after its timestamp.
type metadataRelay struct {
	attach  func([]byte) error
	timeout time.Duration

	mu         sync.Mutex
	pending    bool
	pendingPts int64
	closed     bool
	produced   int
	consumed   int
	freed      chan struct{}
	done       chan struct{}
}

func newMetadataRelay(timeout time.Duration, attach func([]byte) error) *metadataRelay {
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	return &metadataRelay{
		attach:  attach,
		timeout: timeout,
		freed:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Offer waits for the slot, then attaches data to the next encoded frame.
func (r *metadataRelay) Offer(ptsUs int64, data []byte) error {
	start := time.Now()
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return errRelayClosed
		}
		if !r.pending {
			r.pending = true
			r.pendingPts = ptsUs
			r.produced++
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		select {
		case <-r.freed:
		case <-r.done:
		case <-timer.C:
			return fmt.Errorf("%w (waited %s for frame before %dus)", errRelayTimeout, r.timeout, ptsUs)
		}
	}
	metrics.RelayWait.Observe(time.Since(start).Seconds())

	if err := r.attach(data); err != nil {
		r.mu.Lock()
		r.pending = false
		r.produced--
		r.mu.Unlock()
		return fmt.Errorf("attach hdr10+ metadata: %w", err)
	}
	return nil
}

// Ack is called for each encoded frame and frees the slot once the frame
// carrying the pending payload has come out.
func (r *metadataRelay) Ack(ptsUs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pending || ptsUs < r.pendingPts {
		return
	}
	r.pending = false
	r.consumed++
	select {
	case r.freed <- struct{}{}:
	default:
	}
}

// Close wakes any waiter; later Offers fail.
func (r *metadataRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
}

// Counts returns produced and consumed totals.
func (r *metadataRelay) Counts() (produced, consumed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.produced, r.consumed
}

// Outstanding is 1 while a payload waits for its frame.
func (r *metadataRelay) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending {
		return 1
	}
	return 0
}
