package lorasim

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"time"
)

// Depacketizer turns a channel of IQFrames back into a continuous sample
// stream. It never stalls its consumer: when no frame is available the
// requested samples are filled with silence.
type Depacketizer struct {
	in         <-chan IQFrame
	frame      IQFrame
	pos        int
	loaded     bool
	closed     atomic.Bool
	starvation time.Duration
	eofOnClose bool

	node    string
	metrics *PrometheusMetrics
}

// DepacketizerOption configures a Depacketizer.
type DepacketizerOption func(*Depacketizer)

// WithStarvationTimeout bounds how long ReadSamples waits for the next
// frame before substituting silence. Zero waits until a frame arrives,
// the channel closes or the context is cancelled.
func WithStarvationTimeout(d time.Duration) DepacketizerOption {
	return func(dp *Depacketizer) {
		dp.starvation = d
	}
}

// WithEOFOnClose makes ReadSamples report io.EOF, still alongside a full
// buffer, once the upstream channel has closed and its last frame has been
// drained.
func WithEOFOnClose() DepacketizerOption {
	return func(dp *Depacketizer) {
		dp.eofOnClose = true
	}
}

// WithDepacketizerMetrics records silence insertion under the given node label.
func WithDepacketizerMetrics(metrics *PrometheusMetrics, node string) DepacketizerOption {
	return func(dp *Depacketizer) {
		dp.metrics = metrics
		dp.node = node
	}
}

// NewDepacketizer creates a Depacketizer reading from in.
func NewDepacketizer(in <-chan IQFrame, opts ...DepacketizerOption) *Depacketizer {
	dp := &Depacketizer{in: in}
	for _, opt := range opts {
		opt(dp)
	}
	return dp
}

// Closed reports whether the upstream channel has been closed. It is safe
// to call from any goroutine.
func (dp *Depacketizer) Closed() bool {
	return dp.closed.Load()
}

// ReadSamples fills all of buf. It blocks for the next frame only when the
// current one is exhausted. It always returns len(buf); the error is
// ctx.Err() if the context was cancelled while waiting, or io.EOF under
// WithEOFOnClose.
func (dp *Depacketizer) ReadSamples(ctx context.Context, buf []complex64) (int, error) {
	written := 0
	for written < len(buf) {
		if !dp.loaded && !dp.next(ctx) {
			clear(buf[written:])
			dp.metrics.RecordSilence(dp.node, len(buf)-written)
			break
		}

		n := copy(buf[written:], dp.frame.Samples[dp.pos:])
		dp.pos += n
		written += n
		if dp.pos >= FrameSize {
			dp.loaded = false
		}
	}
	if err := ctx.Err(); err != nil {
		return len(buf), err
	}
	if dp.eofOnClose && dp.closed.Load() && !dp.loaded {
		return len(buf), io.EOF
	}
	return len(buf), nil
}

// next loads the next frame, reporting false when none is available.
func (dp *Depacketizer) next(ctx context.Context) bool {
	if dp.closed.Load() {
		return false
	}

	var timeout <-chan time.Time
	if dp.starvation > 0 {
		timer := time.NewTimer(dp.starvation)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case frame, ok := <-dp.in:
		if !ok {
			dp.closed.Store(true)
			log.Printf("Depacketizer %s: upstream closed, substituting silence", dp.node)
			return false
		}
		dp.frame = frame
		dp.pos = 0
		dp.loaded = true
		return true
	case <-timeout:
		if DebugMode {
			log.Printf("DEBUG: Depacketizer %s: no frame within %v, substituting silence", dp.node, dp.starvation)
		}
		return false
	case <-ctx.Done():
		return false
	}
}
