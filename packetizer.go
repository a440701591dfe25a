package lorasim

import (
	"context"
	"errors"
	"io"
	"log"
	"time"
)

// ErrPacketizerClosed is returned by Work after Finish has been called.
var ErrPacketizerClosed = errors.New("packetizer is closed")

// packetizerIdleWait is how long Run waits after a read that returned no
// samples and no error.
var packetizerIdleWait = time.Millisecond

// Packetizer cuts a continuous sample stream into IQFrames. Each full
// window of FrameSize samples becomes one frame; epochs start at 0 and
// increase by one per frame.
//
// A Packetizer is driven by a single goroutine and owns the send side of
// its output channel.
type Packetizer struct {
	out    chan<- IQFrame
	window [FrameSize]complex64
	n      int
	epoch  uint64
	closed bool

	node    string
	metrics *PrometheusMetrics
}

// PacketizerOption configures a Packetizer.
type PacketizerOption func(*Packetizer)

// WithPacketizerMetrics records emitted frames under the given node label.
func WithPacketizerMetrics(metrics *PrometheusMetrics, node string) PacketizerOption {
	return func(p *Packetizer) {
		p.metrics = metrics
		p.node = node
	}
}

// NewPacketizer creates a Packetizer that emits frames on out.
func NewPacketizer(out chan<- IQFrame, opts ...PacketizerOption) *Packetizer {
	p := &Packetizer{out: out}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Epoch returns the epoch the next emitted frame will carry.
func (p *Packetizer) Epoch() uint64 {
	return p.epoch
}

// Work consumes in, emitting a frame every time the window fills. An empty
// in means no more samples are available right now: a partially filled
// window is zero-padded and flushed. It returns the number of samples
// consumed, which is len(in) unless ctx is cancelled mid-send.
func (p *Packetizer) Work(ctx context.Context, in []complex64) (int, error) {
	if p.closed {
		return 0, ErrPacketizerClosed
	}

	if len(in) == 0 {
		if p.n > 0 {
			return 0, p.flush(ctx)
		}
		return 0, nil
	}

	consumed := 0
	for consumed < len(in) {
		k := copy(p.window[p.n:], in[consumed:])
		p.n += k
		consumed += k
		if p.n == FrameSize {
			if err := p.emit(ctx); err != nil {
				return consumed, err
			}
		}
	}
	return consumed, nil
}

// Finish flushes any partial window and closes the output channel.
// Calling Finish more than once is a no-op.
func (p *Packetizer) Finish(ctx context.Context) error {
	if p.closed {
		return nil
	}
	if p.n > 0 {
		if err := p.flush(ctx); err != nil {
			return err
		}
	}
	p.closed = true
	close(p.out)
	if DebugMode {
		log.Printf("DEBUG: Packetizer %s: finished after %d frames", p.node, p.epoch)
	}
	return nil
}

// Run pulls from src until it reports io.EOF, then calls Finish. An empty
// read flushes the partial window and Run backs off briefly before reading
// again.
func (p *Packetizer) Run(ctx context.Context, src SampleReader) error {
	buf := make([]complex64, FrameSize)
	for {
		n, err := src.ReadSamples(ctx, buf)
		if n > 0 || err == nil {
			if _, werr := p.Work(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return p.Finish(ctx)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			select {
			case <-time.After(packetizerIdleWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// flush zero-pads the window and emits it.
func (p *Packetizer) flush(ctx context.Context) error {
	clear(p.window[p.n:])
	p.n = FrameSize
	return p.emit(ctx)
}

func (p *Packetizer) emit(ctx context.Context) error {
	frame := IQFrame{Epoch: p.epoch, Samples: p.window}
	select {
	case p.out <- frame:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.epoch++
	p.n = 0
	p.window = [FrameSize]complex64{}
	p.metrics.RecordFramePacketized(p.node)
	return nil
}
