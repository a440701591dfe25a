package lorasim

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
)

// DecodeSink receives the output events of a FrameDecoder
type DecodeSink interface {
	// PublishPayload receives a validated payload without its CRC bytes.
	PublishPayload(ctx context.Context, payload []byte) error
	// PublishAnnotated receives the same payload with frame metadata.
	PublishAnnotated(ctx context.Context, p AnnotatedPayload) error
	// PublishHostFrame receives a framed host command.
	PublishHostFrame(ctx context.Context, frame []byte) error
	// PublishCRCResult receives the outcome of every CRC check.
	PublishCRCResult(ctx context.Context, ok bool) error
}

// ChannelSink delivers decode events on Go channels. A nil channel
// discards its events. By default sends block until the reader is ready or
// ctx is done, so a decoder stalls while its channels are full and unread.
// WithDropWhenFull makes a full channel drop the event instead.
type ChannelSink struct {
	Payloads   chan []byte
	Annotated  chan AnnotatedPayload
	HostFrames chan []byte
	CRCResults chan bool

	dropWhenFull bool
	dropped      atomic.Int64
	node         string
	metrics      *PrometheusMetrics
}

// ChannelSinkOption configures a ChannelSink.
type ChannelSinkOption func(*ChannelSink)

// WithDropWhenFull drops events that do not fit in their channel's buffer
// and counts them under node.
func WithDropWhenFull(metrics *PrometheusMetrics, node string) ChannelSinkOption {
	return func(s *ChannelSink) {
		s.dropWhenFull = true
		s.metrics = metrics
		s.node = node
	}
}

// NewChannelSink creates a ChannelSink with every channel buffered to size.
func NewChannelSink(size int, opts ...ChannelSinkOption) *ChannelSink {
	s := &ChannelSink{
		Payloads:   make(chan []byte, size),
		Annotated:  make(chan AnnotatedPayload, size),
		HostFrames: make(chan []byte, size),
		CRCResults: make(chan bool, size),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dropped returns the number of events dropped under WithDropWhenFull.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *ChannelSink) PublishPayload(ctx context.Context, payload []byte) error {
	return send(ctx, s, "payload", s.Payloads, payload)
}

func (s *ChannelSink) PublishAnnotated(ctx context.Context, p AnnotatedPayload) error {
	return send(ctx, s, "annotated", s.Annotated, p)
}

func (s *ChannelSink) PublishHostFrame(ctx context.Context, frame []byte) error {
	return send(ctx, s, "host_frame", s.HostFrames, frame)
}

func (s *ChannelSink) PublishCRCResult(ctx context.Context, ok bool) error {
	return send(ctx, s, "crc_result", s.CRCResults, ok)
}

func send[T any](ctx context.Context, s *ChannelSink, event string, ch chan T, v T) error {
	if ch == nil {
		return nil
	}
	if s.dropWhenFull {
		select {
		case ch <- v:
		default:
			s.dropped.Add(1)
			s.metrics.RecordSinkDrop(s.node, event)
			if DebugMode {
				log.Printf("DEBUG: Decoder %s: %s event dropped, channel full", s.node, event)
			}
		}
		return nil
	}
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiSink fans every event out to all of its sinks. Every sink is tried;
// errors are joined.
type MultiSink []DecodeSink

func (m MultiSink) PublishPayload(ctx context.Context, payload []byte) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishPayload(ctx, payload))
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishAnnotated(ctx context.Context, p AnnotatedPayload) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishAnnotated(ctx, p))
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishHostFrame(ctx context.Context, frame []byte) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishHostFrame(ctx, frame))
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishCRCResult(ctx context.Context, ok bool) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishCRCResult(ctx, ok))
	}
	return errors.Join(errs...)
}

// LogSink writes every event to the standard logger.
type LogSink struct {
	Node string
}

func (s LogSink) PublishPayload(_ context.Context, payload []byte) error {
	log.Printf("Decoder %s: payload (%d bytes): %x", s.Node, len(payload), payload)
	return nil
}

func (s LogSink) PublishAnnotated(_ context.Context, p AnnotatedPayload) error {
	if DebugMode {
		log.Printf("DEBUG: Decoder %s: annotated payload: code_rate=%v has_crc=%v implicit_header=%v",
			s.Node, p.Annotations[AnnotationCodeRate], p.Annotations[AnnotationHasCRC], p.Annotations[AnnotationImplicitHeader])
	}
	return nil
}

func (s LogSink) PublishHostFrame(_ context.Context, frame []byte) error {
	if DebugMode {
		log.Printf("DEBUG: Decoder %s: host frame: %x", s.Node, frame)
	}
	return nil
}

func (s LogSink) PublishCRCResult(_ context.Context, ok bool) error {
	if !ok {
		log.Printf("Decoder %s: CRC check failed", s.Node)
	}
	return nil
}
