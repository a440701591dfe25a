package lorasim

import (
	"context"
	"fmt"
	"log"
	"maps"
	"sync"
)

// explicitHeaderNibbles is the length of the explicit LoRa header.
const explicitHeaderNibbles = 5

// crcNibbles is the length of the payload CRC trailer.
const crcNibbles = 4

// FrameDecoder dewhitens demodulated LoRa frames, validates their CRC and
// publishes the result to a DecodeSink: host DATA and READY frames for
// every frame, and the payload itself when it is intact.
type FrameDecoder struct {
	sink        DecodeSink
	whitenedCRC bool
	node        string
	metrics     *PrometheusMetrics
	stats       DecoderStats

	callbacksMu sync.RWMutex
	callbacks   []func(AnnotatedPayload)
}

// FrameDecoderOption configures a FrameDecoder.
type FrameDecoderOption func(*FrameDecoder)

// WithWhitenedCRC selects whether the CRC trailer is dewhitened like the
// payload (the default) or taken as transmitted.
func WithWhitenedCRC(whitened bool) FrameDecoderOption {
	return func(d *FrameDecoder) {
		d.whitenedCRC = whitened
	}
}

// WithDecoderMetrics records decode outcomes under the given node label.
func WithDecoderMetrics(metrics *PrometheusMetrics, node string) FrameDecoderOption {
	return func(d *FrameDecoder) {
		d.metrics = metrics
		d.node = node
	}
}

// NewFrameDecoder creates a FrameDecoder publishing to sink.
func NewFrameDecoder(sink DecodeSink, opts ...FrameDecoderOption) *FrameDecoder {
	d := &FrameDecoder{sink: sink, whitenedCRC: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnDecode registers a callback invoked for every valid payload.
func (d *FrameDecoder) OnDecode(callback func(AnnotatedPayload)) {
	d.callbacksMu.Lock()
	defer d.callbacksMu.Unlock()
	d.callbacks = append(d.callbacks, callback)
}

// GetStats returns the decoder's counters.
func (d *FrameDecoder) GetStats() map[string]interface{} {
	return d.stats.GetStats()
}

// Decode dewhitens and validates one frame. It returns the payload without
// CRC bytes and true when the frame is intact, or nil and false on a CRC
// failure. The error is non-nil only when the sink fails.
func (d *FrameDecoder) Decode(ctx context.Context, frame *DecodedFrame) ([]byte, bool, error) {
	n := len(frame.Nibbles)
	start := n
	if frame.ImplicitHeader {
		start = 0
	} else if n > explicitHeaderNibbles {
		start = explicitHeaderNibbles
	}
	end := n
	if frame.HasCRC {
		end = max(start, n-crcNibbles)
	}

	body := frame.Nibbles[start:end]
	data := make([]byte, 0, len(body)/2+2)
	for i := 0; i+1 < len(body); i += 2 {
		data = append(data, dewhitenPair(body[i], body[i+1], i/2))
	}

	ok := true
	var payload []byte
	if frame.HasCRC {
		ok = d.checkCRC(frame.Nibbles[end:], &data)
		if err := d.sink.PublishCRCResult(ctx, ok); err != nil {
			return nil, false, fmt.Errorf("publish crc result: %w", err)
		}
		if ok {
			payload = data[:len(data)-2]
		}
	} else {
		payload = data
	}

	status := byte(0)
	if !ok {
		status = IRQCRCErr
	}
	if err := d.sink.PublishHostFrame(ctx, DataCommand(data)); err != nil {
		return nil, false, fmt.Errorf("publish data frame: %w", err)
	}
	if err := d.sink.PublishHostFrame(ctx, ReadyCommand(status)); err != nil {
		return nil, false, fmt.Errorf("publish ready frame: %w", err)
	}

	d.stats.recordDecode(frame.HasCRC, ok, len(payload))
	d.metrics.RecordDecode(d.node, frame.HasCRC, ok, len(payload))

	if !ok {
		log.Printf("Decoder %s: frame failed CRC check (%d bytes): %x", d.node, len(data), data)
		return nil, false, nil
	}
	if DebugMode {
		log.Printf("DEBUG: Decoder %s: received frame (%d bytes): %x", d.node, len(payload), payload)
	}

	annotated := AnnotatedPayload{
		Payload:     payload,
		Annotations: make(map[string]any, len(frame.Annotations)+4),
	}
	maps.Copy(annotated.Annotations, frame.Annotations)
	annotated.Annotations[AnnotationPayload] = payload
	annotated.Annotations[AnnotationCodeRate] = frame.CodeRate
	annotated.Annotations[AnnotationHasCRC] = frame.HasCRC
	annotated.Annotations[AnnotationImplicitHeader] = frame.ImplicitHeader

	if err := d.sink.PublishPayload(ctx, payload); err != nil {
		return payload, true, fmt.Errorf("publish payload: %w", err)
	}
	if err := d.sink.PublishAnnotated(ctx, annotated); err != nil {
		return payload, true, fmt.Errorf("publish annotated payload: %w", err)
	}
	d.notifyDecode(annotated)
	return payload, true, nil
}

// checkCRC appends the two CRC bytes recovered from trailer to data and
// reports whether they match the payload.
func (d *FrameDecoder) checkCRC(trailer []uint8, data *[]byte) bool {
	if len(trailer) < crcNibbles {
		log.Printf("Decoder %s: Warning: frame too short to carry a CRC (%d trailing nibbles)", d.node, len(trailer))
		return false
	}

	pos := len(*data)
	for k := 0; k < crcNibbles; k += 2 {
		lo, hi := trailer[k], trailer[k+1]
		if d.whitenedCRC {
			*data = append(*data, dewhitenPair(lo, hi, pos+k/2))
		} else {
			*data = append(*data, (hi&0x0F)<<4|lo&0x0F)
		}
	}

	l := len(*data)
	if l < 4 {
		log.Printf("Decoder %s: Warning: payload too short to compute CRC (%d bytes)", d.node, l)
		return false
	}
	b := *data
	want := uint16(b[l-2]) | uint16(b[l-1])<<8
	return loraPayloadCRC(b[:l-2]) == want
}

func (d *FrameDecoder) notifyDecode(p AnnotatedPayload) {
	d.callbacksMu.RLock()
	defer d.callbacksMu.RUnlock()
	for _, cb := range d.callbacks {
		cb(p)
	}
}

// Handle processes one message.
func (d *FrameDecoder) Handle(ctx context.Context, msg Message) (Status, error) {
	switch m := msg.(type) {
	case FrameMessage:
		if m.Frame == nil {
			return StatusInvalid, nil
		}
		if _, _, err := d.Decode(ctx, m.Frame); err != nil {
			return StatusOK, err
		}
		return StatusOK, nil
	case FinishedMessage:
		return StatusFinished, nil
	default:
		if DebugMode {
			log.Printf("DEBUG: Decoder %s: ignoring message %T", d.node, msg)
		}
		return StatusInvalid, nil
	}
}

// Run handles messages from in until a FinishedMessage arrives, in is
// closed or ctx is cancelled.
func (d *FrameDecoder) Run(ctx context.Context, in <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			status, err := d.Handle(ctx, msg)
			if err != nil {
				return err
			}
			if status == StatusFinished {
				log.Printf("Decoder %s: upstream finished", d.node)
				return nil
			}
		}
	}
}
