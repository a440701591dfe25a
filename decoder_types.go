package lorasim

import (
	"sync"
	"time"
)

// DecodedFrame is a demodulated LoRa frame as delivered by the PHY
type DecodedFrame struct {
	Nibbles        []uint8 // one nibble per byte, low nibble of each payload byte first
	ImplicitHeader bool    // no explicit 5-nibble header precedes the payload
	HasCRC         bool    // the last 4 nibbles carry the payload CRC
	CodeRate       int
	Annotations    map[string]any
}

// AnnotatedPayload is a validated payload together with its frame metadata
type AnnotatedPayload struct {
	Payload     []byte
	Annotations map[string]any
}

// Annotation keys added by the decoder
const (
	AnnotationPayload        = "payload"
	AnnotationCodeRate       = "code_rate"
	AnnotationHasCRC         = "has_crc"
	AnnotationImplicitHeader = "implicit_header"
)

// Message is the closed set of values delivered to a FrameDecoder.
type Message interface {
	isMessage()
}

// FrameMessage carries one frame to decode
type FrameMessage struct {
	Frame *DecodedFrame
}

// FinishedMessage signals that the upstream pipeline is done
type FinishedMessage struct{}

// OtherMessage wraps anything the decoder does not understand
type OtherMessage struct {
	Value any
}

func (FrameMessage) isMessage()    {}
func (FinishedMessage) isMessage() {}
func (OtherMessage) isMessage()    {}

// Status is the decoder's reply to a Message
type Status int

const (
	StatusOK Status = iota
	StatusInvalid
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalid:
		return "invalid"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// DecoderStats tracks statistics for a decoder
type DecoderStats struct {
	TotalFrames    int64
	CRCPassed      int64
	CRCFailed      int64
	NoCRC          int64
	PayloadBytes   int64
	LastDecodeTime time.Time
	mu             sync.RWMutex
}

// recordDecode accounts for one decoded frame
func (ds *DecoderStats) recordDecode(hasCRC, ok bool, payloadBytes int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.TotalFrames++
	switch {
	case !hasCRC:
		ds.NoCRC++
	case ok:
		ds.CRCPassed++
	default:
		ds.CRCFailed++
	}
	if ok {
		ds.PayloadBytes += int64(payloadBytes)
	}
	ds.LastDecodeTime = time.Now()
}

// GetStats returns a copy of the current statistics
func (ds *DecoderStats) GetStats() map[string]interface{} {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	return map[string]interface{}{
		"total_frames":     ds.TotalFrames,
		"crc_passed":       ds.CRCPassed,
		"crc_failed":       ds.CRCFailed,
		"no_crc":           ds.NoCRC,
		"payload_bytes":    ds.PayloadBytes,
		"last_decode_time": ds.LastDecodeTime,
	}
}
