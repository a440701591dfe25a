package lorasim

import (
	"errors"
	"fmt"
	"math"
)

// KISS framing bytes
const (
	FEND  byte = 0xC0
	FESC  byte = 0xDB
	TFEND byte = 0xDC
	TFESC byte = 0xDD
)

// Host command codes
const (
	CmdData   byte = 0x00
	CmdDetect byte = 0x08
	CmdReady  byte = 0x0F
	CmdRSSI   byte = 0x23
	CmdSNR    byte = 0x24
)

// SX126x IRQ flags carried in the READY status byte
const (
	IRQHeaderValid byte = 0x10
	IRQHeaderErr   byte = 0x20
	IRQCRCErr      byte = 0x40
)

// ErrNotACommand is returned by ParseCommand for a frame without a command
// byte.
var ErrNotACommand = errors.New("not a host command frame")

// HostCommand is one command frame with its payload unescaped
type HostCommand struct {
	Code    byte
	Payload []byte
}

// Escape replaces every FEND and FESC byte in data with its two-byte
// escape sequence.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		switch b {
		case FEND:
			out = append(out, FESC, TFEND)
		case FESC:
			out = append(out, FESC, TFESC)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape. A FESC followed by anything other than TFEND
// or TFESC yields that byte literally; a FESC at the very end is dropped.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != FESC {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(data) {
			break
		}
		switch data[i] {
		case TFEND:
			out = append(out, FEND)
		case TFESC:
			out = append(out, FESC)
		default:
			out = append(out, data[i])
		}
	}
	return out
}

// CreateCommand frames payload as FEND, code, payload, FEND. The payload
// is written as is; escaping it is the caller's job.
func CreateCommand(code byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, FEND, code)
	out = append(out, payload...)
	return append(out, FEND)
}

// DataCommand frames payload as an escaped DATA command.
func DataCommand(payload []byte) []byte {
	return CreateCommand(CmdData, Escape(payload))
}

// ReadyCommand frames a READY command with the given IRQ status byte.
func ReadyCommand(status byte) []byte {
	return CreateCommand(CmdReady, Escape([]byte{status}))
}

// DetectCommand frames an empty DETECT command, sent when a preamble has
// been detected.
func DetectCommand() []byte {
	return CreateCommand(CmdDetect, nil)
}

// SNRCommand frames an SNR report. The payload is the SX126x packet SNR
// register value: a signed byte in quarter dB.
func SNRCommand(snrDB float32) []byte {
	v := math.Round(float64(snrDB) * 4)
	v = max(math.MinInt8, min(math.MaxInt8, v))
	return CreateCommand(CmdSNR, Escape([]byte{byte(int8(v))}))
}

// RSSICommand frames an RSSI report. The payload is the SX126x packet RSSI
// register value: -rssi*2 as an unsigned byte.
func RSSICommand(rssiDBm float32) []byte {
	v := -math.Round(float64(rssiDBm) * 2)
	v = max(0, min(math.MaxUint8, v))
	return CreateCommand(CmdRSSI, Escape([]byte{byte(v)}))
}

// SplitFrames extracts every complete FEND-delimited frame from buf. The
// returned frames exclude the delimiters and are still escaped. rest holds
// buf from its last FEND onwards, the start of a frame not yet terminated;
// it is nil when buf holds no FEND at all. Bytes before the first FEND and
// empty frames are discarded.
func SplitFrames(buf []byte) (frames [][]byte, rest []byte) {
	start := -1
	for i, b := range buf {
		if b != FEND {
			continue
		}
		if start >= 0 && i > start+1 {
			frames = append(frames, buf[start+1:i])
		}
		start = i
	}
	if start >= 0 {
		rest = buf[start:]
	}
	return frames, rest
}

// ParseCommand decodes the contents of one frame as returned by
// SplitFrames.
func ParseCommand(frame []byte) (HostCommand, error) {
	if len(frame) == 0 {
		return HostCommand{}, ErrNotACommand
	}
	return HostCommand{Code: frame[0], Payload: Unescape(frame[1:])}, nil
}

// HostCommandReader accumulates a host byte stream and yields complete
// commands.
type HostCommandReader struct {
	buf []byte
}

// Write appends p to the stream and returns the commands it completed.
func (r *HostCommandReader) Write(p []byte) ([]HostCommand, error) {
	r.buf = append(r.buf, p...)
	frames, rest := SplitFrames(r.buf)

	cmds := make([]HostCommand, 0, len(frames))
	for _, f := range frames {
		cmd, err := ParseCommand(f)
		if err != nil {
			return cmds, fmt.Errorf("parse host frame: %w", err)
		}
		cmds = append(cmds, cmd)
	}

	// Keep the trailing FEND so the next frame's opening delimiter is seen.
	r.buf = append(r.buf[:0], rest...)
	return cmds, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *HostCommandReader) Buffered() int {
	return len(r.buf)
}
