package lorasim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// IQ Frame Wire Format
// ====================
//
// Every IQ frame exchanged across a simulated node boundary has the same
// fixed size, so no length prefix or header magic is carried.
//
// Offset | Size | Type      | Description
// -------|------|-----------|----------------------------------------------
// 0      | 8    | uint64    | Epoch counter (frame index within a stream)
// 8      | 8192 | float32[] | 1024 interleaved (real, imag) sample pairs
//
// All fields are little-endian. When compression is enabled the whole
// frame is compressed with zstd before it leaves the process.

const (
	// FrameSize is the number of complex samples carried by one IQFrame.
	FrameSize = 1024

	// IQFrameWireSize is the encoded size of an uncompressed IQFrame.
	IQFrameWireSize = 8 + FrameSize*8
)

// ErrShortFrame is returned when an encoded frame has the wrong length.
var ErrShortFrame = errors.New("encoded IQ frame has wrong length")

// IQFrame is a fixed block of FrameSize samples tagged with the epoch of
// the stream it was cut from.
type IQFrame struct {
	Epoch   uint64
	Samples [FrameSize]complex64
}

// AppendBinary appends the wire encoding of f to b.
func (f *IQFrame) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, f.Epoch)
	for _, s := range f.Samples {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(real(s)))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(imag(s)))
	}
	return b, nil
}

// MarshalBinary returns the wire encoding of f.
func (f *IQFrame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, IQFrameWireSize))
}

// UnmarshalBinary decodes a wire-encoded frame into f.
func (f *IQFrame) UnmarshalBinary(data []byte) error {
	if len(data) != IQFrameWireSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortFrame, len(data), IQFrameWireSize)
	}
	f.Epoch = binary.LittleEndian.Uint64(data[0:8])
	offset := 8
	for i := range f.Samples {
		re := math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(data[offset+4:]))
		f.Samples[i] = complex(re, im)
		offset += 8
	}
	return nil
}

// IQFrameCodec encodes frames for transport, optionally compressing them
// with zstd. Encode and Decode are safe for concurrent use.
type IQFrameCodec struct {
	useCompression bool
	zstdEncoder    *zstd.Encoder
	zstdDecoder    *zstd.Decoder
}

// NewIQFrameCodec creates a codec. With compression disabled it is a thin
// wrapper around MarshalBinary/UnmarshalBinary.
func NewIQFrameCodec(useCompression bool) (*IQFrameCodec, error) {
	c := &IQFrameCodec{useCompression: useCompression}
	if !useCompression {
		return c, nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	// A decoded frame is never larger than IQFrameWireSize.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(4*IQFrameWireSize), zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.zstdEncoder = enc
	c.zstdDecoder = dec
	return c, nil
}

// Compressed reports whether the codec compresses frames.
func (c *IQFrameCodec) Compressed() bool {
	return c.useCompression
}

// Encode returns the transport encoding of f.
func (c *IQFrameCodec) Encode(f *IQFrame) ([]byte, error) {
	packet, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if c.useCompression {
		return c.zstdEncoder.EncodeAll(packet, make([]byte, 0, len(packet)/2)), nil
	}
	return packet, nil
}

// Decode parses a transport encoding produced by Encode.
func (c *IQFrameCodec) Decode(data []byte) (IQFrame, error) {
	var f IQFrame
	if c.useCompression {
		raw, err := c.zstdDecoder.DecodeAll(data, make([]byte, 0, IQFrameWireSize))
		if err != nil {
			return f, fmt.Errorf("failed to decompress IQ frame: %w", err)
		}
		data = raw
	}
	if err := f.UnmarshalBinary(data); err != nil {
		return f, err
	}
	return f, nil
}

// Close releases the zstd resources held by the codec.
func (c *IQFrameCodec) Close() {
	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
		c.zstdEncoder = nil
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
		c.zstdDecoder = nil
	}
}
