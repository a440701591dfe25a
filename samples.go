package lorasim

import (
	"context"
	"io"
)

// SampleReader is the pull side of a complex baseband sample stream.
//
// ReadSamples fills up to len(buf) samples and returns how many were
// written. A source that has no samples right now returns 0, nil; a
// source that will never produce again returns io.EOF.
type SampleReader interface {
	ReadSamples(ctx context.Context, buf []complex64) (int, error)
}

// SliceReader serves an in-memory sample slice, at most chunk samples per
// call, then io.EOF.
type SliceReader struct {
	samples []complex64
	pos     int
	chunk   int
}

// NewSliceReader returns a SampleReader over samples. A chunk of 0 means
// each call fills as much of the caller's buffer as possible.
func NewSliceReader(samples []complex64, chunk int) *SliceReader {
	return &SliceReader{samples: samples, chunk: chunk}
}

func (r *SliceReader) ReadSamples(ctx context.Context, buf []complex64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r.pos >= len(r.samples) {
		return 0, io.EOF
	}
	if r.chunk > 0 && len(buf) > r.chunk {
		buf = buf[:r.chunk]
	}
	n := copy(buf, r.samples[r.pos:])
	r.pos += n
	return n, nil
}
