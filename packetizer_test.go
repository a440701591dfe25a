package lorasim

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func ramp(n int) []complex64 {
	s := make([]complex64, n)
	for i := range s {
		s[i] = complex(float32(i+1), float32(-i))
	}
	return s
}

func TestPacketizerEmitsFullFrames(t *testing.T) {
	out := make(chan IQFrame, 4)
	p := NewPacketizer(out)
	ctx := context.Background()

	in := ramp(2*FrameSize + 10)
	n, err := p.Work(ctx, in)
	if err != nil {
		t.Fatalf("Work: %v", err)
	}
	if n != len(in) {
		t.Fatalf("consumed %d, want %d", n, len(in))
	}
	if len(out) != 2 {
		t.Fatalf("emitted %d frames, want 2", len(out))
	}
	for want := uint64(0); want < 2; want++ {
		f := <-out
		if f.Epoch != want {
			t.Errorf("epoch = %d, want %d", f.Epoch, want)
		}
		if f.Samples[0] != in[int(want)*FrameSize] {
			t.Errorf("epoch %d starts with %v", want, f.Samples[0])
		}
	}
	if p.Epoch() != 2 {
		t.Errorf("next epoch = %d, want 2", p.Epoch())
	}
}

func TestPacketizerEmptyWorkFlushesPartialWindow(t *testing.T) {
	out := make(chan IQFrame, 2)
	p := NewPacketizer(out)
	ctx := context.Background()

	if _, err := p.Work(ctx, nil); err != nil || len(out) != 0 {
		t.Fatalf("empty call with empty window emitted %d frames (err %v)", len(out), err)
	}

	in := ramp(100)
	if _, err := p.Work(ctx, in); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Work(ctx, nil); err != nil {
		t.Fatal(err)
	}

	f := <-out
	if f.Epoch != 0 {
		t.Errorf("epoch = %d, want 0", f.Epoch)
	}
	for i, s := range f.Samples {
		var want complex64
		if i < len(in) {
			want = in[i]
		}
		if s != want {
			t.Fatalf("sample %d = %v, want %v", i, s, want)
		}
	}
}

func TestPacketizerFinish(t *testing.T) {
	out := make(chan IQFrame, 2)
	p := NewPacketizer(out)
	ctx := context.Background()

	if _, err := p.Work(ctx, ramp(10)); err != nil {
		t.Fatal(err)
	}
	if err := p.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := p.Finish(ctx); err != nil {
		t.Fatalf("second Finish: %v", err)
	}

	if f, ok := <-out; !ok || f.Epoch != 0 {
		t.Fatalf("expected flushed frame for epoch 0, got %v %v", f.Epoch, ok)
	}
	if _, ok := <-out; ok {
		t.Fatal("output channel still open after Finish")
	}

	if _, err := p.Work(ctx, ramp(1)); !errors.Is(err, ErrPacketizerClosed) {
		t.Fatalf("Work after Finish: err = %v, want ErrPacketizerClosed", err)
	}
}

func TestPacketizerRun(t *testing.T) {
	out := make(chan IQFrame, 8)
	p := NewPacketizer(out)

	in := ramp(3*FrameSize + 1)
	if err := p.Run(context.Background(), NewSliceReader(in, 300)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var epochs []uint64
	for f := range out {
		epochs = append(epochs, f.Epoch)
	}
	if len(epochs) != 4 {
		t.Fatalf("got %d frames, want 4", len(epochs))
	}
	for i, e := range epochs {
		if e != uint64(i) {
			t.Errorf("frame %d has epoch %d", i, e)
		}
	}
}

func TestPacketizerCancelledSend(t *testing.T) {
	out := make(chan IQFrame) // nobody reads
	p := NewPacketizer(out)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Work(ctx, ramp(FrameSize))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if p.Epoch() != 0 {
		t.Errorf("epoch advanced to %d on a failed send", p.Epoch())
	}
}

// idleReader never has samples ready.
type idleReader struct {
	reads atomic.Int64
}

func (r *idleReader) ReadSamples(ctx context.Context, buf []complex64) (int, error) {
	r.reads.Add(1)
	return 0, nil
}

func TestPacketizerRunIdleSource(t *testing.T) {
	out := make(chan IQFrame, 1)
	p := NewPacketizer(out)
	src := &idleReader{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.Run(ctx, src); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want context.DeadlineExceeded", err)
	}
	if n := src.reads.Load(); n == 0 || n > 500 {
		t.Errorf("%d reads in 50ms from an idle source", n)
	}
	if len(out) != 0 {
		t.Errorf("%d frames emitted from an idle source", len(out))
	}
}
