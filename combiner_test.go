package lorasim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"gonum.org/v1/gonum/mat"
)

type combinerHarness struct {
	tx       []chan IQFrame
	rx       []chan IQFrame
	combiner *Combiner
	done     chan error
	cancel   context.CancelFunc
}

func newCombinerHarness(t *testing.T, distances [][]float64, opts ...CombinerOption) *combinerHarness {
	t.Helper()
	n := len(distances)
	h := &combinerHarness{done: make(chan error, 1)}
	txRecv := make([]<-chan IQFrame, n)
	rxSend := make([]chan<- IQFrame, n)
	for i := 0; i < n; i++ {
		tx := make(chan IQFrame, 8)
		rx := make(chan IQFrame, 8)
		h.tx = append(h.tx, tx)
		h.rx = append(h.rx, rx)
		txRecv[i] = tx
		rxSend[i] = rx
	}
	m, err := NewDistanceMatrix(distances)
	if err != nil {
		t.Fatal(err)
	}
	h.combiner, err = NewCombiner(txRecv, rxSend, m, opts...)
	if err != nil {
		t.Fatalf("NewCombiner: %v", err)
	}
	return h
}

func (h *combinerHarness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.combiner.Run(ctx) }()
}

func (h *combinerHarness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("combiner did not stop")
		return nil
	}
}

func constFrame(epoch uint64, v complex64) IQFrame {
	f := IQFrame{Epoch: epoch}
	for i := range f.Samples {
		f.Samples[i] = v
	}
	return f
}

func expectFrame(t *testing.T, ch <-chan IQFrame) IQFrame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("receiver channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a combined frame")
		return IQFrame{}
	}
}

func expectNothing(t *testing.T, ch <-chan IQFrame) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected frame for epoch %d", f.Epoch)
	case <-time.After(50 * time.Millisecond):
	}
}

var twoNodeDistances = [][]float64{
	{0.1, 25.0},
	{25.0, 0.1},
}

func TestCombinerCoefficients(t *testing.T) {
	h := newCombinerHarness(t, twoNodeDistances)

	cross := float32(math.Pow(26.0, -3) / math.Sqrt2)
	self := float32(math.Pow(1.1, -3) / math.Sqrt2)

	for s := 0; s < 2; s++ {
		for r := 0; r < 2; r++ {
			want := complex(cross, cross)
			if s == r {
				want = complex(self, self)
			}
			if got := h.combiner.Coefficient(s, r); got != want {
				t.Errorf("Coefficient(%d, %d) = %v, want %v", s, r, got, want)
			}
		}
	}
}

func TestCombinerAppliesCoefficientToEverySample(t *testing.T) {
	h := newCombinerHarness(t, twoNodeDistances)
	h.start()
	defer h.stop(t)

	h.tx[0] <- constFrame(0, 1)
	h.tx[1] <- constFrame(0, 0)

	at1 := expectFrame(t, h.rx[1])
	at0 := expectFrame(t, h.rx[0])
	cross := h.combiner.Coefficient(0, 1)
	self := h.combiner.Coefficient(0, 0)
	for i := 0; i < FrameSize; i++ {
		if at1.Samples[i] != cross {
			t.Fatalf("receiver 1 sample %d = %v, want %v", i, at1.Samples[i], cross)
		}
		if at0.Samples[i] != self {
			t.Fatalf("receiver 0 sample %d = %v, want %v", i, at0.Samples[i], self)
		}
	}
}

func TestCombinerSuperposition(t *testing.T) {
	h := newCombinerHarness(t, [][]float64{{0, 0}, {0, 0}}, WithPropagationModel(UnityModel{}))
	h.start()
	defer h.stop(t)

	h.tx[0] <- constFrame(0, complex(1, 2))
	h.tx[1] <- constFrame(0, complex(3, -1))
	for r := 0; r < 2; r++ {
		f := expectFrame(t, h.rx[r])
		if f.Samples[FrameSize-1] != complex(4, 1) {
			t.Errorf("receiver %d got %v, want (4+1i)", r, f.Samples[FrameSize-1])
		}
	}
}

func TestCombinerBarrier(t *testing.T) {
	h := newCombinerHarness(t, twoNodeDistances)
	h.start()
	defer h.stop(t)

	h.tx[0] <- constFrame(0, 1)
	expectNothing(t, h.rx[0])
	expectNothing(t, h.rx[1])

	h.tx[1] <- constFrame(0, 1)
	if f := expectFrame(t, h.rx[0]); f.Epoch != 0 {
		t.Errorf("epoch = %d, want 0", f.Epoch)
	}
	if f := expectFrame(t, h.rx[1]); f.Epoch != 0 {
		t.Errorf("epoch = %d, want 0", f.Epoch)
	}
}

func TestCombinerReleasesInEpochOrder(t *testing.T) {
	h := newCombinerHarness(t, twoNodeDistances)
	h.start()
	defer h.stop(t)

	// Transmitter 0 runs three epochs ahead of transmitter 1.
	for e := uint64(0); e < 3; e++ {
		h.tx[0] <- constFrame(e, 1)
	}
	expectNothing(t, h.rx[0])
	for e := uint64(0); e < 3; e++ {
		h.tx[1] <- constFrame(e, 1)
	}

	for e := uint64(0); e < 3; e++ {
		if f := expectFrame(t, h.rx[0]); f.Epoch != e {
			t.Fatalf("receiver 0 got epoch %d, want %d", f.Epoch, e)
		}
		if f := expectFrame(t, h.rx[1]); f.Epoch != e {
			t.Fatalf("receiver 1 got epoch %d, want %d", f.Epoch, e)
		}
	}
}

func TestCombinerDropsDuplicates(t *testing.T) {
	metrics := NewPrometheusMetrics()
	h := newCombinerHarness(t, twoNodeDistances, WithCombinerMetrics(metrics))
	h.start()
	defer h.stop(t)

	h.tx[0] <- constFrame(0, 1)
	h.tx[0] <- constFrame(0, 5)
	// Both frames from transmitter 0 must be buffered before epoch 0 completes.
	expectNothing(t, h.rx[0])
	h.tx[1] <- constFrame(0, 0)

	f := expectFrame(t, h.rx[0])
	if want := h.combiner.Coefficient(0, 0); f.Samples[0] != want {
		t.Errorf("sample = %v, want %v from the first frame only", f.Samples[0], want)
	}
	expectFrame(t, h.rx[1])
	if got := testutil.ToFloat64(metrics.duplicateEntries.WithLabelValues("0")); got != 1 {
		t.Errorf("duplicate entries = %v, want 1", got)
	}
}

func TestCombinerMaxPendingEviction(t *testing.T) {
	metrics := NewPrometheusMetrics()
	h := newCombinerHarness(t, twoNodeDistances, WithMaxPendingEpochs(2), WithCombinerMetrics(metrics))
	h.start()
	defer h.stop(t)

	// Transmitter 1 never delivers epoch 0; epoch 0 is evicted when the
	// third epoch is buffered.
	for e := uint64(0); e < 3; e++ {
		h.tx[0] <- constFrame(e, 1)
	}
	h.tx[1] <- constFrame(1, 1)

	if f := expectFrame(t, h.rx[0]); f.Epoch != 1 {
		t.Fatalf("receiver 0 got epoch %d, want 1", f.Epoch)
	}
	expectFrame(t, h.rx[1])

	// A late frame for the evicted epoch is stale.
	h.tx[1] <- constFrame(0, 1)
	h.tx[1] <- constFrame(2, 1)
	if f := expectFrame(t, h.rx[0]); f.Epoch != 2 {
		t.Fatalf("receiver 0 got epoch %d, want 2", f.Epoch)
	}

	if got := testutil.ToFloat64(metrics.epochsEvicted.WithLabelValues("overflow")); got != 1 {
		t.Errorf("overflow evictions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.staleFrames); got != 1 {
		t.Errorf("stale frames = %v, want 1", got)
	}
}

func TestCombinerEpochTimeout(t *testing.T) {
	metrics := NewPrometheusMetrics()
	h := newCombinerHarness(t, twoNodeDistances, WithEpochTimeout(20*time.Millisecond), WithCombinerMetrics(metrics))
	h.start()
	defer h.stop(t)

	h.tx[0] <- constFrame(0, 1)
	time.Sleep(100 * time.Millisecond)

	// Epoch 0 has timed out, so its second frame is stale.
	h.tx[1] <- constFrame(0, 1)
	h.tx[0] <- constFrame(1, 1)
	h.tx[1] <- constFrame(1, 1)
	if f := expectFrame(t, h.rx[0]); f.Epoch != 1 {
		t.Fatalf("receiver 0 got epoch %d, want 1", f.Epoch)
	}
	if got := testutil.ToFloat64(metrics.epochsEvicted.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout evictions = %v, want 1", got)
	}
}

func TestCombinerShutdownOnTransmitterClose(t *testing.T) {
	h := newCombinerHarness(t, twoNodeDistances)
	h.start()

	h.tx[0] <- constFrame(0, 1)
	h.tx[1] <- constFrame(0, 1)
	h.tx[0] <- constFrame(1, 1) // never completed
	close(h.tx[0])
	close(h.tx[1])

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("combiner did not stop after every transmitter closed")
	}

	for r, rx := range h.rx {
		f, ok := <-rx
		if !ok || f.Epoch != 0 {
			t.Fatalf("receiver %d: expected epoch 0 before close", r)
		}
		if _, ok := <-rx; ok {
			t.Fatalf("receiver %d: channel not closed", r)
		}
	}
}

func TestCombinerShutdownOnFirstTransmitterClose(t *testing.T) {
	metrics := NewPrometheusMetrics()
	h := newCombinerHarness(t, twoNodeDistances, WithCombinerMetrics(metrics))
	h.start()

	h.tx[0] <- constFrame(0, 1)
	h.tx[1] <- constFrame(0, 1)
	for _, rx := range h.rx {
		if f := expectFrame(t, rx); f.Epoch != 0 {
			t.Fatalf("got epoch %d, want 0", f.Epoch)
		}
	}

	// Transmitter 1 keeps going; transmitter 0 stops.
	for e := uint64(1); e <= 3; e++ {
		h.tx[1] <- constFrame(e, 1)
	}
	close(h.tx[0])

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("combiner kept running after a transmitter closed")
	}

	for r, rx := range h.rx {
		if f, ok := <-rx; ok {
			t.Fatalf("receiver %d: unexpected epoch %d after shutdown", r, f.Epoch)
		}
	}
	if got := testutil.ToFloat64(metrics.epochsCombined); got != 1 {
		t.Errorf("epochs combined = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.epochsEvicted.WithLabelValues("shutdown")); got != 3 {
		t.Errorf("shutdown evictions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.pendingEpochs); got != 0 {
		t.Errorf("pending epochs = %v, want 0", got)
	}
}

func TestCombinerShutdownKeepsQueuedCompleteEpochs(t *testing.T) {
	h := newCombinerHarness(t, twoNodeDistances)

	// Everything is queued before the loop starts, so the close marker may
	// overtake the other transmitter's frames.
	h.tx[0] <- constFrame(0, 1)
	h.tx[0] <- constFrame(1, 1)
	close(h.tx[0])
	h.tx[1] <- constFrame(0, 1)
	h.tx[1] <- constFrame(1, 1)
	h.start()

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("combiner did not stop")
	}
	for r, rx := range h.rx {
		for want := uint64(0); want < 2; want++ {
			f, ok := <-rx
			if !ok || f.Epoch != want {
				t.Fatalf("receiver %d: expected epoch %d before close", r, want)
			}
		}
		if _, ok := <-rx; ok {
			t.Fatalf("receiver %d: channel not closed", r)
		}
	}
}

func TestCombinerCancellation(t *testing.T) {
	h := newCombinerHarness(t, twoNodeDistances)
	h.start()
	h.tx[0] <- constFrame(0, 1)

	if err := h.stop(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	for r, rx := range h.rx {
		if _, ok := <-rx; ok {
			t.Fatalf("receiver %d: channel not closed after cancel", r)
		}
	}
}

func TestNewCombinerValidation(t *testing.T) {
	tx := []<-chan IQFrame{make(chan IQFrame)}
	rx := []chan<- IQFrame{make(chan IQFrame)}

	tests := []struct {
		name      string
		tx        []<-chan IQFrame
		rx        []chan<- IQFrame
		distances mat.Matrix
	}{
		{"no transmitters", nil, rx, mat.NewDense(1, 1, []float64{0})},
		{"no receivers", tx, nil, mat.NewDense(1, 1, []float64{0})},
		{"nil matrix", tx, rx, nil},
		{"matrix too small", append(tx, make(chan IQFrame)), rx, mat.NewDense(1, 1, []float64{0})},
		{"negative distance", tx, rx, mat.NewDense(1, 1, []float64{-1})},
		{"infinite distance", tx, rx, mat.NewDense(1, 1, []float64{math.Inf(1)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCombiner(tt.tx, tt.rx, tt.distances); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestNewDistanceMatrixRejectsRagged(t *testing.T) {
	_, err := NewDistanceMatrix([][]float64{{0, 1}, {1}})
	if !errors.Is(err, ErrInvalidDistanceMatrix) {
		t.Fatalf("err = %v, want ErrInvalidDistanceMatrix", err)
	}
}
