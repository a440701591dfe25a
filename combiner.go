package lorasim

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Combiner is the shared RF channel between simulated nodes. It collects
// one frame per epoch from every transmitter, mixes them for each receiver
// according to the propagation model and fans the result out.
//
// An epoch is released only once every transmitter has contributed to it,
// and epochs are released strictly lowest first. The Combiner owns the send
// side of every receiver channel and closes them when Run returns.
type Combiner struct {
	tx        []<-chan IQFrame
	rx        []chan<- IQFrame
	distances mat.Matrix
	model     PropagationModel
	coeffs    [][]complex64 // [sender][receiver]

	epochTimeout time.Duration
	maxPending   int
	metrics      *PrometheusMetrics

	// Loop state, owned by the Run goroutine.
	pending   map[uint64]*pendingEpoch
	order     epochHeap
	watermark uint64
}

// pendingEpoch holds the frames received so far for one epoch, indexed by
// sender.
type pendingEpoch struct {
	epoch     uint64
	frames    []*IQFrame
	count     int
	firstSeen time.Time
}

type arrival struct {
	frame  IQFrame
	sender int
	closed bool
}

// CombinerOption configures a Combiner.
type CombinerOption func(*Combiner)

// WithPropagationModel replaces the default InverseCubeModel.
func WithPropagationModel(model PropagationModel) CombinerOption {
	return func(c *Combiner) {
		c.model = model
	}
}

// WithEpochTimeout evicts the oldest pending epoch once it has waited
// longer than d for its missing transmitters. Zero disables the timeout.
func WithEpochTimeout(d time.Duration) CombinerOption {
	return func(c *Combiner) {
		c.epochTimeout = d
	}
}

// WithMaxPendingEpochs evicts the oldest pending epochs whenever more than
// n are buffered. Zero means unbounded.
func WithMaxPendingEpochs(n int) CombinerOption {
	return func(c *Combiner) {
		c.maxPending = n
	}
}

// WithCombinerMetrics attaches Prometheus metrics.
func WithCombinerMetrics(metrics *PrometheusMetrics) CombinerOption {
	return func(c *Combiner) {
		c.metrics = metrics
	}
}

// NewCombiner creates a Combiner. distances[s][r] is the distance from
// transmitter s to receiver r.
func NewCombiner(tx []<-chan IQFrame, rx []chan<- IQFrame, distances mat.Matrix, opts ...CombinerOption) (*Combiner, error) {
	if len(tx) == 0 || len(rx) == 0 {
		return nil, fmt.Errorf("combiner needs at least one transmitter and one receiver (got %d/%d)", len(tx), len(rx))
	}
	if distances == nil {
		return nil, fmt.Errorf("%w: nil matrix", ErrInvalidDistanceMatrix)
	}
	rows, cols := distances.Dims()
	if rows < len(tx) || cols < len(rx) {
		return nil, fmt.Errorf("%w: %dx%d matrix for %d transmitters and %d receivers",
			ErrInvalidDistanceMatrix, rows, cols, len(tx), len(rx))
	}
	if err := validateDistances(distances); err != nil {
		return nil, err
	}

	c := &Combiner{
		tx:        tx,
		rx:        rx,
		distances: distances,
		model:     InverseCubeModel{},
		pending:   make(map[uint64]*pendingEpoch),
	}
	for _, opt := range opts {
		opt(c)
	}

	// The matrix is immutable, so every link coefficient can be computed once.
	c.coeffs = make([][]complex64, len(tx))
	for s := range tx {
		c.coeffs[s] = make([]complex64, len(rx))
		for r := range rx {
			c.coeffs[s][r] = c.model.Coefficient(distances.At(s, r))
		}
	}
	return c, nil
}

// Coefficient returns the coefficient applied on the link from transmitter
// s to receiver r.
func (c *Combiner) Coefficient(s, r int) complex64 {
	return c.coeffs[s][r]
}

// Run processes epochs until a transmitter channel closes or ctx is
// cancelled. When a transmitter closes, intake stops: frames already queued
// by the other transmitters are taken in, then complete epochs are combined
// in order while incomplete ones are evicted with reason "shutdown".
// Transmitters still sending after that block until their own ctx ends. On return every receiver channel is closed. It
// returns nil after a transmitter driven shutdown and ctx.Err() on
// cancellation.
func (c *Combiner) Run(ctx context.Context) error {
	stop := make(chan struct{})
	intake := make(chan arrival, len(c.tx))

	var wg sync.WaitGroup
	for id, ch := range c.tx {
		wg.Add(1)
		go c.forward(ctx, stop, &wg, id, ch, intake)
	}
	stopped := false
	halt := func() {
		if !stopped {
			stopped = true
			close(stop)
		}
	}
	defer func() {
		halt()
		wg.Wait()
		for _, ch := range c.rx {
			close(ch)
		}
	}()

	log.Printf("Combiner: started (%d transmitters, %d receivers)", len(c.tx), len(c.rx))

	var tick <-chan time.Time
	if c.epochTimeout > 0 {
		interval := c.epochTimeout / 4
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.dispose("cancelled")
			log.Printf("Combiner: stopped: %v", ctx.Err())
			return ctx.Err()

		case a := <-intake:
			if a.closed {
				log.Printf("Combiner: transmitter %d closed, shutting down", a.sender)
				halt()
				c.drain(&wg, intake)
				if err := c.flush(ctx); err != nil {
					c.dispose("cancelled")
					return err
				}
				log.Printf("Combiner: stopped at epoch %d", c.watermark)
				return nil
			}
			c.insert(a)
			if err := c.release(ctx); err != nil {
				c.dispose("cancelled")
				return err
			}

		case now := <-tick:
			c.evictStale(now)
			if err := c.release(ctx); err != nil {
				c.dispose("cancelled")
				return err
			}
		}
	}
}

// forward moves frames from one transmitter channel into the shared intake
// so that a silent transmitter never blocks the others. A frame taken from
// ch is always handed to intake unless ctx is cancelled.
func (c *Combiner) forward(ctx context.Context, stop <-chan struct{}, wg *sync.WaitGroup, id int, ch <-chan IQFrame, intake chan<- arrival) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case frame, ok := <-ch:
			a := arrival{frame: frame, sender: id, closed: !ok}
			select {
			case intake <- a:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
		}
	}
}

// drain takes in every frame still queued once the forwarders have been
// told to stop: those in flight to intake and those buffered in the
// transmitter channels.
func (c *Combiner) drain(wg *sync.WaitGroup, intake <-chan arrival) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for waiting := true; waiting; {
		select {
		case a := <-intake:
			if !a.closed {
				c.insert(a)
			}
		case <-done:
			waiting = false
		}
	}
	for len(intake) > 0 {
		if a := <-intake; !a.closed {
			c.insert(a)
		}
	}
	for id, ch := range c.tx {
		for queued := true; queued; {
			select {
			case frame, ok := <-ch:
				if !ok {
					queued = false
					continue
				}
				c.insert(arrival{frame: frame, sender: id})
			default:
				queued = false
			}
		}
	}
}

// insert buffers one frame under its epoch.
func (c *Combiner) insert(a arrival) {
	epoch := a.frame.Epoch
	if epoch < c.watermark {
		c.metrics.RecordStaleFrame()
		if DebugMode {
			log.Printf("DEBUG: Combiner: dropping stale frame from %d for epoch %d (next epoch %d)", a.sender, epoch, c.watermark)
		}
		return
	}

	pe, ok := c.pending[epoch]
	if !ok {
		pe = &pendingEpoch{
			epoch:     epoch,
			frames:    make([]*IQFrame, len(c.tx)),
			firstSeen: time.Now(),
		}
		c.pending[epoch] = pe
		heap.Push(&c.order, epoch)
	}

	if pe.frames[a.sender] != nil {
		c.metrics.RecordDuplicateEntry(a.sender)
		log.Printf("Combiner: duplicate frame from transmitter %d for epoch %d dropped", a.sender, epoch)
		return
	}
	frame := a.frame
	pe.frames[a.sender] = &frame
	pe.count++

	for c.maxPending > 0 && len(c.pending) > c.maxPending {
		c.evictLowest("overflow")
	}
	c.metrics.SetPendingEpochs(len(c.pending))
}

// release combines every complete epoch at the head of the queue.
func (c *Combiner) release(ctx context.Context) error {
	for c.order.Len() > 0 {
		pe := c.pending[c.order[0]]
		if pe.count == len(c.tx) {
			if err := c.combine(ctx, pe); err != nil {
				return err
			}
			c.remove(pe)
			c.metrics.RecordEpochCombined()
			continue
		}
		break
	}
	c.metrics.SetPendingEpochs(len(c.pending))
	return nil
}

// flush empties the queue at shutdown. Complete epochs are combined in
// order and incomplete ones are evicted.
func (c *Combiner) flush(ctx context.Context) error {
	for c.order.Len() > 0 {
		if err := c.release(ctx); err != nil {
			return err
		}
		if c.order.Len() > 0 {
			c.evictLowest("shutdown")
		}
	}
	c.metrics.SetPendingEpochs(0)
	return nil
}

// combine mixes the epoch's frames for every receiver and sends the result.
func (c *Combiner) combine(ctx context.Context, pe *pendingEpoch) error {
	for r, ch := range c.rx {
		out := IQFrame{Epoch: pe.epoch}
		for s, frame := range pe.frames {
			coef := c.coeffs[s][r]
			for i, x := range frame.Samples {
				out.Samples[i] += coef * x
			}
		}
		select {
		case ch <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if DebugMode {
		log.Printf("DEBUG: Combiner: epoch %d combined for %d receivers", pe.epoch, len(c.rx))
	}
	return nil
}

// evictStale drops head epochs that have been incomplete for too long.
func (c *Combiner) evictStale(now time.Time) {
	for c.order.Len() > 0 {
		pe := c.pending[c.order[0]]
		if pe.count == len(c.tx) || now.Sub(pe.firstSeen) <= c.epochTimeout {
			return
		}
		c.evictLowest("timeout")
	}
}

func (c *Combiner) evictLowest(reason string) {
	pe := c.pending[c.order[0]]
	log.Printf("Combiner: evicting epoch %d (%s, %d/%d transmitters present)", pe.epoch, reason, pe.count, len(c.tx))
	c.remove(pe)
	c.metrics.RecordEpochEvicted(reason)
}

// remove deletes the head epoch and advances the watermark past it.
func (c *Combiner) remove(pe *pendingEpoch) {
	heap.Pop(&c.order)
	delete(c.pending, pe.epoch)
	if pe.epoch+1 > c.watermark {
		c.watermark = pe.epoch + 1
	}
}

// dispose drops every epoch still buffered. Called once the loop is
// stopping.
func (c *Combiner) dispose(reason string) {
	n := 0
	for c.order.Len() > 0 {
		pe := c.pending[c.order[0]]
		c.remove(pe)
		c.metrics.RecordEpochEvicted(reason)
		n++
	}
	c.metrics.SetPendingEpochs(0)
	if n > 0 {
		log.Printf("Combiner: disposed %d incomplete epochs (%s)", n, reason)
	}
}

// epochHeap is a min-heap of pending epoch keys.
type epochHeap []uint64

func (h epochHeap) Len() int           { return len(h) }
func (h epochHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h epochHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *epochHeap) Push(x any) {
	*h = append(*h, x.(uint64))
}

func (h *epochHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
