package lorasim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Global debug flag
var DebugMode bool

// dialMQTT connects the metrics publisher.
var dialMQTT = NewMQTTPublisher

// Node is one simulated transceiver. Samples passed to Transmit enter the
// shared channel; Receiver yields what the node hears, with its own noise
// added.
type Node struct {
	Name       string
	Index      int
	Bandwidth  Bandwidth
	SampleRate int

	txMu       sync.Mutex
	packetizer *Packetizer

	depacketizer *Depacketizer
	noise        *NoiseInjector
	receiver     *NoisySource

	decoder *FrameDecoder
	events  *ChannelSink
}

// Transmit feeds samples into the node's packetizer. It may be called from
// any goroutine.
func (n *Node) Transmit(ctx context.Context, samples []complex64) error {
	n.txMu.Lock()
	defer n.txMu.Unlock()
	_, err := n.packetizer.Work(ctx, samples)
	return err
}

// Flush sends any partially filled frame, zero-padded.
func (n *Node) Flush(ctx context.Context) error {
	return n.Transmit(ctx, nil)
}

// Close flushes and ends the node's transmission. Closing any node shuts
// the combiner down.
func (n *Node) Close(ctx context.Context) error {
	n.txMu.Lock()
	defer n.txMu.Unlock()
	return n.packetizer.Finish(ctx)
}

// Receiver returns the node's receive path. It must have a single reader.
func (n *Node) Receiver() SampleReader {
	return n.receiver
}

// ReceiveClosed reports whether the node's receive link has been closed by
// the combiner.
func (n *Node) ReceiveClosed() bool {
	return n.depacketizer.Closed()
}

// Noise returns the node's noise injector.
func (n *Node) Noise() *NoiseInjector {
	return n.noise
}

// Decoder returns the decoder for frames the node's PHY demodulates.
func (n *Node) Decoder() *FrameDecoder {
	return n.decoder
}

// Events returns the channels carrying the node's decode events. Unless
// decoder.drop_unread is set they must be drained: once a channel's buffer
// is full, Decode blocks until it is read.
func (n *Node) Events() *ChannelSink {
	return n.events
}

// Simulation wires a set of nodes to one shared channel.
type Simulation struct {
	ID string

	config   *Config
	nodes    []*Node
	byName   map[string]*Node
	combiner *Combiner
	metrics  *PrometheusMetrics
	mqtt     *MQTTPublisher
	bridge   *NodeBridge
	codec    *IQFrameCodec
}

// NewSimulation builds the nodes, links and services described by config.
// The config is expected to have been through LoadConfig or ParseConfig.
func NewSimulation(config *Config) (_ *Simulation, err error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	DebugMode = config.Logging.Debug

	sim := &Simulation{
		ID:      uuid.NewString(),
		config:  config,
		byName:  make(map[string]*Node),
		metrics: NewPrometheusMetrics(),
	}

	model, err := PropagationModelByName(config.Simulation.Propagation)
	if err != nil {
		return nil, err
	}
	distances, err := NewDistanceMatrix(config.Simulation.Distances)
	if err != nil {
		return nil, err
	}

	if config.MQTT.Enabled {
		sim.mqtt, err = dialMQTT(&config.MQTT, sim.metrics)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				sim.mqtt.Disconnect()
			}
		}()
	}

	nodeCount := len(config.Simulation.Nodes)
	tx := make([]<-chan IQFrame, nodeCount)
	rx := make([]chan<- IQFrame, nodeCount)
	whitenedCRC := config.Decoder.WhitenedCRC == nil || *config.Decoder.WhitenedCRC

	for i, nc := range config.Simulation.Nodes {
		txCh := make(chan IQFrame, config.Simulation.ChannelBuffer)
		rxCh := make(chan IQFrame, config.Simulation.ChannelBuffer)
		tx[i] = txCh
		rx[i] = rxCh

		noise, err := NewNoiseInjector(nc.NoiseSigma, nc.Seed)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nc.Name, err)
		}
		bw, err := ParseBandwidth(nc.Bandwidth)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nc.Name, err)
		}

		dp := NewDepacketizer(rxCh,
			WithStarvationTimeout(config.Simulation.StarvationTimeoutDuration()),
			WithEOFOnClose(),
			WithDepacketizerMetrics(sim.metrics, nc.Name))

		var sinkOpts []ChannelSinkOption
		if config.Decoder.DropUnread {
			sinkOpts = append(sinkOpts, WithDropWhenFull(sim.metrics, nc.Name))
		}
		events := NewChannelSink(config.Decoder.SinkBuffer, sinkOpts...)
		sinks := MultiSink{events}
		if config.Decoder.LogPayloads {
			sinks = append(sinks, LogSink{Node: nc.Name})
		}
		if sim.mqtt != nil {
			sinks = append(sinks, sim.mqtt.Sink(nc.Name))
		}

		node := &Node{
			Name:         nc.Name,
			Index:        i,
			Bandwidth:    bw,
			SampleRate:   SampleRate(bw, nc.Oversampling),
			packetizer:   NewPacketizer(txCh, WithPacketizerMetrics(sim.metrics, nc.Name)),
			depacketizer: dp,
			noise:        noise,
			receiver:     NewNoisySource(dp, noise),
			decoder: NewFrameDecoder(sinks,
				WithWhitenedCRC(whitenedCRC),
				WithDecoderMetrics(sim.metrics, nc.Name)),
			events: events,
		}
		sim.nodes = append(sim.nodes, node)
		sim.byName[node.Name] = node
	}

	sim.combiner, err = NewCombiner(tx, rx, distances,
		WithPropagationModel(model),
		WithEpochTimeout(config.Combiner.EpochTimeoutDuration()),
		WithMaxPendingEpochs(config.Combiner.MaxPendingEpochs),
		WithCombinerMetrics(sim.metrics))
	if err != nil {
		return nil, err
	}

	if config.Bridge.Enabled {
		sim.codec, err = NewIQFrameCodec(config.Bridge.Compression)
		if err != nil {
			return nil, err
		}
		sim.bridge = NewNodeBridge(config.Bridge.Path, sim.codec, sim.metrics)
		for _, node := range sim.nodes {
			sim.bridge.Register(node.Name, node)
		}
	}

	log.Printf("Simulation %s: %d nodes, %s propagation", sim.ID, nodeCount, config.Simulation.Propagation)
	return sim, nil
}

// Nodes returns the simulated nodes in index order.
func (s *Simulation) Nodes() []*Node {
	return s.nodes
}

// Node returns the node called name, or nil.
func (s *Simulation) Node(name string) *Node {
	return s.byName[name]
}

// Combiner returns the shared channel.
func (s *Simulation) Combiner() *Combiner {
	return s.combiner
}

// Metrics returns the simulation's metrics.
func (s *Simulation) Metrics() *PrometheusMetrics {
	return s.metrics
}

// Handler serves /metrics and the node bridge, as enabled.
func (s *Simulation) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.config.Prometheus.Enabled {
		mux.Handle("/metrics", s.metrics.Handler(&s.config.Prometheus))
	}
	if s.bridge != nil {
		mux.Handle(s.config.Bridge.Path, s.bridge)
	}
	return mux
}

// Run runs the combiner and the configured background services until the
// first node is closed or ctx is cancelled. Receivers see their channel
// close once Run is over.
func (s *Simulation) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// Every other service stops with the channel.
		defer cancel()
		return s.combiner.Run(gctx)
	})

	g.Go(func() error {
		return s.metrics.RunPushgatewayWorker(gctx, &s.config.Prometheus.Pushgateway, s.ID)
	})

	if s.mqtt != nil {
		g.Go(func() error {
			return s.mqtt.RunMetricsPublisher(gctx)
		})
	}

	if s.config.Server.Listen != "" {
		server := &http.Server{
			Addr:              s.config.Server.Listen,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Printf("Simulation %s: listening on %s", s.ID, server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Hijacked bridge connections are not tracked by the server.
			return server.Close()
		})
	}

	err := g.Wait()

	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.codec != nil {
		s.codec.Close()
	}

	log.Printf("Simulation %s: stopped", s.ID)
	if ctx.Err() == nil && errors.Is(err, context.Canceled) {
		// Cancellation only came from the group itself after the channel shut down.
		return nil
	}
	return err
}
