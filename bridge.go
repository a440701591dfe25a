package lorasim

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const bridgeWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  IQFrameWireSize,
	WriteBufferSize: IQFrameWireSize,
	// Frames are zstd-compressed by the codec when enabled.
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// BridgeEndpoint is the sample boundary of one simulated node that a
// remote PHY pipeline connects to.
type BridgeEndpoint interface {
	// Transmit feeds samples into the node's transmit path.
	Transmit(ctx context.Context, samples []complex64) error
	// Receiver returns the node's receive path.
	Receiver() SampleReader
}

// NodeBridge exposes simulated nodes over WebSocket. A client connects to
// {prefix}{node}; every binary message it sends is an encoded IQFrame
// whose samples are transmitted, and every frame's worth of received
// samples is sent back as an encoded IQFrame. One client per node.
type NodeBridge struct {
	prefix  string
	codec   *IQFrameCodec
	metrics *PrometheusMetrics

	mu        sync.Mutex
	endpoints map[string]BridgeEndpoint
	active    map[string]string // node -> session ID
}

// NewNodeBridge creates a bridge serving endpoints under prefix.
func NewNodeBridge(prefix string, codec *IQFrameCodec, metrics *PrometheusMetrics) *NodeBridge {
	return &NodeBridge{
		prefix:    prefix,
		codec:     codec,
		metrics:   metrics,
		endpoints: make(map[string]BridgeEndpoint),
		active:    make(map[string]string),
	}
}

// Register exposes endpoint under name.
func (b *NodeBridge) Register(name string, endpoint BridgeEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[name] = endpoint
}

func (b *NodeBridge) acquire(name string) (BridgeEndpoint, string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	endpoint, ok := b.endpoints[name]
	if !ok {
		return nil, "", http.StatusNotFound
	}
	if _, busy := b.active[name]; busy {
		return nil, "", http.StatusConflict
	}
	session := uuid.NewString()
	b.active[name] = session
	return endpoint, session, http.StatusOK
}

func (b *NodeBridge) release(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, name)
}

// ServeHTTP upgrades the request and runs the session until either side
// stops.
func (b *NodeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, b.prefix)
	endpoint, session, status := b.acquire(name)
	switch status {
	case http.StatusNotFound:
		http.Error(w, "Unknown node", status)
		return
	case http.StatusConflict:
		http.Error(w, "Node already has a bridge client", status)
		return
	}
	defer b.release(name)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Bridge %s: Failed to upgrade connection: %v", name, err)
		return
	}
	defer conn.Close()

	b.metrics.RecordBridgeConnection(name)
	defer b.metrics.RecordBridgeDisconnect(name)
	log.Printf("Bridge %s: client %s connected (session %s, compression %v)", name, r.RemoteAddr, session, b.codec.Compressed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Compressed frames of noise-like samples can exceed the raw size slightly.
	conn.SetReadLimit(2 * IQFrameWireSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		b.readLoop(ctx, conn, name, endpoint)
	}()

	reason := b.writeLoop(ctx, conn, name, endpoint)
	cancel()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
	wg.Wait()

	log.Printf("Bridge %s: session %s closed (%s)", name, session, reason)
}

// readLoop transmits the frames sent by the client.
func (b *NodeBridge) readLoop(ctx context.Context, conn *websocket.Conn, name string, endpoint BridgeEndpoint) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Printf("Bridge %s: read error: %v", name, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		frame, err := b.codec.Decode(data)
		if err != nil {
			log.Printf("Bridge %s: Warning: dropping malformed frame: %v", name, err)
			continue
		}
		b.metrics.RecordBridgeFrameReceived(name)

		if err := endpoint.Transmit(ctx, frame.Samples[:]); err != nil {
			if ctx.Err() == nil {
				log.Printf("Bridge %s: transmit failed: %v", name, err)
			}
			return
		}
	}
}

// writeLoop streams the node's received samples to the client, one frame
// per message, and returns why it stopped.
func (b *NodeBridge) writeLoop(ctx context.Context, conn *websocket.Conn, name string, endpoint BridgeEndpoint) string {
	rx := endpoint.Receiver()
	var frame IQFrame
	for {
		n, err := readFull(ctx, rx, frame.Samples[:])
		if ctx.Err() != nil {
			return "client disconnected"
		}
		if n > 0 {
			clear(frame.Samples[n:])
			packet, encErr := b.codec.Encode(&frame)
			if encErr != nil {
				log.Printf("Bridge %s: encode failed: %v", name, encErr)
				return "encode error"
			}
			conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if werr := conn.WriteMessage(websocket.BinaryMessage, packet); werr != nil {
				return "write error"
			}
			b.metrics.RecordBridgeFrameSent(name)
			frame.Epoch++
		}
		switch {
		case errors.Is(err, io.EOF):
			return "receiver closed"
		case err != nil:
			return "client disconnected"
		}
	}
}

// readFull reads from r until buf is full, r fails or ctx is done.
func readFull(ctx context.Context, r SampleReader, buf []complex64) (int, error) {
	n := 0
	for n < len(buf) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		k, err := r.ReadSamples(ctx, buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
