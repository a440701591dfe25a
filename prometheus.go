package lorasim

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PrometheusMetrics holds the metric collectors of one simulation. Every
// method is safe to call on a nil receiver, which records nothing.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Stream metrics (with 'node' label)
	framesPacketized *prometheus.CounterVec // Frames emitted by each node's packetizer
	silenceSamples   *prometheus.CounterVec // Zero samples substituted on starvation

	// Combiner metrics
	epochsCombined   prometheus.Counter     // Epochs combined and dispatched
	epochsEvicted    *prometheus.CounterVec // Incomplete epochs dropped (by reason)
	staleFrames      prometheus.Counter     // Frames arriving for an already released epoch
	duplicateEntries *prometheus.CounterVec // Second frame from one transmitter for one epoch (by transmitter)
	pendingEpochs    prometheus.Gauge       // Epochs waiting for transmitters

	// Decoder metrics (with 'node' label)
	decodesTotal *prometheus.CounterVec // Decoded frames (by node and result)
	payloadBytes *prometheus.CounterVec // Bytes of valid payload
	sinkDropped  *prometheus.CounterVec // Decode events dropped by a full sink (by node and event)

	// Bridge metrics (with 'node' label)
	bridgeConnections    *prometheus.CounterVec
	bridgeActive         *prometheus.GaugeVec
	bridgeFramesReceived *prometheus.CounterVec
	bridgeFramesSent     *prometheus.CounterVec

	// MQTT metrics
	mqttPublishesTotal prometheus.Counter
	mqttFailuresTotal  prometheus.Counter

	// Resource metrics
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewaySuccessTotal  prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics on a fresh registry
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,

		framesPacketized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_frames_packetized_total",
				Help: "IQ frames emitted by a node's packetizer",
			},
			[]string{"node"},
		),
		silenceSamples: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_silence_samples_total",
				Help: "Samples substituted with silence because no frame was available",
			},
			[]string{"node"},
		),

		epochsCombined: factory.NewCounter(prometheus.CounterOpts{
			Name: "lorasim_epochs_combined_total",
			Help: "Epochs combined and sent to every receiver",
		}),
		epochsEvicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_epochs_evicted_total",
				Help: "Incomplete epochs dropped by the combiner",
			},
			[]string{"reason"},
		),
		staleFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "lorasim_stale_frames_total",
			Help: "Frames dropped because their epoch was already released or evicted",
		}),
		duplicateEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_duplicate_entries_total",
				Help: "Frames dropped because their transmitter already contributed to the epoch",
			},
			[]string{"transmitter"},
		),
		pendingEpochs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lorasim_pending_epochs",
			Help: "Epochs buffered by the combiner",
		}),

		decodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_decodes_total",
				Help: "Frames decoded (result: crc_ok, crc_error, no_crc)",
			},
			[]string{"node", "result"},
		),
		payloadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_payload_bytes_total",
				Help: "Bytes of valid payload decoded",
			},
			[]string{"node"},
		),
		sinkDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_sink_events_dropped_total",
				Help: "Decode events dropped because the node's event channel was full",
			},
			[]string{"node", "event"},
		),

		bridgeConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_bridge_connections_total",
				Help: "WebSocket bridge connections established",
			},
			[]string{"node"},
		),
		bridgeActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lorasim_bridge_active_connections",
				Help: "Currently active WebSocket bridge connections",
			},
			[]string{"node"},
		),
		bridgeFramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_bridge_frames_received_total",
				Help: "IQ frames received from bridge clients",
			},
			[]string{"node"},
		),
		bridgeFramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorasim_bridge_frames_sent_total",
				Help: "IQ frames sent to bridge clients",
			},
			[]string{"node"},
		),

		mqttPublishesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lorasim_mqtt_publishes_total",
			Help: "MQTT messages published",
		}),
		mqttFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lorasim_mqtt_failures_total",
			Help: "MQTT publishes that failed or timed out",
		}),

		goroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lorasim_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lorasim_memory_alloc_bytes",
			Help: "Currently allocated memory in bytes",
		}),
		memoryHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lorasim_memory_heap_bytes",
			Help: "Heap memory in bytes",
		}),

		pushgatewayPushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lorasim_pushgateway_pushes_total",
			Help: "Push attempts to the Pushgateway",
		}),
		pushgatewaySuccessTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lorasim_pushgateway_success_total",
			Help: "Successful pushes to the Pushgateway",
		}),
		pushgatewayFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lorasim_pushgateway_failures_total",
			Help: "Failed pushes to the Pushgateway",
		}),
		pushgatewayLastPushTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lorasim_pushgateway_last_push_timestamp_seconds",
			Help: "Unix time of the last successful push",
		}),
	}
}

// Gatherer returns the registry holding every metric
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return prometheus.NewRegistry()
	}
	return pm.registry
}

// Handler serves the metrics, refusing clients outside config's allow list
func (pm *PrometheusMetrics) Handler(config *PrometheusConfig) http.Handler {
	metrics := promhttp.HandlerFor(pm.Gatherer(), promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if config != nil && !config.IsIPAllowed(host) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		pm.UpdateResourceMetrics()
		metrics.ServeHTTP(w, r)
	})
}

// UpdateResourceMetrics refreshes the runtime resource gauges
func (pm *PrometheusMetrics) UpdateResourceMetrics() {
	if pm == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))
}

// Stream tracking methods
func (pm *PrometheusMetrics) RecordFramePacketized(node string) {
	if pm == nil {
		return
	}
	pm.framesPacketized.WithLabelValues(node).Inc()
}

func (pm *PrometheusMetrics) RecordSilence(node string, samples int) {
	if pm == nil {
		return
	}
	pm.silenceSamples.WithLabelValues(node).Add(float64(samples))
}

// Combiner tracking methods
func (pm *PrometheusMetrics) RecordEpochCombined() {
	if pm == nil {
		return
	}
	pm.epochsCombined.Inc()
}

func (pm *PrometheusMetrics) RecordEpochEvicted(reason string) {
	if pm == nil {
		return
	}
	pm.epochsEvicted.WithLabelValues(reason).Inc()
}

func (pm *PrometheusMetrics) RecordStaleFrame() {
	if pm == nil {
		return
	}
	pm.staleFrames.Inc()
}

func (pm *PrometheusMetrics) RecordDuplicateEntry(transmitter int) {
	if pm == nil {
		return
	}
	pm.duplicateEntries.WithLabelValues(strconv.Itoa(transmitter)).Inc()
}

func (pm *PrometheusMetrics) SetPendingEpochs(n int) {
	if pm == nil {
		return
	}
	pm.pendingEpochs.Set(float64(n))
}

// RecordSinkDrop records a decode event discarded by a full event channel
func (pm *PrometheusMetrics) RecordSinkDrop(node, event string) {
	if pm == nil {
		return
	}
	pm.sinkDropped.WithLabelValues(node, event).Inc()
}

// RecordDecode records the outcome of one decoded frame
func (pm *PrometheusMetrics) RecordDecode(node string, hasCRC, ok bool, payloadBytes int) {
	if pm == nil {
		return
	}
	result := "no_crc"
	if hasCRC {
		result = "crc_ok"
		if !ok {
			result = "crc_error"
		}
	}
	pm.decodesTotal.WithLabelValues(node, result).Inc()
	if ok {
		pm.payloadBytes.WithLabelValues(node).Add(float64(payloadBytes))
	}
}

// Bridge tracking methods
func (pm *PrometheusMetrics) RecordBridgeConnection(node string) {
	if pm == nil {
		return
	}
	pm.bridgeConnections.WithLabelValues(node).Inc()
	pm.bridgeActive.WithLabelValues(node).Inc()
}

func (pm *PrometheusMetrics) RecordBridgeDisconnect(node string) {
	if pm == nil {
		return
	}
	pm.bridgeActive.WithLabelValues(node).Dec()
}

func (pm *PrometheusMetrics) RecordBridgeFrameReceived(node string) {
	if pm == nil {
		return
	}
	pm.bridgeFramesReceived.WithLabelValues(node).Inc()
}

func (pm *PrometheusMetrics) RecordBridgeFrameSent(node string) {
	if pm == nil {
		return
	}
	pm.bridgeFramesSent.WithLabelValues(node).Inc()
}

func (pm *PrometheusMetrics) RecordMQTTPublish(ok bool) {
	if pm == nil {
		return
	}
	pm.mqttPublishesTotal.Inc()
	if !ok {
		pm.mqttFailuresTotal.Inc()
	}
}

// RunPushgatewayWorker pushes all metrics to the Pushgateway every
// config.Interval seconds until ctx is done. runID becomes a grouping
// label so concurrent simulations do not overwrite each other.
func (pm *PrometheusMetrics) RunPushgatewayWorker(ctx context.Context, config *PushgatewayConfig, runID string) error {
	if pm == nil || !config.Enabled {
		return nil
	}
	if config.URL == "" {
		if DebugMode {
			log.Println("DEBUG: Pushgateway URL not configured, skipping push worker")
		}
		return nil
	}

	interval := time.Duration(config.Interval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%v",
		config.URL, config.Job, config.Instance, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.pushOnce(config, runID)
	for {
		select {
		case <-ctx.Done():
			// Final push so the last state of the run is kept.
			pm.pushOnce(config, runID)
			log.Println("Pushgateway worker stopped")
			return nil
		case <-ticker.C:
			pm.pushOnce(config, runID)
		}
	}
}

func (pm *PrometheusMetrics) pushOnce(config *PushgatewayConfig, runID string) {
	pm.pushgatewayPushesTotal.Inc()
	if err := pm.pushToGateway(config, runID); err != nil {
		pm.pushgatewayFailuresTotal.Inc()
		log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
		return
	}
	pm.pushgatewaySuccessTotal.Inc()
	pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
	if DebugMode {
		log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
	}
}

// pushToGateway pushes all metrics with the run as grouping labels
func (pm *PrometheusMetrics) pushToGateway(config *PushgatewayConfig, runID string) error {
	if pm == nil {
		return fmt.Errorf("prometheus metrics not initialized")
	}

	pm.UpdateResourceMetrics()

	pusher := push.New(config.URL, config.Job).Gatherer(pm.registry)
	if config.Instance != "" && config.Token != "" {
		pusher = pusher.BasicAuth(config.Instance, config.Token)
	}
	if config.Instance != "" {
		pusher = pusher.Grouping("instance", config.Instance)
	}
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
