package lorasim

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"
)

// mqttClient is the part of mqtt.Client the publisher uses
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes decode events and metric snapshots to a broker
type MQTTPublisher struct {
	client  mqttClient
	config  *MQTTConfig
	metrics *PrometheusMetrics
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// generateClientID creates a unique client ID for the MQTT connection
func generateClientID() string {
	return "lorasim_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the configured broker
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return newMQTTPublisher(client, config, metrics), nil
}

func newMQTTPublisher(client mqttClient, config *MQTTConfig, metrics *PrometheusMetrics) *MQTTPublisher {
	return &MQTTPublisher{client: client, config: config, metrics: metrics}
}

// Sink returns a DecodeSink publishing one node's decode events under
// {prefix}/nodes/{node}/...
func (mp *MQTTPublisher) Sink(node string) *MQTTSink {
	return &MQTTSink{publisher: mp, node: node}
}

// RunMetricsPublisher publishes a metrics snapshot every
// PublishInterval seconds until ctx is done.
func (mp *MQTTPublisher) RunMetricsPublisher(ctx context.Context) error {
	if mp.config.PublishInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Metrics publisher started with %d second interval", mp.config.PublishInterval)

	mp.publishAllMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Metrics publisher stopped")
			return nil
		case <-ticker.C:
			mp.publishAllMetrics(ctx)
		}
	}
}

// publishAllMetrics gathers the registry and publishes one message per
// category: {prefix}/metrics/{category}
func (mp *MQTTPublisher) publishAllMetrics(ctx context.Context) {
	timestamp := time.Now().Unix()

	mp.metrics.UpdateResourceMetrics()
	metricFamilies, err := mp.metrics.Gatherer().Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	categories := make(map[string]map[string]float64)
	for _, mf := range metricFamilies {
		name := mf.GetName()
		category := metricCategory(name)
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			if categories[category] == nil {
				categories[category] = make(map[string]float64)
			}
			categories[category][metricKey(name, m)] = value
		}
	}

	for category, metrics := range categories {
		payload := MetricPayload{Timestamp: timestamp, Metrics: metrics}
		topic := fmt.Sprintf("%s/metrics/%s", mp.config.TopicPrefix, category)
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
			continue
		}
		mp.publish(ctx, topic, mp.config.Retain, data)
	}
}

// metricCategory groups metrics by the component that records them
func metricCategory(name string) string {
	name = strings.TrimPrefix(name, "lorasim_")
	switch {
	case strings.HasPrefix(name, "frames_"), strings.HasPrefix(name, "silence_"):
		return "stream"
	case strings.HasPrefix(name, "epochs_"), strings.HasPrefix(name, "pending_"),
		strings.HasPrefix(name, "stale_"), strings.HasPrefix(name, "duplicate_"):
		return "combiner"
	case strings.HasPrefix(name, "decodes_"), strings.HasPrefix(name, "payload_"):
		return "decoder"
	case strings.HasPrefix(name, "bridge_"):
		return "bridge"
	case strings.HasPrefix(name, "pushgateway_"), strings.HasPrefix(name, "mqtt_"):
		return "publishing"
	default:
		return "resources"
	}
}

// metricKey builds a flat key from the metric name and its labels, sorted
// by label name so keys are stable.
func metricKey(name string, m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"_"+l.GetValue())
	}
	sort.Strings(parts)
	return name + "_" + strings.Join(parts, "_")
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish sends data to topic and waits for the broker or ctx. Failures
// are logged and counted; they never stop the simulation.
func (mp *MQTTPublisher) publish(ctx context.Context, topic string, retain bool, data []byte) error {
	if !mp.client.IsConnected() {
		mp.metrics.RecordMQTTPublish(false)
		if DebugMode {
			log.Printf("DEBUG: MQTT: not connected, dropping message for %s", topic)
		}
		return nil
	}

	token := mp.client.Publish(topic, mp.config.QoS, retain, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		mp.metrics.RecordMQTTPublish(false)
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, err)
		return nil
	}
	mp.metrics.RecordMQTTPublish(true)
	return nil
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}

// MQTTSink is a DecodeSink publishing to MQTT. Payloads and host frames
// are published as raw bytes; annotated payloads and CRC results as JSON.
type MQTTSink struct {
	publisher *MQTTPublisher
	node      string
}

func (s *MQTTSink) topic(event string) string {
	return fmt.Sprintf("%s/nodes/%s/%s", s.publisher.config.TopicPrefix, s.node, event)
}

func (s *MQTTSink) PublishPayload(ctx context.Context, payload []byte) error {
	return s.publisher.publish(ctx, s.topic("payload"), false, payload)
}

func (s *MQTTSink) PublishAnnotated(ctx context.Context, p AnnotatedPayload) error {
	data, err := json.Marshal(p.Annotations)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal annotated payload for node %s: %v", s.node, err)
		return nil
	}
	return s.publisher.publish(ctx, s.topic("annotated"), false, data)
}

func (s *MQTTSink) PublishHostFrame(ctx context.Context, frame []byte) error {
	return s.publisher.publish(ctx, s.topic("host"), false, frame)
}

func (s *MQTTSink) PublishCRCResult(ctx context.Context, ok bool) error {
	data, err := json.Marshal(map[string]interface{}{
		"ok":        ok,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal crc result: %w", err)
	}
	return s.publisher.publish(ctx, s.topic("crc"), false, data)
}
