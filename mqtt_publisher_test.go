package lorasim

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishedMessage struct {
	topic   string
	payload []byte
	retain  bool
}

type fakeMQTTClient struct {
	mu        sync.Mutex
	connected bool
	err       error
	messages  []publishedMessage
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, publishedMessage{topic: topic, payload: payload.([]byte), retain: retained})
	return newFakeToken(c.err)
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }

func (c *fakeMQTTClient) Disconnect(uint) { c.connected = false }

func (c *fakeMQTTClient) byTopic() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.messages))
	for _, m := range c.messages {
		out[m.topic] = m.payload
	}
	return out
}

func TestMQTTSinkTopics(t *testing.T) {
	client := &fakeMQTTClient{connected: true}
	metrics := NewPrometheusMetrics()
	pub := newMQTTPublisher(client, &MQTTConfig{TopicPrefix: "sim"}, metrics)
	dec := NewFrameDecoder(pub.Sink("gw1"))

	if _, ok, err := dec.Decode(context.Background(), explicitFrame([]byte("mqtt"))); err != nil || !ok {
		t.Fatalf("Decode = %v, %v", ok, err)
	}

	got := client.byTopic()
	if string(got["sim/nodes/gw1/payload"]) != "mqtt" {
		t.Errorf("payload topic = %q", got["sim/nodes/gw1/payload"])
	}
	if _, ok := got["sim/nodes/gw1/host"]; !ok {
		t.Error("no host frame published")
	}

	var crc map[string]interface{}
	if err := json.Unmarshal(got["sim/nodes/gw1/crc"], &crc); err != nil {
		t.Fatalf("crc message: %v", err)
	}
	if crc["ok"] != true {
		t.Errorf("crc message = %v", crc)
	}

	var annotations map[string]interface{}
	if err := json.Unmarshal(got["sim/nodes/gw1/annotated"], &annotations); err != nil {
		t.Fatalf("annotated message: %v", err)
	}
	if annotations[AnnotationHasCRC] != true {
		t.Errorf("annotations = %v", annotations)
	}

	// crc, DATA, READY, payload, annotated
	if got := testutil.ToFloat64(metrics.mqttPublishesTotal); got != 5 {
		t.Errorf("publishes = %v, want 5", got)
	}
}

func TestMQTTPublishFailures(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeMQTTClient
	}{
		{"disconnected", &fakeMQTTClient{}},
		{"broker error", &fakeMQTTClient{connected: true, err: errors.New("not authorized")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewPrometheusMetrics()
			pub := newMQTTPublisher(tt.client, &MQTTConfig{TopicPrefix: "sim"}, metrics)
			if err := pub.Sink("a").PublishPayload(context.Background(), []byte{1}); err != nil {
				t.Fatalf("PublishPayload: %v", err)
			}
			if got := testutil.ToFloat64(metrics.mqttFailuresTotal); got != 1 {
				t.Errorf("failures = %v, want 1", got)
			}
		})
	}
}

func TestMQTTPublishAllMetrics(t *testing.T) {
	client := &fakeMQTTClient{connected: true}
	metrics := NewPrometheusMetrics()
	metrics.RecordEpochCombined()
	metrics.RecordDecode("gw1", true, true, 4)
	pub := newMQTTPublisher(client, &MQTTConfig{TopicPrefix: "sim", Retain: true}, metrics)

	pub.publishAllMetrics(context.Background())

	got := client.byTopic()
	for _, category := range []string{"combiner", "decoder", "resources", "publishing"} {
		if _, ok := got["sim/metrics/"+category]; !ok {
			t.Errorf("no snapshot published for %s", category)
		}
	}

	var payload MetricPayload
	if err := json.Unmarshal(got["sim/metrics/decoder"], &payload); err != nil {
		t.Fatal(err)
	}
	if v := payload.Metrics["lorasim_decodes_total_node_gw1_result_crc_ok"]; v != 1 {
		t.Errorf("decoder snapshot = %v", payload.Metrics)
	}
	for _, m := range client.messages {
		if strings.HasPrefix(m.topic, "sim/metrics/") && !m.retain {
			t.Errorf("snapshot %s not retained", m.topic)
		}
	}
}

func TestMetricCategory(t *testing.T) {
	tests := map[string]string{
		"lorasim_frames_packetized_total":   "stream",
		"lorasim_silence_samples_total":     "stream",
		"lorasim_pending_epochs":            "combiner",
		"lorasim_duplicate_entries_total":   "combiner",
		"lorasim_payload_bytes_total":       "decoder",
		"lorasim_bridge_active_connections": "bridge",
		"lorasim_mqtt_failures_total":       "publishing",
		"lorasim_goroutines":                "resources",
	}
	for name, want := range tests {
		if got := metricCategory(name); got != want {
			t.Errorf("metricCategory(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestMQTTMetricsPublisherDisabled(t *testing.T) {
	pub := newMQTTPublisher(&fakeMQTTClient{connected: true}, &MQTTConfig{}, nil)
	if err := pub.RunMetricsPublisher(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateClientID(t *testing.T) {
	a, b := generateClientID(), generateClientID()
	if !strings.HasPrefix(a, "lorasim_") || len(a) != len("lorasim_")+16 {
		t.Errorf("client id = %q", a)
	}
	if a == b {
		t.Error("client ids are not unique")
	}
}
