package lorasim

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the simulator configuration
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Combiner   CombinerConfig   `yaml:"combiner"`
	Decoder    DecoderConfig    `yaml:"decoder"`
	Server     ServerConfig     `yaml:"server"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SimulationConfig describes the simulated nodes and the space between them
type SimulationConfig struct {
	Nodes             []NodeConfig `yaml:"nodes"`
	Distances         [][]float64  `yaml:"distances"`          // distances[tx][rx], one row and column per node
	Propagation       string       `yaml:"propagation"`        // "inverse_cube" (default) or "unity"
	ChannelBuffer     int          `yaml:"channel_buffer"`     // Frames buffered on every inter-node link
	StarvationTimeout int          `yaml:"starvation_timeout"` // Receiver starvation timeout in milliseconds (0 = wait)
}

// NodeConfig describes one simulated transceiver
type NodeConfig struct {
	Name         string  `yaml:"name"`
	NoiseSigma   float64 `yaml:"noise_sigma"`  // Per-component AWGN standard deviation on the receive path
	Seed         uint64  `yaml:"seed"`         // Noise generator seed
	Bandwidth    float64 `yaml:"bandwidth"`    // LoRa bandwidth in Hz
	Oversampling int     `yaml:"oversampling"` // Samples per chip
}

// CombinerConfig contains the epoch eviction policy
type CombinerConfig struct {
	EpochTimeout     int `yaml:"epoch_timeout"`      // Evict incomplete epochs after this many milliseconds (0 = never)
	MaxPendingEpochs int `yaml:"max_pending_epochs"` // Evict the oldest epochs beyond this many (0 = unbounded)
}

// DecoderConfig contains frame decoder settings
type DecoderConfig struct {
	WhitenedCRC *bool `yaml:"whitened_crc"` // Dewhiten the CRC trailer (default true)
	SinkBuffer  int   `yaml:"sink_buffer"`  // Buffer size of the per-node event channels
	LogPayloads bool  `yaml:"log_payloads"` // Log every decode event
	DropUnread  bool  `yaml:"drop_unread"`  // Drop events when a node's channels are full instead of blocking the decoder
}

// ServerConfig contains the HTTP listener serving metrics and the bridge
type ServerConfig struct {
	Listen string `yaml:"listen"` // e.g. ":8080"; empty disables the listener
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable the /metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics (empty = all)
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`

	allowedNets []*net.IPNet
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`      // e.g. http://pushgateway:9091
	Job      string `yaml:"job"`      // Job name
	Instance string `yaml:"instance"` // Basic auth username, also the instance grouping label
	Token    string `yaml:"token"`    // Basic auth password
	Interval int    `yaml:"interval"` // Push interval in seconds
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"` // e.g. tcp://mqtt.example.com:1883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	PublishInterval int           `yaml:"publish_interval"` // Metrics snapshot interval in seconds (0 = no snapshots)
	QoS             byte          `yaml:"qos"`              // 0, 1 or 2
	Retain          bool          `yaml:"retain"`
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// BridgeConfig contains the websocket node bridge settings
type BridgeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`        // URL prefix; the node name is appended
	Compression bool   `yaml:"compression"` // zstd-compress frames on the wire
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// LoadConfig reads and validates a YAML configuration file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses, completes and validates a YAML configuration
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Prometheus.parseAllowedHosts(); err != nil {
		return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Simulation.Propagation == "" {
		c.Simulation.Propagation = "inverse_cube"
	}
	if c.Simulation.ChannelBuffer == 0 {
		c.Simulation.ChannelBuffer = 16
	}
	for i := range c.Simulation.Nodes {
		n := &c.Simulation.Nodes[i]
		if n.Name == "" {
			n.Name = fmt.Sprintf("node%d", i)
		}
		if n.Bandwidth == 0 {
			n.Bandwidth = float64(Bandwidth125k)
		}
		if n.Oversampling == 0 {
			n.Oversampling = 4
		}
	}

	// Bounded by default; a silent transmitter otherwise grows the buffer forever.
	if c.Combiner.MaxPendingEpochs == 0 {
		c.Combiner.MaxPendingEpochs = 256
	}

	if c.Decoder.WhitenedCRC == nil {
		whitened := true
		c.Decoder.WhitenedCRC = &whitened
	}
	if c.Decoder.SinkBuffer == 0 {
		c.Decoder.SinkBuffer = 64
	}

	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "lorasim"
	}
	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "lorasim"
	}

	if c.Bridge.Path == "" {
		c.Bridge.Path = "/ws/"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	n := len(c.Simulation.Nodes)
	if n < 1 {
		return fmt.Errorf("simulation.nodes must list at least one node")
	}
	names := make(map[string]bool, n)
	for i, node := range c.Simulation.Nodes {
		if names[node.Name] {
			return fmt.Errorf("simulation.nodes[%d]: duplicate name %q", i, node.Name)
		}
		names[node.Name] = true
		if node.NoiseSigma < 0 {
			return fmt.Errorf("simulation.nodes[%d].noise_sigma must not be negative", i)
		}
		if _, err := ParseBandwidth(node.Bandwidth); err != nil {
			return fmt.Errorf("simulation.nodes[%d].bandwidth: %w", i, err)
		}
		if node.Oversampling < 1 {
			return fmt.Errorf("simulation.nodes[%d].oversampling must be at least 1", i)
		}
	}
	if len(c.Simulation.Distances) != n {
		return fmt.Errorf("simulation.distances must have %d rows (one per node), got %d", n, len(c.Simulation.Distances))
	}
	if _, err := NewDistanceMatrix(c.Simulation.Distances); err != nil {
		return fmt.Errorf("simulation.distances: %w", err)
	}
	if _, err := PropagationModelByName(c.Simulation.Propagation); err != nil {
		return fmt.Errorf("simulation.propagation: %w", err)
	}
	if c.Simulation.ChannelBuffer < 0 {
		return fmt.Errorf("simulation.channel_buffer must not be negative")
	}
	if c.Simulation.StarvationTimeout < 0 {
		return fmt.Errorf("simulation.starvation_timeout must not be negative")
	}
	if c.Combiner.EpochTimeout < 0 || c.Combiner.MaxPendingEpochs < 0 {
		return fmt.Errorf("combiner limits must not be negative")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Bridge.Enabled && c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required when the bridge is enabled")
	}
	return nil
}

// StarvationTimeoutDuration returns the receiver starvation timeout
func (sc *SimulationConfig) StarvationTimeoutDuration() time.Duration {
	return time.Duration(sc.StarvationTimeout) * time.Millisecond
}

// EpochTimeoutDuration returns the combiner epoch timeout
func (cc *CombinerConfig) EpochTimeoutDuration() time.Duration {
	return time.Duration(cc.EpochTimeout) * time.Millisecond
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address may scrape metrics. An empty allow
// list admits everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.AllowedHosts) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
