// Package config loads network configuration from an optional YAML file and
// MESH_* environment variables. Environment values override file values,
// which override defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Topology modes.
const (
	ModeCentralized   = "centralized"
	ModeDecentralized = "decentralized"
)

// Config holds all network service and node configuration.
type Config struct {
	// Identification
	Name   string // cosmetic network name
	NodeID string // stable node identifier

	// Topology selection
	Mode       string // "centralized" or "decentralized"
	ServerMode bool   // centralized only: true = coordinator

	// Transport
	Transport string // "websocket" (default)
	Host      string
	Port      int

	// Peering
	CoordinatorURL string   // centralized-client only
	BootstrapNodes []string // decentralized only

	// Timing
	HeartbeatInterval time.Duration
	AgentTimeout      time.Duration
	ConnectionTimeout time.Duration
	MessageTimeout    time.Duration

	// Encryption
	EncryptionEnabled bool
	EncryptionType    string // informational to the transport

	// Limits and discovery
	MaxConnections    int
	DiscoveryEnabled  bool
	DiscoveryInterval time.Duration

	// Identity
	IdentityTTLHours int

	// Mods loaded at service start, resolved against ModsDir.
	Mods    []string
	ModsDir string

	// Event export
	MQTTBroker string // empty disables MQTT export
	MQTTTopic  string

	// Logging
	LogJSON bool
}

// fileConfig mirrors Config for YAML decoding. Durations are expressed as
// whole seconds, matching the wire-level option names.
type fileConfig struct {
	Name              *string  `yaml:"name"`
	NodeID            *string  `yaml:"node_id"`
	Mode              *string  `yaml:"mode"`
	ServerMode        *bool    `yaml:"server_mode"`
	Transport         *string  `yaml:"transport"`
	Host              *string  `yaml:"host"`
	Port              *int     `yaml:"port"`
	CoordinatorURL    *string  `yaml:"coordinator_url"`
	BootstrapNodes    []string `yaml:"bootstrap_nodes"`
	HeartbeatInterval *int     `yaml:"heartbeat_interval"`
	AgentTimeout      *int     `yaml:"agent_timeout"`
	ConnectionTimeout *int     `yaml:"connection_timeout"`
	MessageTimeout    *int     `yaml:"message_timeout"`
	EncryptionEnabled *bool    `yaml:"encryption_enabled"`
	EncryptionType    *string  `yaml:"encryption_type"`
	MaxConnections    *int     `yaml:"max_connections"`
	DiscoveryEnabled  *bool    `yaml:"discovery_enabled"`
	DiscoveryInterval *int     `yaml:"discovery_interval"`
	IdentityTTLHours  *int     `yaml:"identity_ttl_hours"`
	Mods              []string `yaml:"mods"`
	ModsDir           *string  `yaml:"mods_dir"`
	MQTTBroker        *string  `yaml:"mqtt_broker"`
	MQTTTopic         *string  `yaml:"mqtt_topic"`
	LogJSON           *bool    `yaml:"log_json"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Name:              "agentmesh",
		Mode:              ModeCentralized,
		ServerMode:        true,
		Transport:         "websocket",
		Host:              "127.0.0.1",
		Port:              8570,
		HeartbeatInterval: 30 * time.Second,
		AgentTimeout:      60 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		MessageTimeout:    30 * time.Second,
		MaxConnections:    1024,
		DiscoveryInterval: 60 * time.Second,
		IdentityTTLHours:  24,
		ModsDir:           "mods",
		MQTTTopic:         "agentmesh/events",
		LogJSON:           true,
	}
}

// Load builds a Config from defaults, an optional YAML file (path from
// MESH_CONFIG_FILE), and MESH_* environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("MESH_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile builds a Config from defaults plus the given YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setSecs := func(dst *time.Duration, src *int) {
		if src != nil {
			*dst = time.Duration(*src) * time.Second
		}
	}

	setStr(&c.Name, fc.Name)
	setStr(&c.NodeID, fc.NodeID)
	setStr(&c.Mode, fc.Mode)
	setBool(&c.ServerMode, fc.ServerMode)
	setStr(&c.Transport, fc.Transport)
	setStr(&c.Host, fc.Host)
	setInt(&c.Port, fc.Port)
	setStr(&c.CoordinatorURL, fc.CoordinatorURL)
	if fc.BootstrapNodes != nil {
		c.BootstrapNodes = fc.BootstrapNodes
	}
	setSecs(&c.HeartbeatInterval, fc.HeartbeatInterval)
	setSecs(&c.AgentTimeout, fc.AgentTimeout)
	setSecs(&c.ConnectionTimeout, fc.ConnectionTimeout)
	setSecs(&c.MessageTimeout, fc.MessageTimeout)
	setBool(&c.EncryptionEnabled, fc.EncryptionEnabled)
	setStr(&c.EncryptionType, fc.EncryptionType)
	setInt(&c.MaxConnections, fc.MaxConnections)
	setBool(&c.DiscoveryEnabled, fc.DiscoveryEnabled)
	setSecs(&c.DiscoveryInterval, fc.DiscoveryInterval)
	setInt(&c.IdentityTTLHours, fc.IdentityTTLHours)
	if fc.Mods != nil {
		c.Mods = fc.Mods
	}
	setStr(&c.ModsDir, fc.ModsDir)
	setStr(&c.MQTTBroker, fc.MQTTBroker)
	setStr(&c.MQTTTopic, fc.MQTTTopic)
	setBool(&c.LogJSON, fc.LogJSON)
	return nil
}

func (c *Config) applyEnv() {
	c.Name = envStr("MESH_NAME", c.Name)
	c.NodeID = envStr("MESH_NODE_ID", c.NodeID)
	c.Mode = envStr("MESH_MODE", c.Mode)
	c.ServerMode = envBool("MESH_SERVER_MODE", c.ServerMode)
	c.Transport = envStr("MESH_TRANSPORT", c.Transport)
	c.Host = envStr("MESH_HOST", c.Host)
	c.Port = envInt("MESH_PORT", c.Port)
	c.CoordinatorURL = envStr("MESH_COORDINATOR_URL", c.CoordinatorURL)
	if v := os.Getenv("MESH_BOOTSTRAP_NODES"); v != "" {
		c.BootstrapNodes = splitList(v)
	}
	c.HeartbeatInterval = envDuration("MESH_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.AgentTimeout = envDuration("MESH_AGENT_TIMEOUT", c.AgentTimeout)
	c.ConnectionTimeout = envDuration("MESH_CONNECTION_TIMEOUT", c.ConnectionTimeout)
	c.MessageTimeout = envDuration("MESH_MESSAGE_TIMEOUT", c.MessageTimeout)
	c.EncryptionEnabled = envBool("MESH_ENCRYPTION_ENABLED", c.EncryptionEnabled)
	c.EncryptionType = envStr("MESH_ENCRYPTION_TYPE", c.EncryptionType)
	c.MaxConnections = envInt("MESH_MAX_CONNECTIONS", c.MaxConnections)
	c.DiscoveryEnabled = envBool("MESH_DISCOVERY_ENABLED", c.DiscoveryEnabled)
	c.DiscoveryInterval = envDuration("MESH_DISCOVERY_INTERVAL", c.DiscoveryInterval)
	c.IdentityTTLHours = envInt("MESH_IDENTITY_TTL_HOURS", c.IdentityTTLHours)
	if v := os.Getenv("MESH_MODS"); v != "" {
		c.Mods = splitList(v)
	}
	c.ModsDir = envStr("MESH_MODS_DIR", c.ModsDir)
	c.MQTTBroker = envStr("MESH_MQTT_BROKER", c.MQTTBroker)
	c.MQTTTopic = envStr("MESH_MQTT_TOPIC", c.MQTTTopic)
	c.LogJSON = envBool("MESH_LOG_JSON", c.LogJSON)
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeCentralized, ModeDecentralized:
		// valid
	default:
		errs = append(errs, fmt.Errorf("MESH_MODE must be centralized or decentralized, got %q", c.Mode))
	}
	if c.Transport != "websocket" {
		errs = append(errs, fmt.Errorf("MESH_TRANSPORT %q is not supported (websocket only)", c.Transport))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("MESH_PORT must be in 1..65535, got %d", c.Port))
	}
	if c.Mode == ModeCentralized && !c.ServerMode && c.CoordinatorURL == "" {
		errs = append(errs, errors.New("MESH_COORDINATOR_URL is required when MESH_SERVER_MODE=false"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("MESH_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.AgentTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("MESH_AGENT_TIMEOUT (%s) must exceed MESH_HEARTBEAT_INTERVAL (%s)",
			c.AgentTimeout, c.HeartbeatInterval))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("MESH_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections))
	}
	if c.IdentityTTLHours <= 0 {
		errs = append(errs, fmt.Errorf("MESH_IDENTITY_TTL_HOURS must be > 0, got %d", c.IdentityTTLHours))
	}
	return errors.Join(errs...)
}

// IdentityTTL returns the certificate lifetime as a duration.
func (c *Config) IdentityTTL() time.Duration {
	return time.Duration(c.IdentityTTLHours) * time.Hour
}

// ListenAddr returns the host:port the transport should bind.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept either a Go duration string or a bare number of seconds.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
