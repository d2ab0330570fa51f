package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for PrintMesh Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Fleet    FleetConfig    `yaml:"fleet"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Transfer TransferConfig `yaml:"transfer"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// FleetConfig contains fleet-level identification.
type FleetConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
// Token is sent as the MQTT password when Username is set.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Token    string `yaml:"token"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	// Interval is the ceiling on the reconnect backoff, in milliseconds.
	Interval int `yaml:"interval"`

	// ConnectTimeout is the handshake timeout for the initial connection, in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`
}

// ProtocolConfig contains request/response protocol settings.
type ProtocolConfig struct {
	// RequestTimeout is the default per-request timeout in seconds.
	// Individual operations may override it per call.
	RequestTimeout int `yaml:"request_timeout"`
}

// TransferConfig contains chunked upload settings.
type TransferConfig struct {
	// ChunkSize is the payload size per upload chunk in bytes.
	ChunkSize int `yaml:"chunk_size"`

	// CommitTimeout is how long to wait for the device's commit result, in seconds.
	CommitTimeout int `yaml:"commit_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PRINTMESH_SECTION_KEY
// For example: PRINTMESH_MQTT_HOST, PRINTMESH_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Fleet: FleetConfig{
			ID:   "fleet-001",
			Name: "PrintMesh",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "printmesh-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				Interval:       3000,
				ConnectTimeout: 10,
			},
		},
		Protocol: ProtocolConfig{
			RequestTimeout: 10,
		},
		Transfer: TransferConfig{
			ChunkSize:     32 * 1024,
			CommitTimeout: 20,
		},
		Database: DatabaseConfig{
			Path:        "./data/printmesh.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PRINTMESH_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("PRINTMESH_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PRINTMESH_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("PRINTMESH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PRINTMESH_MQTT_TOKEN"); v != "" {
		cfg.MQTT.Auth.Token = v
	}

	// Database
	if v := os.Getenv("PRINTMESH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("PRINTMESH_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Fleet validation
	if c.Fleet.ID == "" {
		errs = append(errs, "fleet.id is required")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.Interval < 0 {
		errs = append(errs, "mqtt.reconnect.interval must not be negative")
	}

	// Protocol validation
	if c.Protocol.RequestTimeout < 1 {
		errs = append(errs, "protocol.request_timeout must be at least 1 second")
	}

	// Transfer validation
	if c.Transfer.ChunkSize < 1 {
		errs = append(errs, "transfer.chunk_size must be positive")
	}
	if c.Transfer.CommitTimeout < 1 {
		errs = append(errs, "transfer.commit_timeout must be at least 1 second")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// InfluxDB validation (only when enabled)
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set PRINTMESH_INFLUXDB_TOKEN)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReconnectInterval returns the reconnect delay as a Duration.
func (c *MQTTConfig) GetReconnectInterval() time.Duration {
	return time.Duration(c.Reconnect.Interval) * time.Millisecond
}

// GetConnectTimeout returns the connect handshake timeout as a Duration.
func (c *MQTTConfig) GetConnectTimeout() time.Duration {
	return time.Duration(c.Reconnect.ConnectTimeout) * time.Second
}

// GetRequestTimeout returns the default request timeout as a Duration.
func (c *ProtocolConfig) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// GetCommitTimeout returns the upload commit timeout as a Duration.
func (c *TransferConfig) GetCommitTimeout() time.Duration {
	return time.Duration(c.CommitTimeout) * time.Second
}
