package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the parking control plane.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Hardware HardwareConfig `yaml:"hardware"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings for the device store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
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

// MetricsConfig contains the Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HardwareConfig contains the hardware control plane settings.
type HardwareConfig struct {
	// CommandTimeout bounds the wait for a response to a single command.
	// Default: 1s
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// ReadyTimeout is how long to wait for the READY: handshake after a
	// channel opens. Devices that stay silent are verified with STATUS.
	// Default: 3s
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// SettleWindow is the quiet period after a timed-out command during
	// which late responses are discarded before the next command is written.
	// Default: 100ms
	SettleWindow time.Duration `yaml:"settle_window"`

	Redundancy RedundancyConfig `yaml:"redundancy"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Events     EventsConfig     `yaml:"events"`

	// Devices seeds the device store on first start. Existing rows are
	// never overwritten so operator changes survive restarts.
	Devices []DeviceConfig `yaml:"devices"`
}

// RedundancyConfig contains retry and failover settings.
type RedundancyConfig struct {
	MaxRetries             int           `yaml:"max_retries"`
	BaseDelay              time.Duration `yaml:"base_delay"`
	FailureThresholdCount  int           `yaml:"failure_threshold_count"`
	FailureThresholdWindow time.Duration `yaml:"failure_threshold_window"`

	// AutoRestoreInterval enables periodic probing of the main device while
	// a class runs on its backup. 0 disables automatic restore.
	AutoRestoreInterval time.Duration `yaml:"auto_restore_interval"`
}

// MonitorConfig contains the real-time polling loop settings.
type MonitorConfig struct {
	DetectorInterval time.Duration `yaml:"detector_interval"`
	CameraFPS        int           `yaml:"camera_fps"`
	CameraTimeout    time.Duration `yaml:"camera_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
}

// CameraInterval returns the camera polling period derived from the frame rate.
func (m MonitorConfig) CameraInterval() time.Duration {
	if m.CameraFPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(m.CameraFPS)
}

// EventsConfig contains event bus settings.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// DeviceConfig is one device entry in the seed list.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Class    string `yaml:"class"`
	Endpoint string `yaml:"endpoint"`
	Baud     int    `yaml:"baud,omitempty"`
	Backup   bool   `yaml:"backup"`
	Active   bool   `yaml:"active"`
}

// validClasses mirrors device.Class values. Kept here so config has no
// dependency on the domain packages.
var validClasses = map[string]bool{
	"gate":          true,
	"camera":        true,
	"loop_detector": true,
	"printer":       true,
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PARKGATE_SECTION_KEY
// For example: PARKGATE_DATABASE_PATH, PARKGATE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Parking",
		},
		Database: DatabaseConfig{
			Path:        "./data/parkgate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "parkgate-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
			Path:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Hardware: HardwareConfig{
			CommandTimeout: time.Second,
			ReadyTimeout:   3 * time.Second,
			SettleWindow:   100 * time.Millisecond,
			Redundancy: RedundancyConfig{
				MaxRetries:             3,
				BaseDelay:              200 * time.Millisecond,
				FailureThresholdCount:  3,
				FailureThresholdWindow: 5 * time.Minute,
			},
			Monitor: MonitorConfig{
				DetectorInterval: 100 * time.Millisecond,
				CameraFPS:        30,
				CameraTimeout:    2 * time.Second,
				MaxRetries:       2,
				BaseDelay:        50 * time.Millisecond,
			},
			Events: EventsConfig{
				QueueSize: 64,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PARKGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARKGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("PARKGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PARKGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PARKGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("PARKGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("PARKGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	errs = append(errs, c.Hardware.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate checks the hardware section and returns every problem found.
func (h *HardwareConfig) validate() []string {
	var errs []string

	if h.CommandTimeout <= 0 {
		errs = append(errs, "hardware.command_timeout must be positive")
	}
	if h.Redundancy.MaxRetries < 1 {
		errs = append(errs, "hardware.redundancy.max_retries must be at least 1")
	}
	if h.Redundancy.BaseDelay < 0 {
		errs = append(errs, "hardware.redundancy.base_delay cannot be negative")
	}
	if h.Redundancy.FailureThresholdCount < 1 {
		errs = append(errs, "hardware.redundancy.failure_threshold_count must be at least 1")
	}
	if h.Redundancy.FailureThresholdWindow <= 0 {
		errs = append(errs, "hardware.redundancy.failure_threshold_window must be positive")
	}
	if h.Monitor.DetectorInterval <= 0 {
		errs = append(errs, "hardware.monitor.detector_interval must be positive")
	}
	if h.Monitor.CameraFPS < 1 || h.Monitor.CameraFPS > 60 {
		errs = append(errs, "hardware.monitor.camera_fps must be between 1 and 60")
	}
	if h.Events.QueueSize < 1 {
		errs = append(errs, "hardware.events.queue_size must be at least 1")
	}

	seen := make(map[string]bool, len(h.Devices))
	for i, d := range h.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
		if !validClasses[d.Class] {
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].class %q is not one of gate, camera, loop_detector, printer", i, d.Class))
		}
		if d.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].endpoint is required", i))
		}
	}

	return errs
}
