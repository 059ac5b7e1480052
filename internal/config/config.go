// Package config loads the gateway node's YAML configuration file. Every
// section reuses the owning component's Config type, so the file layout
// mirrors the package layout.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/observability"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/store"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport/natsradio"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/uplink"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
	"gopkg.in/yaml.v3"
)

// Config is the whole gateway configuration.
type Config struct {
	Mesh         mesh.Config                 `yaml:"mesh"`
	Capabilities model.Capabilities          `yaml:"capabilities"`
	Logging      logging.Config              `yaml:"logging"`
	Tracing      observability.TracingConfig `yaml:"tracing"`
	Radio        natsradio.Config            `yaml:"radio"`
	Uplink       uplink.Config               `yaml:"uplink"`
	Store        store.Config                `yaml:"store"`

	// TickInterval is the control-loop period.
	TickInterval time.Duration `yaml:"tick_interval"`
	MetricsAddr  string        `yaml:"metrics_addr"` // empty disables /metrics
	APIAddr      string        `yaml:"api_addr"`     // empty disables the gRPC API
}

// Default returns a configuration suitable for a single gateway on a local
// NATS server. Mesh.ID is left unset.
func Default() Config {
	cfg := Config{
		Mesh:         mesh.DefaultConfig(),
		Capabilities: model.Capabilities{CanCoordinate: true, PowerProfile: 2, BatteryLevel: 100},
		Logging:      logging.Config{Level: "info", Format: "text"},
		Tracing:      observability.DefaultTracingConfig(),
		Store:        store.Config{Path: "meshnode.db", CheckpointInterval: time.Minute},
		TickInterval: 100 * time.Millisecond,
		MetricsAddr:  ":9090",
		APIAddr:      ":50051",
	}
	cfg.Radio.ApplyDefaults()
	cfg.Uplink.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields in every section.
func (c *Config) ApplyDefaults() {
	c.Mesh.ApplyDefaults()
	c.Radio.ApplyDefaults()
	c.Uplink.ApplyDefaults()
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = observability.DefaultTracingConfig().ServiceName
	}
	if c.TickInterval <= 0 {
		c.TickInterval = Default().TickInterval
	}
}

// ApplyEnv overlays the LOG_* and MESH_TRACING_* environment variables.
func (c *Config) ApplyEnv() {
	c.Logging = logging.ConfigFromEnv(c.Logging)
	c.Tracing = observability.TracingConfigFromEnv(c.Tracing)
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if err := c.Mesh.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mesh: %w", err))
	}
	if c.Capabilities.BatteryLevel > 100 {
		errs = append(errs, fmt.Errorf("capabilities.battery_level %d over 100", c.Capabilities.BatteryLevel))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	} else if c.Mesh.RTP.AckTimeout > 0 && c.TickInterval >= c.Mesh.RTP.AckTimeout {
		errs = append(errs, fmt.Errorf("tick_interval %s must be below mesh.rtp.ack_timeout %s",
			c.TickInterval, c.Mesh.RTP.AckTimeout))
	} else if budget := c.retryBudget(); c.Mesh.RTP.ReceiveTimeout > 0 && c.Mesh.RTP.ReceiveTimeout <= budget {
		errs = append(errs, fmt.Errorf("mesh.rtp.receive_timeout %s must exceed %s, the chunk retry budget at tick_interval %s",
			c.Mesh.RTP.ReceiveTimeout, budget, c.TickInterval))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v outside [0,1]", c.Tracing.SampleRatio))
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required for the otlp exporter"))
	}
	if c.Uplink.Enabled && c.Uplink.Broker == "" {
		errs = append(errs, errors.New("uplink.broker is required when the uplink is enabled"))
	}
	if c.Uplink.QoS > 2 {
		errs = append(errs, fmt.Errorf("uplink.qos %d over 2", c.Uplink.QoS))
	}
	return errors.Join(errs...)
}

// Load reads path over Default, rejecting unknown keys, then applies
// defaults to anything the file zeroed.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// retryBudget extends the RTP retry budget by the tick rounding each ack
// wait and each backoff wait can add on both ends of the link.
func (c Config) retryBudget() time.Duration {
	waits := 2*c.Mesh.RTP.MaxRetries + 1
	return c.Mesh.RTP.RetryBudget() + time.Duration(2*waits)*c.TickInterval
}
