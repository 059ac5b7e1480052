package discovery

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the discovery and topology timers.
type Config struct {
	DiscoveryInterval     time.Duration `yaml:"discovery_interval"`
	DiscoveryWindow       time.Duration `yaml:"discovery_window"`
	MaxDiscoveryWindow    time.Duration `yaml:"max_discovery_window"`
	AdvertisementInterval time.Duration `yaml:"advertisement_interval"`
	NodeTimeout           time.Duration `yaml:"node_timeout"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
	MaxNodes              int           `yaml:"max_nodes"`
	MaxExpectedHops       float64       `yaml:"max_expected_hops"`
	// MaxFrameSize bounds each TOPOLOGY_UPDATE frame; larger tables are
	// split across several frames.
	MaxFrameSize int `yaml:"max_frame_size"`
}

// DefaultConfig returns the field defaults for a LoRa deployment.
func DefaultConfig() Config {
	return Config{
		DiscoveryInterval:     30 * time.Second,
		DiscoveryWindow:       90 * time.Second,
		MaxDiscoveryWindow:    300 * time.Second,
		AdvertisementInterval: 60 * time.Second,
		NodeTimeout:           300 * time.Second,
		CleanupInterval:       120 * time.Second,
		MaxNodes:              50,
		MaxExpectedHops:       5,
		MaxFrameSize:          255,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = d.DiscoveryInterval
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = d.DiscoveryWindow
	}
	if c.MaxDiscoveryWindow <= 0 {
		c.MaxDiscoveryWindow = d.MaxDiscoveryWindow
	}
	if c.AdvertisementInterval <= 0 {
		c.AdvertisementInterval = d.AdvertisementInterval
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = d.NodeTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = d.MaxNodes
	}
	if c.MaxExpectedHops <= 0 {
		c.MaxExpectedHops = d.MaxExpectedHops
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
}

// Validate checks the timer relationships.
func (c Config) Validate() error {
	var errs []error
	if c.MaxDiscoveryWindow < c.DiscoveryWindow {
		errs = append(errs, fmt.Errorf("max_discovery_window %s shorter than discovery_window %s", c.MaxDiscoveryWindow, c.DiscoveryWindow))
	}
	if c.NodeTimeout <= c.AdvertisementInterval {
		errs = append(errs, fmt.Errorf("node_timeout %s must exceed advertisement_interval %s", c.NodeTimeout, c.AdvertisementInterval))
	}
	if c.MaxFrameSize < 64 {
		errs = append(errs, fmt.Errorf("max_frame_size %d too small for a topology update", c.MaxFrameSize))
	}
	return errors.Join(errs...)
}
