package rtp

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
)

// Config tunes the reliable transmission protocol.
type Config struct {
	ChunkSize           int           `yaml:"chunk_size"`
	WindowSize          int           `yaml:"window_size"`
	MaxRetries          int           `yaml:"max_retries"`
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	ReceiveTimeout      time.Duration `yaml:"receive_timeout"`
	TransmissionTimeout time.Duration `yaml:"transmission_timeout"`
	Retention           time.Duration `yaml:"retention"`
	MaxQueued           int           `yaml:"max_queued"`
	// DedupSize is how many completed inbound transmissions are remembered
	// to suppress duplicate delivery.
	DedupSize int `yaml:"dedup_size"`
}

// DefaultConfig returns the field defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           200,
		WindowSize:          2,
		MaxRetries:          3,
		AckTimeout:          3 * time.Second,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          8 * time.Second,
		RandomizationFactor: 0.2,
		ReceiveTimeout:      60 * time.Second,
		TransmissionTimeout: 10 * time.Minute,
		Retention:           60 * time.Second,
		MaxQueued:           8,
		DedupSize:           128,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor >= 1 {
		c.RandomizationFactor = d.RandomizationFactor
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.TransmissionTimeout <= 0 {
		c.TransmissionTimeout = d.TransmissionTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = d.MaxQueued
	}
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
}

// RetryBudget is the longest a sender can keep one chunk alive: every
// attempt waits AckTimeout and every resend first waits the largest
// randomized backoff interval, capped at MaxBackoff.
func (c Config) RetryBudget() time.Duration {
	budget := c.AckTimeout * time.Duration(c.MaxRetries+1)
	interval := float64(c.InitialBackoff)
	for i := 0; i < c.MaxRetries; i++ {
		capped := math.Min(interval, float64(c.MaxBackoff))
		budget += time.Duration(capped * (1 + c.RandomizationFactor))
		interval *= backoff.DefaultMultiplier
	}
	return budget
}

// Validate checks bounds and the timer relationship between sender and
// receiver: a receiver must hold partial transfers longer than a sender can
// spend retrying one chunk.
func (c Config) Validate() error {
	var errs []error
	if c.ChunkSize < 1 || c.ChunkSize > protocol.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk_size %d outside 1..%d", c.ChunkSize, protocol.MaxChunkSize))
	}
	if c.WindowSize < 1 || c.WindowSize > 4 {
		errs = append(errs, fmt.Errorf("window_size %d outside 1..4", c.WindowSize))
	}
	if c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, fmt.Errorf("max_backoff %s below initial_backoff %s", c.MaxBackoff, c.InitialBackoff))
	}
	if limit := c.RetryBudget(); c.ReceiveTimeout <= limit {
		errs = append(errs, fmt.Errorf("receive_timeout %s must exceed the per-chunk retry budget %s", c.ReceiveTimeout, limit))
	}
	return errors.Join(errs...)
}
