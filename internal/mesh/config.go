package mesh

import (
	"errors"
	"fmt"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/discovery"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/election"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/nodefsm"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/outbound"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// Config is everything a mesh node needs besides its dependencies.
type Config struct {
	ID        model.NodeID            `yaml:"id"`
	Discovery discovery.Config        `yaml:"discovery"`
	Roles     election.AssignerConfig `yaml:"roles"`
	Node      nodefsm.Config          `yaml:"node"`
	RTP       rtp.Config              `yaml:"rtp"`
	Outbound  outbound.Config         `yaml:"outbound"`
	// MaxReceivePerTick bounds how many frames one Tick drains from the
	// radio so a flood cannot starve the timers.
	MaxReceivePerTick int `yaml:"max_receive_per_tick"`
}

// DefaultConfig returns defaults for every section. ID is left unset.
func DefaultConfig() Config {
	return Config{
		Discovery:         discovery.DefaultConfig(),
		Roles:             election.DefaultAssignerConfig(),
		Node:              nodefsm.Config{AutonomousMode: true},
		RTP:               rtp.DefaultConfig(),
		Outbound:          outbound.DefaultConfig(),
		MaxReceivePerTick: 32,
	}
}

// ApplyDefaults fills zero fields in every section.
func (c *Config) ApplyDefaults() {
	c.Discovery.ApplyDefaults()
	c.Roles.ApplyDefaults()
	c.RTP.ApplyDefaults()
	c.Outbound.ApplyDefaults()
	if c.MaxReceivePerTick <= 0 {
		c.MaxReceivePerTick = DefaultConfig().MaxReceivePerTick
	}
}

// Validate checks each section and the cross-section frame budget: a full
// DATA chunk must fit in one radio frame.
func (c Config) Validate() error {
	var errs []error
	if c.ID == model.NoNode {
		errs = append(errs, errors.New("id must be non-zero"))
	}
	if err := c.Discovery.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("discovery: %w", err))
	}
	if err := c.RTP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rtp: %w", err))
	}
	if c.RTP.ChunkSize > 0 {
		worst := protocol.Data(c.ID, model.NodeID(0xFFFFFFFF), 0xFFFFFFFF, 0xFFFE, 0xFFFF, make([]byte, c.RTP.ChunkSize))
		if size := protocol.EncodedSize(worst); c.Outbound.MaxFrameSize > 0 && size > c.Outbound.MaxFrameSize {
			errs = append(errs, fmt.Errorf("rtp.chunk_size %d encodes to %d bytes, over outbound.max_frame_size %d",
				c.RTP.ChunkSize, size, c.Outbound.MaxFrameSize))
		}
	}
	if c.Discovery.MaxFrameSize > c.Outbound.MaxFrameSize && c.Outbound.MaxFrameSize > 0 {
		errs = append(errs, fmt.Errorf("discovery.max_frame_size %d over outbound.max_frame_size %d",
			c.Discovery.MaxFrameSize, c.Outbound.MaxFrameSize))
	}
	return errors.Join(errs...)
}
