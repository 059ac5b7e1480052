// Package scenario runs many simulated mesh nodes over the in-memory radio
// medium on one shared clock, and injects scripted faults along the way:
// silenced radios, battery drops, partitions, channel loss and payload
// submissions.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
	"gopkg.in/yaml.v3"
)

// EventKind names a scripted fault or action.
type EventKind string

const (
	// EventSilence stops a node's radio from transmitting. It keeps
	// listening, so peers see it vanish while it still sees them.
	EventSilence EventKind = "silence"
	// EventRestore undoes EventSilence.
	EventRestore EventKind = "restore"
	// EventBattery sets a node's advertised battery level.
	EventBattery EventKind = "battery"
	// EventPartition cuts every link between two groups of nodes.
	EventPartition EventKind = "partition"
	// EventHeal restores the links cut by EventPartition.
	EventHeal EventKind = "heal"
	// EventLoss sets the channel-wide frame loss probability.
	EventLoss EventKind = "loss"
	// EventSubmit has a node submit a payload of Size bytes to its
	// coordinator.
	EventSubmit EventKind = "submit"
)

// Event is one scripted action, applied At after the scenario starts.
type Event struct {
	At      time.Duration    `yaml:"at"`
	Kind    EventKind        `yaml:"kind"`
	Node    model.NodeID     `yaml:"node,omitempty"`
	Battery uint8            `yaml:"battery,omitempty"`
	Size    int              `yaml:"size,omitempty"`
	Loss    float64          `yaml:"loss,omitempty"`
	Groups  [][]model.NodeID `yaml:"groups,omitempty"`
}

// NodeSpec declares one simulated node.
type NodeSpec struct {
	ID           model.NodeID       `yaml:"id"`
	Capabilities model.Capabilities `yaml:"capabilities"`
}

// Script is a complete scenario.
type Script struct {
	Duration time.Duration `yaml:"duration"`
	Tick     time.Duration `yaml:"tick"`
	Seed     int64         `yaml:"seed"`
	// Loss is the initial channel-wide frame loss probability.
	Loss float64 `yaml:"loss"`
	// Mesh is the configuration template shared by every node; ID is set
	// per node.
	Mesh   mesh.Config `yaml:"mesh"`
	Nodes  []NodeSpec  `yaml:"nodes"`
	Events []Event     `yaml:"events"`
}

// DefaultScript returns an empty scenario with the field defaults.
func DefaultScript() Script {
	return Script{
		Duration: 10 * time.Minute,
		Tick:     500 * time.Millisecond,
		Seed:     1,
		Mesh:     mesh.DefaultConfig(),
	}
}

// Field returns a scenario of n nodes with IDs 1..n cycling through five
// hardware profiles, so that every non-coordinator role shows up once the
// coordinator has assessed the field.
func Field(n int) Script {
	s := DefaultScript()
	for i := 1; i <= n; i++ {
		s.Nodes = append(s.Nodes, NodeSpec{ID: model.NodeID(i), Capabilities: profile(i)})
	}
	return s
}

func profile(i int) model.Capabilities {
	caps := model.Capabilities{
		MaxResolution:    model.Resolution{Width: 800, Height: 600},
		AvailableStorage: 512 << 10,
		PowerProfile:     2,
		BatteryLevel:     60,
		SolarVoltage:     3.2,
		CanCoordinate:    true,
	}
	switch (i - 1) % 5 {
	case 1: // solar relay
		caps.SolarVoltage = 4.6
		caps.BatteryLevel = 85
	case 2: // cellular backhaul
		caps.HasCellular = true
	case 3: // storage hub
		caps.MaxResolution = model.Resolution{Width: 1600, Height: 1200}
		caps.AvailableStorage = 32 << 20
		caps.HasSD = true
	case 4: // on-device classifier
		caps.HasAI = true
		caps.HasPSRAM = true
		caps.MaxResolution = model.Resolution{Width: 1920, Height: 1080}
		caps.BatteryLevel = 75
	}
	return caps
}

// ApplyDefaults fills zero timing fields and the mesh template.
func (s *Script) ApplyDefaults() {
	def := DefaultScript()
	if s.Duration <= 0 {
		s.Duration = def.Duration
	}
	if s.Tick <= 0 {
		s.Tick = def.Tick
	}
	s.Mesh.ApplyDefaults()
}

// Validate checks node declarations and that every event is applicable.
func (s Script) Validate() error {
	var errs []error
	if s.Duration <= 0 {
		errs = append(errs, errors.New("duration must be positive"))
	}
	if s.Tick <= 0 {
		errs = append(errs, errors.New("tick must be positive"))
	}
	if s.Loss < 0 || s.Loss >= 1 {
		errs = append(errs, fmt.Errorf("loss %v outside [0,1)", s.Loss))
	}
	if len(s.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node is required"))
	}

	known := make(map[model.NodeID]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == model.NoNode {
			errs = append(errs, errors.New("node id must be non-zero"))
			continue
		}
		if known[n.ID] {
			errs = append(errs, fmt.Errorf("node %s declared twice", n.ID))
		}
		known[n.ID] = true
		cfg := s.Mesh
		cfg.ID = n.ID
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID, err))
		}
	}

	for i, ev := range s.Events {
		if err := ev.validate(known, s.Duration); err != nil {
			errs = append(errs, fmt.Errorf("event %d (%s at %s): %w", i, ev.Kind, ev.At, err))
		}
	}
	return errors.Join(errs...)
}

func (ev Event) validate(known map[model.NodeID]bool, duration time.Duration) error {
	if ev.At < 0 || ev.At > duration {
		return fmt.Errorf("at outside [0, %s]", duration)
	}
	needNode := func() error {
		if !known[ev.Node] {
			return fmt.Errorf("unknown node %s", ev.Node)
		}
		return nil
	}
	switch ev.Kind {
	case EventSilence, EventRestore:
		return needNode()
	case EventBattery:
		if ev.Battery > 100 {
			return fmt.Errorf("battery %d over 100", ev.Battery)
		}
		return needNode()
	case EventSubmit:
		if ev.Size <= 0 {
			return errors.New("size must be positive")
		}
		return needNode()
	case EventLoss:
		if ev.Loss < 0 || ev.Loss >= 1 {
			return fmt.Errorf("loss %v outside [0,1)", ev.Loss)
		}
		return nil
	case EventPartition, EventHeal:
		if len(ev.Groups) != 2 {
			return fmt.Errorf("want 2 groups, got %d", len(ev.Groups))
		}
		for _, g := range ev.Groups {
			for _, id := range g {
				if !known[id] {
					return fmt.Errorf("unknown node %s", id)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// ParseScript decodes a YAML scenario over DefaultScript.
func ParseScript(data []byte) (Script, error) {
	s := DefaultScript()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Script{}, fmt.Errorf("parse scenario: %w", err)
	}
	s.ApplyDefaults()
	return s, nil
}

// LoadScript reads and decodes a YAML scenario file.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScript(data)
}
