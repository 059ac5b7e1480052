package model

// Resolution is a camera frame size in pixels.
type Resolution struct {
	Width  uint16 `yaml:"width" json:"width"`
	Height uint16 `yaml:"height" json:"height"`
}

// AtLeast reports whether r covers other in both dimensions.
func (r Resolution) AtLeast(other Resolution) bool {
	return r.Width >= other.Width && r.Height >= other.Height
}

// Common resolutions used by the role decision table.
var (
	ResolutionFHD  = Resolution{Width: 1920, Height: 1080}
	ResolutionUXGA = Resolution{Width: 1600, Height: 1200}
)

// Capabilities is a snapshot of the hardware facts a node advertises in
// DISCOVERY and HEARTBEAT messages. It is computed at runtime by probing the
// device rather than baked in at build time.
type Capabilities struct {
	HasAI            bool       `yaml:"has_ai" json:"has_ai"`
	HasPSRAM         bool       `yaml:"has_psram" json:"has_psram"`
	MaxResolution    Resolution `yaml:"max_resolution" json:"max_resolution"`
	AvailableStorage uint64     `yaml:"available_storage" json:"available_storage"` // bytes
	HasSD            bool       `yaml:"has_sd" json:"has_sd"`
	PowerProfile     uint8      `yaml:"power_profile" json:"power_profile"` // 0 = ultra-low ... higher = more headroom
	BatteryLevel     uint8      `yaml:"battery_level" json:"battery_level"` // 0-100
	SolarVoltage     float64    `yaml:"solar_voltage" json:"solar_voltage"` // volts
	HasCellular      bool       `yaml:"has_cellular" json:"has_cellular"`
	HasSatellite     bool       `yaml:"has_satellite" json:"has_satellite"`

	// CanCoordinate marks the node as eligible for coordinator election.
	CanCoordinate bool `yaml:"can_coordinate" json:"can_coordinate"`
}

// CapabilityProvider exposes the current capability snapshot. It is polled
// before every advertisement, so implementations must be cheap and must not
// block.
type CapabilityProvider interface {
	Capabilities() Capabilities
}

// StaticCapabilities is a CapabilityProvider that always returns the same
// snapshot. Useful for gateways and tests.
type StaticCapabilities Capabilities

// Capabilities implements CapabilityProvider.
func (s StaticCapabilities) Capabilities() Capabilities {
	return Capabilities(s)
}
