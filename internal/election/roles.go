package election

import "github.com/thewriterben/WildCAM-ESP32-sub000/model"

// Decision table thresholds.
const (
	minAIBattery      = 30
	lowBattery        = 30
	relayBattery      = 50
	relaySolarVoltage = 4.0
	hubMinStorage     = 1 << 20
	stealthMaxProfile = 1
)

// DetermineOptimalRole maps a capability snapshot to a role. The first
// matching rule wins:
//
//  1. AI + PSRAM + at least 1920x1080 + battery >= 30%  -> AI_PROCESSOR
//  2. at least 1600x1200 + more than 1 MB storage + SD  -> HUB
//  3. power profile <= 1 or battery < 30%               -> STEALTH
//  4. cellular or satellite uplink                      -> PORTABLE
//  5. solar > 4.0 V and battery > 50%                   -> RELAY
//  6. otherwise                                         -> NODE
func DetermineOptimalRole(c model.Capabilities) model.Role {
	switch {
	case c.HasAI && c.HasPSRAM && c.MaxResolution.AtLeast(model.ResolutionFHD) && c.BatteryLevel >= minAIBattery:
		return model.RoleAIProcessor
	case c.MaxResolution.AtLeast(model.ResolutionUXGA) && c.AvailableStorage > hubMinStorage && c.HasSD:
		return model.RoleHub
	case c.PowerProfile <= stealthMaxProfile || c.BatteryLevel < lowBattery:
		return model.RoleStealth
	case c.HasCellular || c.HasSatellite:
		return model.RolePortable
	case c.SolarVoltage > relaySolarVoltage && c.BatteryLevel > relayBattery:
		return model.RoleRelay
	default:
		return model.RoleNode
	}
}

// materialKey buckets the capability fields the decision table looks at.
// Two snapshots with equal keys always map to the same role, so the
// assigner only re-evaluates when the key moves.
type materialKey struct {
	batteryBand  uint8
	flags        uint8
	lowPower     bool
	fhd          bool
	uxga         bool
	bigStorage   bool
	solarCharged bool
}

func keyOf(c model.Capabilities) materialKey {
	k := materialKey{
		lowPower:     c.PowerProfile <= stealthMaxProfile,
		fhd:          c.MaxResolution.AtLeast(model.ResolutionFHD),
		uxga:         c.MaxResolution.AtLeast(model.ResolutionUXGA),
		bigStorage:   c.AvailableStorage > hubMinStorage,
		solarCharged: c.SolarVoltage > relaySolarVoltage,
	}
	switch {
	case c.BatteryLevel < lowBattery:
		k.batteryBand = 0
	case c.BatteryLevel <= relayBattery:
		k.batteryBand = 1
	default:
		k.batteryBand = 2
	}
	for i, set := range []bool{c.HasAI, c.HasPSRAM, c.HasSD, c.HasCellular, c.HasSatellite} {
		if set {
			k.flags |= 1 << i
		}
	}
	return k
}
