package election

import (
	"math/rand"
	"testing"

	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

func TestDetermineOptimalRoleTable(t *testing.T) {
	aiCam := model.Capabilities{
		HasAI: true, HasPSRAM: true, MaxResolution: model.ResolutionFHD,
		BatteryLevel: 30, PowerProfile: 3,
	}
	hubCam := model.Capabilities{
		MaxResolution: model.ResolutionUXGA, AvailableStorage: 2 << 20, HasSD: true,
		BatteryLevel: 80, PowerProfile: 3,
	}

	cases := []struct {
		name string
		caps model.Capabilities
		want model.Role
	}{
		{"ai processor at battery floor", aiCam, model.RoleAIProcessor},
		{"ai without psram falls through", func() model.Capabilities { c := aiCam; c.HasPSRAM = false; return c }(), model.RoleNode},
		{"ai with low battery is stealth", func() model.Capabilities { c := aiCam; c.BatteryLevel = 29; return c }(), model.RoleStealth},
		{"hub", hubCam, model.RoleHub},
		{"hub needs more than 1MB", func() model.Capabilities { c := hubCam; c.AvailableStorage = 1 << 20; return c }(), model.RoleNode},
		{"hub beats stealth", func() model.Capabilities { c := hubCam; c.BatteryLevel = 5; return c }(), model.RoleHub},
		{"ultra low power profile", model.Capabilities{PowerProfile: 1, BatteryLevel: 90, HasCellular: true}, model.RoleStealth},
		{"low battery", model.Capabilities{PowerProfile: 4, BatteryLevel: 15}, model.RoleStealth},
		{"cellular", model.Capabilities{PowerProfile: 2, BatteryLevel: 70, HasCellular: true}, model.RolePortable},
		{"satellite beats relay", model.Capabilities{PowerProfile: 2, BatteryLevel: 70, HasSatellite: true, SolarVoltage: 5}, model.RolePortable},
		{"relay", model.Capabilities{PowerProfile: 2, BatteryLevel: 51, SolarVoltage: 4.1}, model.RoleRelay},
		{"relay needs battery above 50", model.Capabilities{PowerProfile: 2, BatteryLevel: 50, SolarVoltage: 4.1}, model.RoleNode},
		{"relay needs solar above 4V", model.Capabilities{PowerProfile: 2, BatteryLevel: 90, SolarVoltage: 4.0}, model.RoleNode},
		{"plain node", model.Capabilities{PowerProfile: 2, BatteryLevel: 60}, model.RoleNode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetermineOptimalRole(tc.caps); got != tc.want {
				t.Fatalf("DetermineOptimalRole = %s, want %s", got, tc.want)
			}
		})
	}
}

func randomCaps(rng *rand.Rand) model.Capabilities {
	resolutions := []model.Resolution{{Width: 640, Height: 480}, model.ResolutionUXGA, model.ResolutionFHD, {Width: 2592, Height: 1944}}
	return model.Capabilities{
		HasAI:            rng.Intn(2) == 0,
		HasPSRAM:         rng.Intn(2) == 0,
		MaxResolution:    resolutions[rng.Intn(len(resolutions))],
		AvailableStorage: uint64(rng.Intn(4 << 20)),
		HasSD:            rng.Intn(2) == 0,
		PowerProfile:     uint8(rng.Intn(5)),
		BatteryLevel:     uint8(rng.Intn(101)),
		SolarVoltage:     rng.Float64() * 6,
		HasCellular:      rng.Intn(4) == 0,
		HasSatellite:     rng.Intn(8) == 0,
	}
}

func TestDetermineOptimalRoleDeterministic(t *testing.T) {
	allowed := map[model.Role]bool{
		model.RoleNode: true, model.RoleHub: true, model.RoleRelay: true,
		model.RoleAIProcessor: true, model.RoleStealth: true, model.RolePortable: true,
	}
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 20000; i++ {
		caps := randomCaps(rng)
		first := DetermineOptimalRole(caps)
		if !allowed[first] {
			t.Fatalf("unexpected role %s for %+v", first, caps)
		}
		if again := DetermineOptimalRole(caps); again != first {
			t.Fatalf("non-deterministic result for %+v: %s then %s", caps, first, again)
		}
	}
}

func TestMaterialKeyDeterminesRole(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	byKey := make(map[materialKey]model.Role)
	for i := 0; i < 50000; i++ {
		caps := randomCaps(rng)
		role := DetermineOptimalRole(caps)
		k := keyOf(caps)
		if prev, ok := byKey[k]; ok && prev != role {
			t.Fatalf("key %+v maps to both %s and %s", k, prev, role)
		}
		byKey[k] = role
	}
}
