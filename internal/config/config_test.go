package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
mesh:
  id: 7
  discovery:
    discovery_window: 2m
  rtp:
    chunk_size: 180
capabilities:
  battery_level: 45
  solar_voltage: 4.6
  can_coordinate: true
uplink:
  enabled: true
  broker: tcp://broker.local:1883
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, model.NodeID(7), cfg.Mesh.ID)
	require.Equal(t, 2*time.Minute, cfg.Mesh.Discovery.DiscoveryWindow)
	require.Equal(t, 30*time.Second, cfg.Mesh.Discovery.DiscoveryInterval)
	require.Equal(t, 180, cfg.Mesh.RTP.ChunkSize)
	require.Equal(t, 3, cfg.Mesh.RTP.MaxRetries)
	require.True(t, cfg.Mesh.Node.AutonomousMode)
	require.Equal(t, uint8(45), cfg.Capabilities.BatteryLevel)
	require.Equal(t, "wildcam/mesh", cfg.Uplink.TopicPrefix)
	require.Equal(t, 100*time.Millisecond, cfg.TickInterval)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("mesh:\n  idd: 7\n"))
	require.Error(t, err)
}

func TestEmptyDocumentIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default().APIAddr, cfg.APIAddr)
	require.Error(t, cfg.Validate(), "default config has no node id")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "meshnode.yaml")

	cfg := Default()
	cfg.Mesh.ID = 3
	cfg.Mesh.RTP.AckTimeout = 4 * time.Second
	cfg.Capabilities.HasSD = true
	cfg.Radio.Subject = "lora.field"
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Mesh.ID = 1
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "slow tick", mutate: func(c *Config) { c.TickInterval = c.Mesh.RTP.AckTimeout }},
		{name: "chunk over frame", mutate: func(c *Config) { c.Mesh.RTP.ChunkSize = 250 }},
		{name: "receive timeout under tick slack", mutate: func(c *Config) {
			c.TickInterval = 2 * time.Second
			c.Mesh.RTP.ReceiveTimeout = c.Mesh.RTP.RetryBudget() + time.Second
		}},
		{name: "battery", mutate: func(c *Config) { c.Capabilities.BatteryLevel = 120 }},
		{name: "sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 1.5 }},
		{name: "otlp endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = ""
		}},
		{name: "uplink broker", mutate: func(c *Config) {
			c.Uplink.Enabled = true
			c.Uplink.Broker = ""
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MESH_TRACING_ENABLED", "true")

	cfg := Default()
	cfg.ApplyEnv()
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Tracing.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
