package scenario

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/nodefsm"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/observability"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

func TestParseScript(t *testing.T) {
	s, err := ParseScript([]byte(`
duration: 8m
seed: 7
nodes:
  - id: 4
    capabilities: {battery_level: 70, can_coordinate: true}
  - id: 9
    capabilities: {has_cellular: true, battery_level: 55}
events:
  - {at: 2m, kind: battery, node: 9, battery: 12}
  - {at: 3m, kind: partition, groups: [[4], [9]]}
  - {at: 4m, kind: heal, groups: [[4], [9]]}
  - {at: 5m, kind: submit, node: 9, size: 600}
`))
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	require.Equal(t, 8*time.Minute, s.Duration)
	require.Equal(t, 500*time.Millisecond, s.Tick)
	require.Equal(t, 30*time.Second, s.Mesh.Discovery.DiscoveryInterval)
	require.Len(t, s.Events, 4)
	require.Equal(t, EventPartition, s.Events[1].Kind)
	require.Equal(t, [][]model.NodeID{{4}, {9}}, s.Events[1].Groups)
}

func TestScriptValidate(t *testing.T) {
	base := Field(2)
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Script)
	}{
		{name: "no nodes", mutate: func(s *Script) { s.Nodes = nil }},
		{name: "duplicate id", mutate: func(s *Script) { s.Nodes[1].ID = s.Nodes[0].ID }},
		{name: "zero id", mutate: func(s *Script) { s.Nodes[0].ID = model.NoNode }},
		{name: "loss", mutate: func(s *Script) { s.Loss = 1 }},
		{name: "unknown node", mutate: func(s *Script) {
			s.Events = []Event{{At: time.Minute, Kind: EventSilence, Node: 42}}
		}},
		{name: "late event", mutate: func(s *Script) {
			s.Events = []Event{{At: s.Duration + time.Second, Kind: EventSilence, Node: 1}}
		}},
		{name: "one group", mutate: func(s *Script) {
			s.Events = []Event{{At: time.Minute, Kind: EventPartition, Groups: [][]model.NodeID{{1}}}}
		}},
		{name: "empty submit", mutate: func(s *Script) {
			s.Events = []Event{{At: time.Minute, Kind: EventSubmit, Node: 1}}
		}},
		{name: "unknown kind", mutate: func(s *Script) {
			s.Events = []Event{{At: time.Minute, Kind: "flood"}}
		}},
		{name: "chunk over frame", mutate: func(s *Script) { s.Mesh.RTP.ChunkSize = 250 }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := Field(2)
			tc.mutate(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestFieldConvergesWithRoles(t *testing.T) {
	sim, err := New(Field(5))
	require.NoError(t, err)

	report, err := sim.Run(context.Background())
	require.NoError(t, err)

	coord, ok := report.Converged()
	require.True(t, ok)
	require.Equal(t, model.NodeID(1), coord)

	want := map[model.NodeID]model.Role{
		1: model.RoleCoordinator,
		2: model.RoleRelay,
		3: model.RolePortable,
		4: model.RoleHub,
		5: model.RoleAIProcessor,
	}
	for _, n := range report.Nodes {
		require.Equal(t, want[n.ID], n.Role, "node %s", n.ID)
		require.Equal(t, nodefsm.StateActive, n.State, "node %s", n.ID)
		require.Equal(t, 4, n.ActivePeers, "node %s", n.ID)
	}
	require.Equal(t, 4, report.RoleChanges)
}

func TestScriptedSubmissionAndBatteryDrop(t *testing.T) {
	script := Field(3)
	script.Duration = 6 * time.Minute
	script.Events = []Event{
		{At: 2 * time.Minute, Kind: EventSubmit, Node: 3, Size: 1000},
		{At: 3 * time.Minute, Kind: EventBattery, Node: 3, Battery: 10},
	}

	collector, err := observability.NewScenarioCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	var transcript bytes.Buffer
	sim, err := New(script, WithTranscript(&transcript), WithCollector(collector))
	require.NoError(t, err)

	report, err := sim.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, report.Events)
	require.Equal(t, 1, report.PayloadsDelivered)
	require.Equal(t, uint64(1000), report.BytesDelivered)
	require.Equal(t, 1, report.TransmissionsCompleted)
	require.Zero(t, report.TransmissionsFailed)

	n3, ok := sim.Node(3)
	require.True(t, ok)
	require.Equal(t, model.RoleStealth, n3.Role())

	out := transcript.String()
	require.Contains(t, out, "submitted 1.0 kB as transmission 1")
	require.Contains(t, out, "received 1.0 kB from node-3")
	require.Contains(t, out, "role STEALTH assigned by node-1")

	require.Equal(t, float64(1), testutil.ToFloat64(collector.Events.WithLabelValues("submit")))
	require.Equal(t, float64(1), testutil.ToFloat64(collector.Events.WithLabelValues("battery")))
	require.Equal(t, float64(360), testutil.ToFloat64(collector.SimSeconds))
	require.Equal(t, float64(3), testutil.ToFloat64(collector.Nodes))

	var summary bytes.Buffer
	_, err = report.WriteTo(&summary)
	require.NoError(t, err)
	require.Contains(t, summary.String(), "converged on coordinator node-1")
}

func TestSilencedCoordinatorIsReplaced(t *testing.T) {
	script := Field(3)
	script.Duration = 16 * time.Minute
	script.Events = []Event{{At: 3 * time.Minute, Kind: EventSilence, Node: 1}}

	sim, err := New(script)
	require.NoError(t, err)
	report, err := sim.Run(context.Background())
	require.NoError(t, err)

	coord, ok := report.Converged()
	require.True(t, ok)
	require.Equal(t, model.NodeID(2), coord)
	require.True(t, report.Nodes[0].Silenced)

	n2, _ := sim.Node(2)
	require.Equal(t, model.RoleCoordinator, n2.Role())
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	sim, err := New(Field(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := sim.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, report.Elapsed)
}

func TestLossyChannelStillConverges(t *testing.T) {
	script := Field(4)
	script.Loss = 0.2
	script.Seed = 42
	sim, err := New(script)
	require.NoError(t, err)

	ok := sim.RunUntil(10*time.Minute, func() bool {
		coord, ok := sim.Report().Converged()
		return ok && coord == 1
	})
	require.True(t, ok)
	_, _, dropped := sim.medium.Stats()
	require.NotZero(t, dropped)
}
