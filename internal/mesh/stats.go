package mesh

import (
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/discovery"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/election"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/nodefsm"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/outbound"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// Stats is a point-in-time view of a node's counters and gauges. Counters
// are cumulative since the node was created.
type Stats struct {
	Node        model.NodeID
	State       nodefsm.State
	Discovery   discovery.State
	Role        model.Role
	Coordinator model.NodeID

	Peers           int
	ActivePeers     int
	Health          float64
	Stable          bool
	TopologyVersion uint64

	FramesReceived  uint64
	FramesMalformed uint64

	Outbound outbound.Stats
	Roles    election.AssignerStats
	Sender   rtp.SenderStats
	Receiver rtp.ReceiverStats
}

// Recorder receives a Stats snapshot at the end of every tick.
// *observability.MeshCollector implements it.
type Recorder interface {
	RecordTick(s Stats)
}

type noopRecorder struct{}

func (noopRecorder) RecordTick(Stats) {}
