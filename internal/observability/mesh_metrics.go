package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/nodefsm"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/outbound"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

var nodeStates = []nodefsm.State{
	nodefsm.StateSeekingCoordinator,
	nodefsm.StateActive,
	nodefsm.StateStandalone,
}

// MeshCollector exposes per-node mesh metrics. It implements mesh.Recorder;
// every label set is keyed by node ID so one collector can serve all the
// nodes of a simulation.
type MeshCollector struct {
	gatherer prometheus.Gatherer

	Peers           *prometheus.GaugeVec
	ActivePeers     *prometheus.GaugeVec
	Health          *prometheus.GaugeVec
	Stable          *prometheus.GaugeVec
	TopologyVersion *prometheus.GaugeVec
	IsCoordinator   *prometheus.GaugeVec
	NodeState       *prometheus.GaugeVec
	OutboundPending *prometheus.GaugeVec
	FailureStreak   *prometheus.GaugeVec

	FramesReceived  *prometheus.CounterVec
	FramesMalformed *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	RoleAssignments *prometheus.CounterVec
	Transmissions   *prometheus.CounterVec
	ChunksSent      *prometheus.CounterVec
	ChunkRetries    *prometheus.CounterVec
	Payloads        *prometheus.CounterVec

	mu   sync.Mutex
	last map[model.NodeID]mesh.Stats
}

// NewMeshCollector registers mesh metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewMeshCollector(reg prometheus.Registerer) (*MeshCollector, error) {
	reg, gatherer := registryPair(reg)
	c := &MeshCollector{gatherer: gatherer, last: make(map[model.NodeID]mesh.Stats)}

	gauges := []struct {
		dst    **prometheus.GaugeVec
		name   string
		help   string
		labels []string
	}{
		{&c.Peers, "mesh_peers", "Peers in the local topology table.", []string{"node"}},
		{&c.ActivePeers, "mesh_peers_active", "Peers heard from within the node timeout.", []string{"node"}},
		{&c.Health, "mesh_network_health", "Network health score in [0,1].", []string{"node"}},
		{&c.Stable, "mesh_topology_stable", "1 when the local topology is considered stable.", []string{"node"}},
		{&c.TopologyVersion, "mesh_topology_version", "Local topology version counter.", []string{"node"}},
		{&c.IsCoordinator, "mesh_is_coordinator", "1 when the node is the elected coordinator.", []string{"node"}},
		{&c.NodeState, "mesh_node_state", "1 for the node's current coordination state.", []string{"node", "state"}},
		{&c.OutboundPending, "mesh_outbound_pending", "Frames waiting in the outbound queue by priority class.", []string{"node", "class"}},
		{&c.FailureStreak, "mesh_outbound_failure_streak", "Consecutive frames the radio refused.", []string{"node"}},
	}
	for _, g := range gauges {
		vec, err := registerOrExisting(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: g.name, Help: g.help}, g.labels), g.name)
		if err != nil {
			return nil, err
		}
		*g.dst = vec
	}

	counters := []struct {
		dst    **prometheus.CounterVec
		name   string
		help   string
		labels []string
	}{
		{&c.FramesReceived, "mesh_frames_received_total", "Frames read from the radio.", []string{"node"}},
		{&c.FramesMalformed, "mesh_frames_malformed_total", "Received frames that failed to decode.", []string{"node"}},
		{&c.FramesSent, "mesh_frames_sent_total", "Frames accepted by the radio.", []string{"node"}},
		{&c.SendFailures, "mesh_send_failures_total", "Frames the radio refused.", []string{"node"}},
		{&c.FramesDropped, "mesh_frames_dropped_total", "Frames dropped by the outbound queue.", []string{"node"}},
		{&c.RoleAssignments, "mesh_role_assignments_total", "Role assignment events on the coordinator.", []string{"node", "result"}},
		{&c.Transmissions, "mesh_transmissions_total", "Finished reliable transmissions by outcome.", []string{"node", "result"}},
		{&c.ChunksSent, "mesh_chunks_sent_total", "DATA chunks sent including retries.", []string{"node"}},
		{&c.ChunkRetries, "mesh_chunk_retries_total", "DATA chunks resent after an ack timeout.", []string{"node"}},
		{&c.Payloads, "mesh_payloads_delivered_total", "Inbound payloads fully reassembled.", []string{"node"}},
	}
	for _, cv := range counters {
		vec, err := registerOrExisting(reg, prometheus.NewCounterVec(prometheus.CounterOpts{Name: cv.name, Help: cv.help}, cv.labels), cv.name)
		if err != nil {
			return nil, err
		}
		*cv.dst = vec
	}
	return c, nil
}

// RecordTick implements mesh.Recorder. Gauges are set from s; counters
// advance by the difference from the previous snapshot of the same node.
func (c *MeshCollector) RecordTick(s mesh.Stats) {
	if c == nil {
		return
	}
	node := s.Node.String()

	c.Peers.WithLabelValues(node).Set(float64(s.Peers))
	c.ActivePeers.WithLabelValues(node).Set(float64(s.ActivePeers))
	c.Health.WithLabelValues(node).Set(s.Health)
	c.Stable.WithLabelValues(node).Set(boolGauge(s.Stable))
	c.TopologyVersion.WithLabelValues(node).Set(float64(s.TopologyVersion))
	c.IsCoordinator.WithLabelValues(node).Set(boolGauge(s.Coordinator != model.NoNode && s.Coordinator == s.Node))
	for _, st := range nodeStates {
		c.NodeState.WithLabelValues(node, st.String()).Set(boolGauge(st == s.State))
	}
	for class := outbound.ClassHigh; class <= outbound.ClassLow; class++ {
		c.OutboundPending.WithLabelValues(node, class.String()).Set(float64(s.Outbound.Pending[class]))
	}
	c.FailureStreak.WithLabelValues(node).Set(float64(s.Outbound.FailureStreak))

	c.mu.Lock()
	prev := c.last[s.Node]
	c.last[s.Node] = s
	c.mu.Unlock()

	add(c.FramesReceived.WithLabelValues(node), s.FramesReceived, prev.FramesReceived)
	add(c.FramesMalformed.WithLabelValues(node), s.FramesMalformed, prev.FramesMalformed)
	add(c.FramesSent.WithLabelValues(node), s.Outbound.Sent, prev.Outbound.Sent)
	add(c.SendFailures.WithLabelValues(node), s.Outbound.SendFailures, prev.Outbound.SendFailures)
	add(c.FramesDropped.WithLabelValues(node), s.Outbound.Dropped, prev.Outbound.Dropped)
	add(c.RoleAssignments.WithLabelValues(node, "issued"), s.Roles.Issued, prev.Roles.Issued)
	add(c.RoleAssignments.WithLabelValues(node, "retried"), s.Roles.Retried, prev.Roles.Retried)
	add(c.RoleAssignments.WithLabelValues(node, "acked"), s.Roles.Acked, prev.Roles.Acked)
	add(c.RoleAssignments.WithLabelValues(node, "abandoned"), s.Roles.Abandoned, prev.Roles.Abandoned)
	add(c.Transmissions.WithLabelValues(node, "completed"), s.Sender.Completed, prev.Sender.Completed)
	add(c.Transmissions.WithLabelValues(node, "failed"), s.Sender.Failed, prev.Sender.Failed)
	add(c.ChunksSent.WithLabelValues(node), s.Sender.ChunksSent, prev.Sender.ChunksSent)
	add(c.ChunkRetries.WithLabelValues(node), s.Sender.Retries, prev.Sender.Retries)
	add(c.Payloads.WithLabelValues(node), s.Receiver.Delivered, prev.Receiver.Delivered)
}

// Handler exposes a ready-to-use /metrics handler.
func (c *MeshCollector) Handler() http.Handler {
	return Handler(c.gatherer)
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *MeshCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func add(counter prometheus.Counter, cur, prev uint64) {
	if cur > prev {
		counter.Add(float64(cur - prev))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
