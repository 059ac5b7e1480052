// Package discovery finds peers, maintains the local topology table and
// scores network health. The engine is driven entirely by Tick and by the
// messages the mesh node hands it; it never blocks and never sends directly,
// everything goes through the outbound queue.
package discovery

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/kb"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// ErrTableFull is returned when a new peer would exceed MaxNodes.
var ErrTableFull = kb.ErrFull

// State is the discovery phase.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outbox accepts messages for transmission. *outbound.Queue satisfies it.
type Outbox interface {
	Enqueue(msg protocol.Message) error
	EnqueueLatest(msgs ...protocol.Message) error
}

// RSSI range used to normalise signal strength for health scoring.
const (
	MinRSSI = -120
	MaxRSSI = -30
)

// Engine is the discovery and topology engine for one node. It is not safe
// for concurrent use; the owning mesh node serialises access.
type Engine struct {
	cfg   Config
	self  model.NodeID
	caps  model.CapabilityProvider
	out   Outbox
	log   logging.Logger
	table *kb.KnowledgeBase

	state         State
	completedOnce bool
	scanStart     time.Time
	windowEnd     time.Time

	lastDiscovery        time.Time
	lastAdvert           time.Time
	lastCanonical        time.Time
	lastCleanup          time.Time
	lastStabilityCheck   time.Time
	lastMembershipChange time.Time

	coordinator model.NodeID
	claims      map[model.NodeID]claim
	localRole   model.Role
	isStable    bool
	lastUpdate  time.Time
	version     uint64
}

// claim is the coordinator a peer announced in its latest TOPOLOGY_UPDATE.
type claim struct {
	coordinator model.NodeID
	at          time.Time
}

// New constructs an idle engine.
func New(cfg Config, self model.NodeID, caps model.CapabilityProvider, out Outbox, log logging.Logger) *Engine {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	if caps == nil {
		caps = model.StaticCapabilities{}
	}
	e := &Engine{
		cfg:    cfg,
		self:   self,
		caps:   caps,
		out:    out,
		log:    log,
		table:  kb.NewKnowledgeBase(cfg.MaxNodes),
		claims: make(map[model.NodeID]claim),
	}
	e.table.Subscribe(func(kb.Event) { e.version++ })
	return e
}

// Start enters SCANNING and broadcasts the first DISCOVERY.
func (e *Engine) Start(now time.Time) {
	e.lastCleanup = now
	e.lastUpdate = now
	e.beginScan(now)
	e.log.Info(context.Background(), "Discovery started",
		logging.Duration("window", e.cfg.DiscoveryWindow),
		logging.Duration("interval", e.cfg.DiscoveryInterval),
	)
}

func (e *Engine) beginScan(now time.Time) {
	e.state = StateScanning
	e.scanStart = now
	e.windowEnd = now.Add(e.cfg.DiscoveryWindow)
	e.isStable = false
	e.broadcastDiscovery(now)
}

// Tick runs the discovery timers.
func (e *Engine) Tick(now time.Time) {
	switch e.state {
	case StateIdle:
		return
	case StateScanning:
		if now.Sub(e.lastDiscovery) >= e.cfg.DiscoveryInterval {
			e.broadcastDiscovery(now)
		}
		if !now.Before(e.windowEnd) {
			e.complete(now)
		}
	case StateComplete:
		if now.Sub(e.lastAdvert) >= e.cfg.AdvertisementInterval {
			e.AdvertiseNow(now)
		}
		if e.coordinator == e.self && now.Sub(e.lastCanonical) >= e.cfg.AdvertisementInterval {
			e.BroadcastTopology(now)
		}
		if now.Sub(e.lastStabilityCheck) >= e.cfg.DiscoveryInterval {
			e.evaluateStability(now)
		}
	}
	if now.Sub(e.lastCleanup) >= e.cfg.CleanupInterval {
		e.CleanupInactiveNodes(now)
	}
}

func (e *Engine) complete(now time.Time) {
	e.state = StateComplete
	e.completedOnce = true
	e.lastStabilityCheck = now
	e.lastAdvert = e.lastDiscovery
	e.log.Info(context.Background(), "Discovery complete",
		logging.Int("peers", e.table.Len()),
		logging.Duration("elapsed", now.Sub(e.scanStart)),
	)
}

func (e *Engine) evaluateStability(now time.Time) {
	e.lastStabilityCheck = now
	allActive := true
	for _, n := range e.table.ListNodes() {
		if !n.IsActive(now, e.cfg.NodeTimeout) {
			allActive = false
			break
		}
	}
	stable := allActive && now.Sub(e.lastMembershipChange) >= e.cfg.DiscoveryInterval
	if stable != e.isStable {
		e.isStable = stable
		e.log.Info(context.Background(), "Topology stability changed", logging.Bool("stable", stable))
	}
}

// UpdateTopology records a DISCOVERY, DISCOVERY_RESPONSE or HEARTBEAT from
// a peer. Unknown peers are inserted and announced with an immediate
// TOPOLOGY_UPDATE; known peers are refreshed in place. The role a peer
// reports for itself is authoritative for its entry. DISCOVERY requests
// are answered with a DISCOVERY_RESPONSE. It reports whether the peer was
// new.
func (e *Engine) UpdateTopology(msg protocol.Message, rssi int, now time.Time) (bool, error) {
	if msg.Source == e.self || msg.Source == model.NoNode {
		return false, nil
	}
	if msg.Capabilities == nil {
		return false, fmt.Errorf("discovery: %s from %s without capabilities", msg.Type, msg.Source)
	}
	caps := *msg.Capabilities

	if msg.Type == protocol.TypeDiscovery {
		if err := e.out.Enqueue(protocol.DiscoveryResponse(e.self, e.localRole, e.caps.Capabilities())); err != nil {
			e.log.Warn(context.Background(), "Failed to queue discovery response", logging.Err(err))
		}
	}

	known := e.table.UpdateNode(msg.Source, func(n *model.NetworkNode) bool {
		material := !n.CapabilitiesKnown || n.Capabilities != caps || n.Role != msg.Role
		n.Role = msg.Role
		n.Capabilities = caps
		n.CapabilitiesKnown = true
		n.SignalStrength = rssi
		n.HopCount = msg.HopCount
		n.LastSeen = now
		return material
	})
	if known {
		return false, nil
	}

	node := model.NetworkNode{
		ID:                msg.Source,
		Role:              msg.Role,
		Capabilities:      caps,
		CapabilitiesKnown: true,
		SignalStrength:    rssi,
		HopCount:          msg.HopCount,
		LastSeen:          now,
	}
	if err := e.table.AddNode(node); err != nil {
		e.log.Warn(context.Background(), "Topology table full, ignoring node",
			logging.Stringer("peer", msg.Source),
			logging.Int("max_nodes", e.cfg.MaxNodes),
		)
		return false, fmt.Errorf("discovery: %w", err)
	}

	e.membershipChanged(now)
	e.log.Info(context.Background(), "✓ New device joined network",
		logging.Stringer("peer", msg.Source),
		logging.Int("hops", int(msg.HopCount)),
		logging.Int("rssi", rssi),
		logging.Int("total", e.table.Len()),
	)
	e.extendWindow(now)
	e.BroadcastTopology(now)
	return true, nil
}

func (e *Engine) extendWindow(now time.Time) {
	if e.state != StateScanning {
		return
	}
	end := now.Add(e.cfg.DiscoveryWindow)
	if limit := e.scanStart.Add(e.cfg.MaxDiscoveryWindow); end.After(limit) {
		end = limit
	}
	if end.After(e.windowEnd) {
		e.windowEnd = end
	}
}

func (e *Engine) membershipChanged(now time.Time) {
	e.isStable = false
	e.lastUpdate = now
	e.lastMembershipChange = now
}

// Touch refreshes liveness for a known peer on any received message. It
// reports whether the peer was known.
func (e *Engine) Touch(id model.NodeID, hops uint8, rssi int, now time.Time) bool {
	if id == e.self {
		return false
	}
	return e.table.UpdateNode(id, func(n *model.NetworkNode) bool {
		n.LastSeen = now
		n.SignalStrength = rssi
		n.HopCount = hops
		return false
	})
}

// MergeTopology applies a TOPOLOGY_UPDATE. Each entry is merged
// last-writer-wins on its derived last-seen time, roles are taken only from
// the believed coordinator, and the local node's own entry is ignored.
// Applying the same update twice leaves the table unchanged. It reports
// whether membership or any role changed.
func (e *Engine) MergeTopology(msg protocol.Message, rssi int, now time.Time) bool {
	if msg.Type != protocol.TypeTopologyUpdate || msg.Source == e.self {
		return false
	}
	fromCoordinator := msg.Source != model.NoNode && msg.Source == e.coordinator
	changed := false
	if msg.Source != model.NoNode {
		e.claims[msg.Source] = claim{coordinator: msg.Coordinator, at: now}
	}

	for _, entry := range msg.Nodes {
		if entry.NodeID == e.self || entry.NodeID == model.NoNode {
			continue
		}
		direct := entry.NodeID == msg.Source
		seen := now.Add(-entry.Age)
		hops, signal := msg.HopCount, rssi
		if !direct {
			hops = addHops(entry.HopCount, msg.HopCount)
			signal = entry.SignalStrength
		}

		material := false
		known := e.table.UpdateNode(entry.NodeID, func(n *model.NetworkNode) bool {
			if fromCoordinator && entry.Role.Valid() && n.Role != entry.Role {
				n.Role = entry.Role
				material = true
			}
			if seen.After(n.LastSeen) {
				n.LastSeen = seen
			}
			if direct || hops < n.HopCount || !n.CapabilitiesKnown {
				n.HopCount = hops
				n.SignalStrength = signal
			}
			return material
		})
		if known {
			changed = changed || material
			continue
		}
		if now.Sub(seen) >= e.cfg.NodeTimeout {
			continue
		}

		role := model.RoleNode
		if fromCoordinator && entry.Role.Valid() {
			role = entry.Role
		}
		err := e.table.AddNode(model.NetworkNode{
			ID:             entry.NodeID,
			Role:           role,
			SignalStrength: signal,
			HopCount:       hops,
			LastSeen:       seen,
		})
		if err != nil {
			e.log.Debug(context.Background(), "Skipping relayed node", logging.Stringer("peer", entry.NodeID), logging.Err(err))
			continue
		}
		changed = true
		e.membershipChanged(now)
		e.extendWindow(now)
		e.log.Info(context.Background(), "✓ New device joined network",
			logging.Stringer("peer", entry.NodeID),
			logging.Stringer("via", msg.Source),
			logging.Int("hops", int(hops)),
			logging.Int("total", e.table.Len()),
		)
	}
	return changed
}

func addHops(entry, msg uint8) uint8 {
	total := int(entry) + int(msg) + 1
	if total > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(total)
}

// CleanupInactiveNodes removes every peer not heard from within
// NodeTimeout. A non-empty removal marks the topology unstable, broadcasts
// a TOPOLOGY_UPDATE and restarts scanning. It returns the removed IDs.
func (e *Engine) CleanupInactiveNodes(now time.Time) []model.NodeID {
	e.lastCleanup = now
	var removed []model.NodeID
	for _, n := range e.table.ListNodes() {
		if now.Sub(n.LastSeen) < e.cfg.NodeTimeout {
			continue
		}
		if e.table.RemoveNode(n.ID) {
			removed = append(removed, n.ID)
			e.log.Info(context.Background(), "Node timed out",
				logging.Stringer("peer", n.ID),
				logging.Duration("silent_for", now.Sub(n.LastSeen)),
			)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	e.membershipChanged(now)
	e.log.Info(context.Background(), "⚡ Topology changed",
		logging.Int("removed", len(removed)),
		logging.Int("remaining", e.table.Len()),
	)
	e.BroadcastTopology(now)
	if e.state != StateIdle {
		e.beginScan(now)
	}
	return removed
}

// AdvertiseNow queues a HEARTBEAT with fresh capabilities and restarts the
// advertisement timer.
func (e *Engine) AdvertiseNow(now time.Time) {
	e.lastAdvert = now
	if err := e.out.EnqueueLatest(protocol.Heartbeat(e.self, e.localRole, e.caps.Capabilities())); err != nil {
		e.log.Warn(context.Background(), "Failed to queue heartbeat", logging.Err(err))
	}
}

// BroadcastTopology queues the local table as one or more TOPOLOGY_UPDATE
// frames, replacing any update still waiting to be sent.
func (e *Engine) BroadcastTopology(now time.Time) {
	e.lastCanonical = now
	msgs := protocol.SplitTopology(e.self, e.coordinator, e.entries(now), e.cfg.MaxFrameSize)
	if err := e.out.EnqueueLatest(msgs...); err != nil {
		e.log.Warn(context.Background(), "Failed to queue topology update", logging.Err(err))
		return
	}
	e.log.Debug(context.Background(), "Topology update queued",
		logging.Int("entries", e.table.Len()+1),
		logging.Int("frames", len(msgs)),
	)
}

func (e *Engine) entries(now time.Time) []protocol.TopologyEntry {
	nodes := e.table.ListNodes()
	out := make([]protocol.TopologyEntry, 0, len(nodes)+1)
	out = append(out, protocol.TopologyEntry{NodeID: e.self, Role: e.localRole})
	for _, n := range nodes {
		age := now.Sub(n.LastSeen)
		if age < 0 {
			age = 0
		}
		out = append(out, protocol.TopologyEntry{
			NodeID:         n.ID,
			Role:           n.Role,
			SignalStrength: n.SignalStrength,
			HopCount:       n.HopCount,
			Age:            age,
		})
	}
	return out
}

func (e *Engine) broadcastDiscovery(now time.Time) {
	e.lastDiscovery = now
	if err := e.out.Enqueue(protocol.Discovery(e.self, e.localRole, e.caps.Capabilities())); err != nil {
		e.log.Warn(context.Background(), "Failed to queue discovery", logging.Err(err))
	}
}

// NetworkHealth scores the local view of the mesh in [0,1]. An empty table
// scores 0.
func (e *Engine) NetworkHealth(now time.Time) float64 {
	nodes := e.table.ListNodes()
	if len(nodes) == 0 {
		return 0
	}
	active := 0
	var rssiSum, hopSum float64
	for _, n := range nodes {
		if !n.IsActive(now, e.cfg.NodeTimeout) {
			continue
		}
		active++
		rssiSum += float64(n.SignalStrength)
		hopSum += float64(n.HopCount)
	}
	if active == 0 {
		return 0
	}
	ratio := float64(active) / float64(len(nodes))
	return HealthScore(ratio, rssiSum/float64(active), hopSum/float64(active), e.cfg.MaxExpectedHops)
}

// HealthScore combines the active ratio, average RSSI and average hop count
// of the active peers: 0.4 x ratio + 0.4 x normalised RSSI + 0.2 x hop
// score, clamped to [0,1].
func HealthScore(activeRatio, avgRSSI, avgHops, maxExpectedHops float64) float64 {
	rssiScore := clamp01((avgRSSI - MinRSSI) / (MaxRSSI - MinRSSI))
	hopScore := 0.0
	if maxExpectedHops > 0 {
		hopScore = clamp01(1 - avgHops/maxExpectedHops)
	}
	return clamp01(0.4*clamp01(activeRatio) + 0.4*rssiScore + 0.2*hopScore)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Snapshot returns the current topology view.
func (e *Engine) Snapshot(now time.Time) model.Topology {
	nodes := e.table.ListNodes()
	topo := model.Topology{
		LocalID:       e.self,
		Nodes:         make([]model.NodeView, 0, len(nodes)),
		CoordinatorID: e.coordinator,
		IsStable:      e.isStable,
		LastUpdate:    e.lastUpdate,
		Version:       e.version,
	}
	for _, n := range nodes {
		topo.Nodes = append(topo.Nodes, model.NodeView{NetworkNode: n, Active: n.IsActive(now, e.cfg.NodeTimeout)})
	}
	return topo
}

// ActivePeers returns the peers heard from within NodeTimeout.
func (e *Engine) ActivePeers(now time.Time) []model.NetworkNode {
	nodes := e.table.ListNodes()
	out := nodes[:0]
	for _, n := range nodes {
		if n.IsActive(now, e.cfg.NodeTimeout) {
			out = append(out, n)
		}
	}
	return out
}

// Claimants returns the coordinators announced by peers in their latest
// TOPOLOGY_UPDATE. A claimed node must be an active entry here, must not be
// known as unable to coordinate, and must not itself announce a different
// coordinator. Claims older than NodeTimeout are dropped.
func (e *Engine) Claimants(now time.Time) []model.NodeID {
	var out []model.NodeID
	for src, c := range e.claims {
		if now.Sub(c.at) >= e.cfg.NodeTimeout {
			delete(e.claims, src)
			continue
		}
		if c.coordinator == model.NoNode || c.coordinator == e.self {
			continue
		}
		if own, ok := e.claims[c.coordinator]; ok && own.coordinator != c.coordinator {
			continue
		}
		n, ok := e.table.GetNode(c.coordinator)
		if !ok || !n.IsActive(now, e.cfg.NodeTimeout) {
			continue
		}
		if n.CapabilitiesKnown && !n.Capabilities.CanCoordinate {
			continue
		}
		out = append(out, c.coordinator)
	}
	return out
}

// SetNodeRole records a peer's confirmed role. It reports whether the table
// changed.
func (e *Engine) SetNodeRole(id model.NodeID, role model.Role) bool {
	changed := false
	e.table.UpdateNode(id, func(n *model.NetworkNode) bool {
		changed = n.Role != role
		n.Role = role
		return changed
	})
	return changed
}

// SetCoordinator records the elected coordinator.
func (e *Engine) SetCoordinator(id model.NodeID) { e.coordinator = id }

// SetLocalRole records the local node's role for topology broadcasts.
func (e *Engine) SetLocalRole(r model.Role) { e.localRole = r }

// Node returns a copy of the peer entry for id.
func (e *Engine) Node(id model.NodeID) (model.NetworkNode, bool) { return e.table.GetNode(id) }

// Table exposes the underlying peer table for read-only diagnostics.
func (e *Engine) Table() *kb.KnowledgeBase { return e.table }

func (e *Engine) State() State                    { return e.state }
func (e *Engine) Completed() bool                 { return e.completedOnce }
func (e *Engine) Coordinator() model.NodeID       { return e.coordinator }
func (e *Engine) IsStable() bool                  { return e.isStable }
func (e *Engine) Version() uint64                 { return e.version }
func (e *Engine) Config() Config                  { return e.cfg }
func (e *Engine) WindowEnd() time.Time            { return e.windowEnd }
func (e *Engine) LastMembershipChange() time.Time { return e.lastMembershipChange }
