// Package mesh ties the protocol components together into one node: the
// radio adapter, outbound queue, discovery engine, coordinator election,
// role assignment, node state machine and the reliable transmission
// protocol. A Node is driven by Tick and is safe for concurrent use; all
// state sits behind one mutex and application callbacks run after it is
// released.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/discovery"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/election"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/nodefsm"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/outbound"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

var (
	// ErrNoCoordinator is returned by SubmitForTransmission while no
	// coordinator is known.
	ErrNoCoordinator = errors.New("no coordinator")
	// ErrSelfDestination is returned when a payload would be sent to the
	// local node.
	ErrSelfDestination = errors.New("destination is the local node")
	// ErrNotStarted is returned by submissions before Start.
	ErrNotStarted = errors.New("mesh node not started")
)

// Callbacks notify the application. They run on the goroutine calling Tick,
// after the node's lock is released, so they may call back into the Node.
type Callbacks struct {
	OnRoleAssigned     func(model.RoleAssignment)
	OnTopologyChanged  func(model.Topology)
	OnPayload          func(rtp.Delivery)
	OnTransmissionDone func(model.TransmissionStatus)
	OnStateChanged     func(nodefsm.Transition)
}

// Option configures optional Node dependencies.
type Option func(*Node)

// WithLogger sets the base logger. Component loggers are derived from it.
func WithLogger(l logging.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.baseLog = l
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(n *Node) {
		if r != nil {
			n.recorder = r
		}
	}
}

// WithCallbacks sets the application callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(n *Node) { n.callbacks = cb }
}

// Node is one mesh participant.
type Node struct {
	mu sync.Mutex

	cfg       Config
	id        model.NodeID
	adapter   transport.Adapter
	caps      model.CapabilityProvider
	baseLog   logging.Logger
	log       logging.Logger
	recorder  Recorder
	callbacks Callbacks

	queue    *outbound.Queue
	disc     *discovery.Engine
	elector  *election.Elector
	assigner *election.Assigner
	fsm      *nodefsm.Machine
	sender   *rtp.Sender
	receiver *rtp.Receiver

	started     bool
	now         time.Time
	lastVersion uint64
	lastCoord   model.NodeID

	framesReceived  uint64
	framesMalformed uint64
}

// events collects what a tick must report once the lock is dropped.
type events struct {
	roles       []model.RoleAssignment
	transitions []nodefsm.Transition
	payloads    []rtp.Delivery
	done        []model.TransmissionStatus
	topology    *model.Topology
}

// New builds a node. The adapter and capability provider are required.
func New(cfg Config, adapter transport.Adapter, caps model.CapabilityProvider, opts ...Option) (*Node, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesh: invalid config: %w", err)
	}
	if adapter == nil {
		return nil, errors.New("mesh: nil transport adapter")
	}
	if caps == nil {
		return nil, errors.New("mesh: nil capability provider")
	}

	n := &Node{
		cfg:      cfg,
		id:       cfg.ID,
		adapter:  adapter,
		caps:     caps,
		baseLog:  logging.Noop(),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(n)
	}

	n.log = logging.ForNode(n.baseLog, n.id, "mesh")
	n.queue = outbound.New(cfg.Outbound, adapter, logging.ForNode(n.baseLog, n.id, "outbound"))
	n.disc = discovery.New(cfg.Discovery, n.id, caps, n.queue, logging.ForNode(n.baseLog, n.id, "discovery"))
	n.elector = election.NewElector(n.id, logging.ForNode(n.baseLog, n.id, "election"))
	n.assigner = election.NewAssigner(cfg.Roles, n.id, n.queue, logging.ForNode(n.baseLog, n.id, "roles"))
	n.fsm = nodefsm.New(cfg.Node, n.id, logging.ForNode(n.baseLog, n.id, "fsm"))
	n.sender = rtp.NewSender(cfg.RTP, n.id, n.queue, logging.ForNode(n.baseLog, n.id, "rtp"))
	receiver, err := rtp.NewReceiver(cfg.RTP, n.id, n.queue, logging.ForNode(n.baseLog, n.id, "rtp"))
	if err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}
	n.receiver = receiver
	n.disc.SetLocalRole(n.fsm.Role())
	return n, nil
}

// Start begins discovery. It is a no-op on a started node.
func (n *Node) Start(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	n.started = true
	n.now = now
	n.disc.Start(now)
	n.queue.Flush(now)
	n.log.Info(context.Background(), "Mesh node started",
		logging.Bool("can_coordinate", n.caps.Capabilities().CanCoordinate),
		logging.Bool("autonomous", n.cfg.Node.AutonomousMode),
	)
}

// Tick runs one cooperative step: drain the radio, dispatch messages, run
// every timer and flush the outbound queue.
func (n *Node) Tick(now time.Time) {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	var ev events
	n.tick(now, &ev)
	cb := n.callbacks
	n.mu.Unlock()

	fire(cb, ev)
}

func (n *Node) tick(now time.Time, ev *events) {
	n.now = now
	n.receive(now, ev)
	n.disc.Tick(now)

	peers := n.disc.ActivePeers(now)
	coord := n.elect(now, peers)

	res := n.fsm.Tick(now, coord, n.disc.Completed())
	ev.transitions = append(ev.transitions, res.Transitions...)
	if res.StatusUpdate {
		n.disc.AdvertiseNow(now)
	}

	if n.elector.IsCoordinator() {
		if err := n.assigner.Tick(now, peers); err != nil {
			n.log.Warn(context.Background(), "Role assignment abandoned", logging.Err(err))
		}
	}

	n.sender.Tick(now)
	n.receiver.Tick(now)
	ev.payloads = append(ev.payloads, n.receiver.DrainDeliveries()...)
	ev.done = append(ev.done, n.sender.DrainFinished()...)

	n.queue.Flush(now)

	if v := n.disc.Version(); v != n.lastVersion || coord != n.lastCoord {
		n.lastVersion = v
		n.lastCoord = coord
		snap := n.disc.Snapshot(now)
		ev.topology = &snap
	}
	n.recorder.RecordTick(n.stats(now))
}

// elect recomputes the coordinator and applies the local role change that
// follows from winning or losing the election.
func (n *Node) elect(now time.Time, peers []model.NetworkNode) model.NodeID {
	coord, changed := n.elector.Elect(election.View{
		SelfEligible:      n.caps.Capabilities().CanCoordinate,
		DiscoveryComplete: n.disc.Completed(),
		ActivePeers:       peers,
		Claimants:         n.disc.Claimants(now),
	})
	if !changed {
		return coord
	}
	n.disc.SetCoordinator(coord)
	switch {
	case coord == n.id:
		n.fsm.SetRole(model.RoleCoordinator)
		n.disc.SetLocalRole(model.RoleCoordinator)
		n.disc.BroadcastTopology(now)
	case n.fsm.Role() == model.RoleCoordinator:
		n.fsm.SetRole(model.RoleNode)
		n.disc.SetLocalRole(model.RoleNode)
		n.assigner.Reset()
		n.log.Info(context.Background(), "Stepped down as coordinator", logging.Stringer("coordinator", coord))
	}
	return coord
}

func (n *Node) receive(now time.Time, ev *events) {
	for i := 0; i < n.cfg.MaxReceivePerTick; i++ {
		frame, ok := n.adapter.Receive()
		if !ok {
			return
		}
		rssi := n.adapter.SignalQuality()
		n.framesReceived++
		msg, err := protocol.Decode(frame)
		if err != nil {
			n.framesMalformed++
			n.log.Debug(context.Background(), "Dropping malformed frame",
				logging.Int("bytes", len(frame)),
				logging.Err(err),
			)
			continue
		}
		if msg.Source == n.id {
			continue
		}
		n.dispatch(msg, rssi, now, ev)
	}
}

func (n *Node) dispatch(msg protocol.Message, rssi int, now time.Time, ev *events) {
	switch msg.Type {
	case protocol.TypeDiscovery, protocol.TypeDiscoveryResponse, protocol.TypeHeartbeat:
		if _, err := n.disc.UpdateTopology(msg, rssi, now); err != nil {
			n.log.Debug(context.Background(), "Peer not recorded", logging.Stringer("peer", msg.Source), logging.Err(err))
		}
		return
	case protocol.TypeTopologyUpdate:
		n.disc.Touch(msg.Source, msg.HopCount, rssi, now)
		n.disc.MergeTopology(msg, rssi, now)
		return
	}

	n.disc.Touch(msg.Source, msg.HopCount, rssi, now)
	switch msg.Type {
	case protocol.TypeRoleAssignment:
		ra, outcome := n.fsm.HandleAssignment(msg, now)
		if outcome == nodefsm.AssignmentIgnored {
			return
		}
		if err := n.queue.Enqueue(protocol.RoleAck(n.id, ra.Role)); err != nil {
			n.log.Warn(context.Background(), "Failed to queue role ack", logging.Err(err))
		}
		if outcome == nodefsm.AssignmentApplied {
			n.disc.SetLocalRole(ra.Role)
			n.disc.AdvertiseNow(now)
			ev.roles = append(ev.roles, ra)
		}

	case protocol.TypeRoleAck:
		if !n.elector.IsCoordinator() {
			return
		}
		if role, ok := n.assigner.HandleAck(msg); ok {
			n.disc.SetNodeRole(msg.Source, role)
			n.disc.BroadcastTopology(now)
		}

	case protocol.TypeData:
		n.receiver.HandleData(msg, now)

	case protocol.TypeDataAck:
		n.sender.HandleAck(msg, now)
	}
}

func fire(cb Callbacks, ev events) {
	if cb.OnStateChanged != nil {
		for _, t := range ev.transitions {
			cb.OnStateChanged(t)
		}
	}
	if cb.OnRoleAssigned != nil {
		for _, ra := range ev.roles {
			cb.OnRoleAssigned(ra)
		}
	}
	if cb.OnTopologyChanged != nil && ev.topology != nil {
		cb.OnTopologyChanged(*ev.topology)
	}
	if cb.OnPayload != nil {
		for _, d := range ev.payloads {
			cb.OnPayload(d)
		}
	}
	if cb.OnTransmissionDone != nil {
		for _, st := range ev.done {
			cb.OnTransmissionDone(st)
		}
	}
}

// SubmitForTransmission queues payload for reliable delivery to the current
// coordinator and returns its transmission ID.
func (n *Node) SubmitForTransmission(payload []byte) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	coord := n.elector.Current()
	if coord == model.NoNode {
		return 0, ErrNoCoordinator
	}
	return n.submit(coord, payload)
}

// SubmitTo queues payload for reliable delivery to dest.
func (n *Node) SubmitTo(dest model.NodeID, payload []byte) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submit(dest, payload)
}

func (n *Node) submit(dest model.NodeID, payload []byte) (uint32, error) {
	if !n.started {
		return 0, ErrNotStarted
	}
	if dest == n.id {
		return 0, ErrSelfDestination
	}
	id, err := n.sender.Transmit(dest, payload, n.now)
	if err != nil {
		return 0, fmt.Errorf("submit to %s: %w", dest, err)
	}
	return id, nil
}

// Cancel aborts a queued or in-progress transmission.
func (n *Node) Cancel(id uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sender.Cancel(id, n.now)
}

// TransmissionStatus returns the status of transmission id while it is
// pending or retained.
func (n *Node) TransmissionStatus(id uint32) (model.TransmissionStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sender.Status(id)
}

// Topology returns a snapshot of the local view as of the last tick.
func (n *Node) Topology() model.Topology {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disc.Snapshot(n.now)
}

// NetworkHealth is the discovery health score scaled down by consecutive
// radio send failures.
func (n *Node) NetworkHealth() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.health(n.now)
}

func (n *Node) health(now time.Time) float64 {
	return n.disc.NetworkHealth(now) * n.queue.HealthFactor()
}

// ID returns the local node ID.
func (n *Node) ID() model.NodeID { return n.id }

// State returns the coordination state.
func (n *Node) State() nodefsm.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fsm.State()
}

// Role returns the local role.
func (n *Node) Role() model.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fsm.Role()
}

// Coordinator returns the coordinator this node currently follows.
func (n *Node) Coordinator() model.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.elector.Current()
}

// Stats returns a snapshot of the node's counters.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats(n.now)
}

func (n *Node) stats(now time.Time) Stats {
	peers := n.disc.Table().Len()
	return Stats{
		Node:            n.id,
		State:           n.fsm.State(),
		Discovery:       n.disc.State(),
		Role:            n.fsm.Role(),
		Coordinator:     n.elector.Current(),
		Peers:           peers,
		ActivePeers:     len(n.disc.ActivePeers(now)),
		Health:          n.health(now),
		Stable:          n.disc.IsStable(),
		TopologyVersion: n.disc.Version(),
		FramesReceived:  n.framesReceived,
		FramesMalformed: n.framesMalformed,
		Outbound:        n.queue.Stats(),
		Roles:           n.assigner.Stats(),
		Sender:          n.sender.Stats(),
		Receiver:        n.receiver.Stats(),
	}
}
