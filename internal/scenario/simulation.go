package scenario

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/nodefsm"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/observability"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/transport/medium"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
	"github.com/thewriterben/WildCAM-ESP32-sub000/timectrl"
)

// capsCell is a mutable CapabilityProvider for battery events.
type capsCell struct {
	mu   sync.Mutex
	caps model.Capabilities
}

func (c *capsCell) Capabilities() model.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *capsCell) setBattery(level uint8) {
	c.mu.Lock()
	c.caps.BatteryLevel = level
	c.mu.Unlock()
}

type simNode struct {
	node     *mesh.Node
	adapter  *medium.Adapter
	caps     *capsCell
	silenced bool
}

// Option configures a Simulation.
type Option func(*Simulation)

// WithLogger sets the base logger handed to every node.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulation) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTranscript writes a human-readable event transcript to w.
func WithTranscript(w io.Writer) Option {
	return func(s *Simulation) { s.out = w }
}

// WithCollector records simulator metrics.
func WithCollector(c *observability.ScenarioCollector) Option {
	return func(s *Simulation) { s.metrics = c }
}

// WithRecorder sets the per-node metrics sink shared by every node.
func WithRecorder(r mesh.Recorder) Option {
	return func(s *Simulation) { s.recorder = r }
}

// WithStart overrides the simulated start time.
func WithStart(t time.Time) Option {
	return func(s *Simulation) { s.start = t }
}

// Simulation drives every node of a Script from one TimeController. It is
// not safe for concurrent use.
type Simulation struct {
	script   Script
	start    time.Time
	clock    *timectrl.TimeController
	medium   *medium.Medium
	sched    *Scheduler
	nodes    map[model.NodeID]*simNode
	order    []model.NodeID
	rng      *rand.Rand
	log      logging.Logger
	out      io.Writer
	metrics  *observability.ScenarioCollector
	recorder mesh.Recorder
	started  bool
	report   Report
}

// New builds the medium and every node of script. Nothing runs until Run or
// Step.
func New(script Script, opts ...Option) (*Simulation, error) {
	script.ApplyDefaults()
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	s := &Simulation{
		script: script,
		start:  time.Date(2025, 6, 1, 5, 30, 0, 0, time.UTC),
		medium: medium.New(),
		nodes:  make(map[model.NodeID]*simNode, len(script.Nodes)),
		rng:    rand.New(rand.NewSource(script.Seed)),
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = timectrl.NewTimeController(s.start, script.Tick, timectrl.Accelerated)
	s.clock.SetTime(s.start)
	s.clock.AddListener(s.step)
	s.sched = NewScheduler(s.clock)
	s.setLoss(script.Loss)

	for _, ns := range script.Nodes {
		if err := s.addNode(ns); err != nil {
			return nil, err
		}
	}
	for _, ev := range script.Events {
		ev := ev
		s.sched.Schedule(s.start.Add(ev.At), string(ev.Kind), func() { s.apply(ev) })
	}
	s.metrics.SetNodes(len(s.order))
	return s, nil
}

func (s *Simulation) addNode(ns NodeSpec) error {
	cfg := s.script.Mesh
	cfg.ID = ns.ID
	id := ns.ID
	cell := &capsCell{caps: ns.Capabilities}
	adapter := s.medium.Attach(id)

	opts := []mesh.Option{
		mesh.WithLogger(s.log),
		mesh.WithCallbacks(mesh.Callbacks{
			OnRoleAssigned: func(ra model.RoleAssignment) {
				s.report.RoleChanges++
				s.printf(id, "role %s assigned by %s", ra.Role, ra.IssuedBy)
			},
			OnStateChanged: func(tr nodefsm.Transition) {
				s.printf(id, "%s -> %s (%s)", tr.From, tr.To, tr.Reason)
			},
			OnTopologyChanged: func(t model.Topology) {
				s.printf(id, "topology v%d: %d peers, %d active, coordinator %s",
					t.Version, len(t.Nodes), t.ActiveCount(), t.CoordinatorID)
			},
			OnPayload: func(d rtp.Delivery) {
				s.report.PayloadsDelivered++
				s.report.BytesDelivered += uint64(len(d.Payload))
				s.printf(id, "received %s from %s (transmission %d)",
					humanize.Bytes(uint64(len(d.Payload))), d.Source, d.TransmissionID)
			},
			OnTransmissionDone: func(st model.TransmissionStatus) {
				if st.State == model.TransmissionCompleted {
					s.report.TransmissionsCompleted++
				} else {
					s.report.TransmissionsFailed++
				}
				s.printf(id, "transmission %d to %s %s after %d retries",
					st.ID, st.Destination, st.State, st.Retries)
			},
		}),
	}
	if s.recorder != nil {
		opts = append(opts, mesh.WithRecorder(s.recorder))
	}

	n, err := mesh.New(cfg, adapter, cell, opts...)
	if err != nil {
		return fmt.Errorf("node %s: %w", id, err)
	}
	s.nodes[id] = &simNode{node: n, adapter: adapter, caps: cell}
	s.order = append(s.order, id)
	return nil
}

// Node returns the mesh node for id.
func (s *Simulation) Node(id model.NodeID) (*mesh.Node, bool) {
	sn, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return sn.node, true
}

// Now returns the simulated time.
func (s *Simulation) Now() time.Time { return s.clock.Now() }

// Elapsed returns simulated time since the start.
func (s *Simulation) Elapsed() time.Duration { return s.clock.Now().Sub(s.start) }

// Scheduler exposes the event scheduler for ad-hoc injections.
func (s *Simulation) Scheduler() *Scheduler { return s.sched }

func (s *Simulation) ensureStarted() {
	if s.started {
		return
	}
	s.started = true
	now := s.clock.Now()
	for _, id := range s.order {
		s.nodes[id].node.Start(now)
	}
	s.printf(model.NoNode, "%d nodes powered on", len(s.order))
	// Events scheduled at zero apply before the first tick.
	s.sched.RunDue()
}

// Step advances the simulation by one tick.
func (s *Simulation) Step() {
	s.ensureStarted()
	s.clock.Step()
}

// Run steps until the script's duration elapses or ctx is cancelled.
func (s *Simulation) Run(ctx context.Context) (Report, error) {
	s.ensureStarted()
	end := s.start.Add(s.script.Duration)
	for s.clock.Now().Before(end) {
		if err := ctx.Err(); err != nil {
			return s.Report(), err
		}
		s.clock.Step()
	}
	return s.Report(), nil
}

// RunUntil steps until cond holds or limit elapses and reports whether cond
// held.
func (s *Simulation) RunUntil(limit time.Duration, cond func() bool) bool {
	s.ensureStarted()
	end := s.clock.Now().Add(limit)
	for s.clock.Now().Before(end) {
		s.clock.Step()
		if cond() {
			return true
		}
	}
	return cond()
}

func (s *Simulation) step(now time.Time) {
	began := time.Now()
	s.sched.RunDue()
	s.medium.Deliver()
	for _, id := range s.order {
		s.nodes[id].node.Tick(now)
	}
	s.metrics.ObserveStep(now.Sub(s.start), time.Since(began))
}

func (s *Simulation) apply(ev Event) {
	s.report.Events++
	s.metrics.ObserveEvent(string(ev.Kind))
	ctx := context.Background()

	switch ev.Kind {
	case EventSilence, EventRestore:
		sn := s.nodes[ev.Node]
		sn.silenced = ev.Kind == EventSilence
		sn.adapter.SetDown(sn.silenced)
		s.printf(ev.Node, "radio %s", ev.Kind)
	case EventBattery:
		s.nodes[ev.Node].caps.setBattery(ev.Battery)
		s.printf(ev.Node, "battery now %d%%", ev.Battery)
	case EventPartition, EventHeal:
		s.medium.Partition(ev.Groups[0], ev.Groups[1], ev.Kind == EventPartition)
		s.printf(model.NoNode, "%s %v | %v", ev.Kind, ev.Groups[0], ev.Groups[1])
	case EventLoss:
		s.setLoss(ev.Loss)
		s.printf(model.NoNode, "channel loss now %.0f%%", ev.Loss*100)
	case EventSubmit:
		payload := make([]byte, ev.Size)
		s.rng.Read(payload)
		id, err := s.nodes[ev.Node].node.SubmitForTransmission(payload)
		if err != nil {
			s.report.SubmitErrors++
			s.log.Warn(ctx, "scripted submission rejected",
				logging.Stringer("node", ev.Node),
				logging.Err(err),
			)
			s.printf(ev.Node, "submit %s rejected: %v", humanize.Bytes(uint64(ev.Size)), err)
			return
		}
		s.printf(ev.Node, "submitted %s as transmission %d", humanize.Bytes(uint64(ev.Size)), id)
	}
	s.log.Debug(ctx, "scenario event applied",
		logging.String("kind", string(ev.Kind)),
		logging.Duration("at", ev.At),
	)
}

func (s *Simulation) setLoss(p float64) {
	if p <= 0 {
		s.medium.SetLoss(nil)
		return
	}
	s.medium.SetLoss(func(_, _ model.NodeID, _ []byte) bool {
		return s.rng.Float64() < p
	})
}

func (s *Simulation) printf(id model.NodeID, format string, args ...any) {
	if s.out == nil {
		return
	}
	who := "mesh"
	if id != model.NoNode {
		who = id.String()
	}
	fmt.Fprintf(s.out, "%s  %-9s %s\n", clockLabel(s.Elapsed()), who, fmt.Sprintf(format, args...))
}

func clockLabel(d time.Duration) string {
	d = d.Truncate(time.Second)
	return fmt.Sprintf("+%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// NodeReport is one node's end state.
type NodeReport struct {
	ID          model.NodeID
	State       nodefsm.State
	Role        model.Role
	Coordinator model.NodeID
	Peers       int
	ActivePeers int
	Health      float64
	Silenced    bool
}

// Report summarises a run.
type Report struct {
	Elapsed                time.Duration
	Nodes                  []NodeReport
	Events                 int
	RoleChanges            int
	PayloadsDelivered      int
	BytesDelivered         uint64
	TransmissionsCompleted int
	TransmissionsFailed    int
	SubmitErrors           int
	FramesSent             uint64
	FramesDelivered        uint64
	FramesDropped          uint64
}

// Report returns the current summary.
func (s *Simulation) Report() Report {
	r := s.report
	r.Elapsed = s.Elapsed()
	r.FramesSent, r.FramesDelivered, r.FramesDropped = s.medium.Stats()
	r.Nodes = make([]NodeReport, 0, len(s.order))
	for _, id := range s.order {
		sn := s.nodes[id]
		st := sn.node.Stats()
		r.Nodes = append(r.Nodes, NodeReport{
			ID:          id,
			State:       st.State,
			Role:        st.Role,
			Coordinator: st.Coordinator,
			Peers:       st.Peers,
			ActivePeers: st.ActivePeers,
			Health:      st.Health,
			Silenced:    sn.silenced,
		})
	}
	sort.Slice(r.Nodes, func(i, j int) bool { return r.Nodes[i].ID < r.Nodes[j].ID })
	return r
}

// Converged reports whether every node with a working radio follows the
// same coordinator, and which one.
func (r Report) Converged() (model.NodeID, bool) {
	coord := model.NoNode
	for _, n := range r.Nodes {
		if n.Silenced {
			continue
		}
		if n.Coordinator == model.NoNode {
			return model.NoNode, false
		}
		if coord == model.NoNode {
			coord = n.Coordinator
		} else if n.Coordinator != coord {
			return model.NoNode, false
		}
	}
	return coord, coord != model.NoNode
}

// WriteTo prints the summary table.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	fmt.Fprintf(cw, "\nafter %s: %d events, %d role changes, %d payloads (%s), %d completed / %d failed transmissions\n",
		r.Elapsed, r.Events, r.RoleChanges, r.PayloadsDelivered, humanize.Bytes(r.BytesDelivered),
		r.TransmissionsCompleted, r.TransmissionsFailed)
	fmt.Fprintf(cw, "radio: %s frames sent, %s delivered, %s dropped\n",
		humanize.Comma(int64(r.FramesSent)), humanize.Comma(int64(r.FramesDelivered)), humanize.Comma(int64(r.FramesDropped)))
	fmt.Fprintf(cw, "%-9s %-20s %-13s %-9s %-7s %s\n", "NODE", "STATE", "ROLE", "COORD", "PEERS", "HEALTH")
	for _, n := range r.Nodes {
		state := n.State.String()
		if n.Silenced {
			state += " (silent)"
		}
		fmt.Fprintf(cw, "%-9s %-20s %-13s %-9s %d/%-5d %.2f\n",
			n.ID, state, n.Role, n.Coordinator, n.ActivePeers, n.Peers, n.Health)
	}
	if coord, ok := r.Converged(); ok {
		fmt.Fprintf(cw, "converged on coordinator %s\n", coord)
	} else {
		fmt.Fprintln(cw, "not converged")
	}
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
