// Package nodefsm tracks a node's relationship to the coordinator:
// SEEKING_COORDINATOR, ACTIVE or STANDALONE. The machine only decides; the
// mesh node carries out the effects it reports (status updates, ROLE_ACK).
package nodefsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// ErrCoordinatorLost marks the ACTIVE to SEEKING_COORDINATOR transition.
var ErrCoordinatorLost = errors.New("coordinator lost")

// State is the node's coordination state.
type State int

const (
	StateSeekingCoordinator State = iota
	StateActive
	StateStandalone
)

func (s State) String() string {
	switch s {
	case StateSeekingCoordinator:
		return "SEEKING_COORDINATOR"
	case StateActive:
		return "ACTIVE"
	case StateStandalone:
		return "STANDALONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transition records one state change.
type Transition struct {
	From, To State
	Reason   string
	// Err is ErrCoordinatorLost for that transition, nil otherwise.
	Err error
}

// Result is what one Tick decided.
type Result struct {
	Transitions []Transition
	// StatusUpdate asks the mesh node to advertise immediately.
	StatusUpdate bool
}

// Changed reports whether the state moved.
func (r Result) Changed() bool { return len(r.Transitions) > 0 }

// Outcome classifies a received ROLE_ASSIGNMENT.
type Outcome int

const (
	// AssignmentIgnored: not addressed to us or not from the believed
	// coordinator. Nothing is sent.
	AssignmentIgnored Outcome = iota
	// AssignmentApplied: new role applied; ACK and notify.
	AssignmentApplied
	// AssignmentDuplicate: same command seen again; ACK only.
	AssignmentDuplicate
)

// Config selects optional behaviour.
type Config struct {
	// AutonomousMode lets a node with no coordinator after discovery run
	// STANDALONE instead of seeking forever.
	AutonomousMode bool `yaml:"autonomous_mode"`
}

// Machine is not safe for concurrent use.
type Machine struct {
	cfg  Config
	self model.NodeID
	log  logging.Logger

	state       State
	coordinator model.NodeID
	role        model.Role
	last        model.RoleAssignment
	since       time.Time
}

// New returns a machine in SEEKING_COORDINATOR with role NODE.
func New(cfg Config, self model.NodeID, log logging.Logger) *Machine {
	if log == nil {
		log = logging.Noop()
	}
	return &Machine{cfg: cfg, self: self, log: log, role: model.RoleNode}
}

// Tick advances the machine given the currently believed coordinator and
// whether local discovery has completed at least once.
func (m *Machine) Tick(now time.Time, coordinator model.NodeID, discoveryComplete bool) Result {
	var res Result
	prev := m.coordinator
	m.coordinator = coordinator

	switch m.state {
	case StateSeekingCoordinator:
		if coordinator != model.NoNode {
			m.move(now, &res, StateActive, "coordinator found", nil)
			res.StatusUpdate = true
		} else if discoveryComplete && m.cfg.AutonomousMode {
			m.move(now, &res, StateStandalone, "no coordinator after discovery", nil)
		}

	case StateActive:
		switch {
		case coordinator == model.NoNode:
			m.move(now, &res, StateSeekingCoordinator, "coordinator lost", ErrCoordinatorLost)
		case coordinator != prev:
			m.log.Info(context.Background(), "Coordinator changed",
				logging.Stringer("from", prev),
				logging.Stringer("to", coordinator),
			)
			res.StatusUpdate = true
		}

	case StateStandalone:
		if coordinator != model.NoNode {
			m.move(now, &res, StateSeekingCoordinator, "coordinator appeared", nil)
			m.move(now, &res, StateActive, "coordinator found", nil)
			res.StatusUpdate = true
		}
	}
	return res
}

func (m *Machine) move(now time.Time, res *Result, to State, reason string, err error) {
	t := Transition{From: m.state, To: to, Reason: reason, Err: err}
	m.state = to
	m.since = now
	res.Transitions = append(res.Transitions, t)

	fields := []logging.Field{
		logging.Stringer("from", t.From),
		logging.Stringer("to", t.To),
		logging.String("reason", reason),
		logging.Stringer("coordinator", m.coordinator),
	}
	if err != nil {
		m.log.Warn(context.Background(), "Node state changed", append(fields, logging.Err(err))...)
		return
	}
	m.log.Info(context.Background(), "Node state changed", fields...)
}

// HandleAssignment evaluates a ROLE_ASSIGNMENT. Only commands addressed to
// this node from the believed coordinator are honoured. A repeat of the
// last applied command is reported as a duplicate so it is re-acknowledged
// without notifying the application again.
func (m *Machine) HandleAssignment(msg protocol.Message, now time.Time) (model.RoleAssignment, Outcome) {
	if msg.Type != protocol.TypeRoleAssignment || msg.Target != m.self {
		return model.RoleAssignment{}, AssignmentIgnored
	}
	if m.coordinator == model.NoNode || msg.Source != m.coordinator {
		m.log.Debug(context.Background(), "Ignoring role assignment from non-coordinator",
			logging.Stringer("source", msg.Source),
			logging.Stringer("coordinator", m.coordinator),
		)
		return model.RoleAssignment{}, AssignmentIgnored
	}

	ra := model.RoleAssignment{Target: m.self, Role: msg.Role, IssuedBy: msg.IssuedBy, IssuedAt: now}
	if m.role == msg.Role && m.last.IssuedBy == msg.IssuedBy && m.last.Role == msg.Role {
		return m.last, AssignmentDuplicate
	}
	prev := m.role
	m.role = msg.Role
	m.last = ra
	m.log.Info(context.Background(), "Role assigned",
		logging.Stringer("from", prev),
		logging.Stringer("to", msg.Role),
		logging.Stringer("issued_by", msg.IssuedBy),
	)
	return ra, AssignmentApplied
}

// SetRole applies a locally decided role (COORDINATOR on election, NODE on
// demotion). It reports whether the role changed.
func (m *Machine) SetRole(r model.Role) bool {
	if m.role == r {
		return false
	}
	m.role = r
	m.last = model.RoleAssignment{}
	return true
}

func (m *Machine) State() State                         { return m.state }
func (m *Machine) Role() model.Role                     { return m.role }
func (m *Machine) Coordinator() model.NodeID            { return m.coordinator }
func (m *Machine) Since() time.Time                     { return m.since }
func (m *Machine) LastAssignment() model.RoleAssignment { return m.last }
