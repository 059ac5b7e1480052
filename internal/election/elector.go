// Package election picks the mesh coordinator and, on the coordinator,
// assigns capability-driven roles to the other nodes.
package election

import (
	"context"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// View is the input to an election round.
type View struct {
	Self         model.NodeID
	SelfEligible bool
	// DiscoveryComplete is true once the local discovery window has closed
	// at least once.
	DiscoveryComplete bool
	ActivePeers       []model.NetworkNode
	// Claimants are coordinators other nodes announce in their topology
	// updates. They can only lower the outcome.
	Claimants []model.NodeID
}

// Elect returns the coordinator for v: the lowest ID among the active
// coordinator-capable peers and the local node. A lower peer is accepted
// at once. The local node only claims the role after its discovery window
// has closed and at least one peer is active; until then it reports
// NoNode. A claimant below that outcome wins through ResolveSplitBrain,
// which is how two merged partitions settle on one coordinator.
func Elect(v View) model.NodeID {
	local := electLocal(v)
	floor := local
	if floor == model.NoNode && v.SelfEligible {
		floor = v.Self
	}
	var lower []model.NodeID
	for _, c := range v.Claimants {
		if c != model.NoNode && c != v.Self && (floor == model.NoNode || c < floor) {
			lower = append(lower, c)
		}
	}
	if len(lower) == 0 {
		return local
	}
	return ResolveSplitBrain(append(lower, local))
}

func electLocal(v View) model.NodeID {
	best := model.NoNode
	for _, p := range v.ActivePeers {
		if p.ID == v.Self || !p.CapabilitiesKnown || !p.Capabilities.CanCoordinate {
			continue
		}
		if best == model.NoNode || p.ID < best {
			best = p.ID
		}
	}
	if v.SelfEligible && (best == model.NoNode || v.Self < best) {
		if v.DiscoveryComplete && len(v.ActivePeers) > 0 {
			return v.Self
		}
		return model.NoNode
	}
	return best
}

// ResolveSplitBrain picks the surviving coordinator when several nodes
// claim the role, for example after two partitions merge. Lowest ID wins.
func ResolveSplitBrain(claimants []model.NodeID) model.NodeID {
	best := model.NoNode
	for _, id := range claimants {
		if id != model.NoNode && (best == model.NoNode || id < best) {
			best = id
		}
	}
	return best
}

// Elector runs Elect every tick and remembers the outcome.
type Elector struct {
	self    model.NodeID
	current model.NodeID
	log     logging.Logger
}

// NewElector creates an elector for the local node.
func NewElector(self model.NodeID, log logging.Logger) *Elector {
	if log == nil {
		log = logging.Noop()
	}
	return &Elector{self: self, log: log}
}

// Elect recomputes the coordinator and reports whether it changed.
func (e *Elector) Elect(v View) (model.NodeID, bool) {
	v.Self = e.self
	next := Elect(v)
	if next == e.current {
		return next, false
	}
	prev := e.current
	e.current = next
	switch {
	case next == model.NoNode:
		e.log.Warn(context.Background(), "Coordinator lost", logging.Stringer("previous", prev))
	case next == e.self:
		e.log.Info(context.Background(), "👑 This node is now coordinator", logging.Stringer("previous", prev))
	default:
		e.log.Info(context.Background(), "Coordinator elected",
			logging.Stringer("coordinator", next),
			logging.Stringer("previous", prev),
		)
	}
	return next, true
}

// Current returns the last elected coordinator.
func (e *Elector) Current() model.NodeID { return e.current }

// IsCoordinator reports whether the local node holds the role.
func (e *Elector) IsCoordinator() bool { return e.current != model.NoNode && e.current == e.self }
