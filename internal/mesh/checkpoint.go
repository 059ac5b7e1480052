package mesh

import (
	"context"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// Checkpoint is the part of a node's state worth keeping across restarts.
type Checkpoint struct {
	Node               model.NodeID `json:"node"`
	NextTransmissionID uint32       `json:"next_transmission_id"`
	// Role is the last role assigned by a coordinator. COORDINATOR is never
	// restored; election decides that afresh.
	Role    model.Role `json:"role"`
	SavedAt time.Time  `json:"saved_at"`
}

// Checkpoint captures the durable state.
func (n *Node) Checkpoint() Checkpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Checkpoint{
		Node:               n.id,
		NextTransmissionID: n.sender.NextID(),
		Role:               n.fsm.Role(),
		SavedAt:            n.now,
	}
}

// Restore applies a checkpoint taken by a previous run of the same node.
// It must be called before Start. Checkpoints for another node ID are
// ignored.
func (n *Node) Restore(c Checkpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.Node != n.id {
		n.log.Warn(context.Background(), "Ignoring checkpoint for another node", logging.Stringer("checkpoint_node", c.Node))
		return
	}
	if c.NextTransmissionID > n.sender.NextID() {
		n.sender.SetNextID(c.NextTransmissionID)
	}
	if c.Role.Valid() && c.Role != model.RoleCoordinator {
		n.fsm.SetRole(c.Role)
		n.disc.SetLocalRole(c.Role)
	}
	n.log.Info(context.Background(), "Restored checkpoint",
		logging.Uint32("next_transmission_id", n.sender.NextID()),
		logging.Stringer("role", n.fsm.Role()),
	)
}
