package model

import "time"

// NodeView is a NetworkNode as seen at snapshot time, with activity resolved.
type NodeView struct {
	NetworkNode
	Active bool `json:"active"`
}

// Topology is a read-only snapshot of a node's local view of the mesh.
type Topology struct {
	LocalID       NodeID     `json:"local_id"`
	Nodes         []NodeView `json:"nodes"`
	CoordinatorID NodeID     `json:"coordinator_id"`
	IsStable      bool       `json:"is_stable"`
	LastUpdate    time.Time  `json:"last_update"`
	// Version increases whenever membership, a role or a capability snapshot
	// changes. Liveness refreshes do not bump it.
	Version uint64 `json:"version"`
}

// Node returns the view for id, if present.
func (t Topology) Node(id NodeID) (NodeView, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeView{}, false
}

// ActiveCount returns the number of active peers in the snapshot.
func (t Topology) ActiveCount() int {
	count := 0
	for _, n := range t.Nodes {
		if n.Active {
			count++
		}
	}
	return count
}

// RoleAssignment is a coordinator command telling Target to take on Role.
type RoleAssignment struct {
	Target   NodeID    `json:"target"`
	Role     Role      `json:"role"`
	IssuedBy NodeID    `json:"issued_by"`
	IssuedAt time.Time `json:"issued_at"`
}
