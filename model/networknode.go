package model

import "time"

// NetworkNode is one entry in a node's local table of known peers.
type NetworkNode struct {
	ID           NodeID       `json:"id"`
	Role         Role         `json:"role"`
	Capabilities Capabilities `json:"capabilities"`

	// CapabilitiesKnown is false for nodes only learned second-hand through a
	// relayed TOPOLOGY_UPDATE; their capability snapshot is zero.
	CapabilitiesKnown bool `json:"capabilities_known"`

	// SignalStrength is the last observed RSSI in dBm.
	SignalStrength int `json:"signal_strength"`
	// HopCount is the number of relay hops to this node; 0 is a direct neighbour.
	HopCount uint8 `json:"hop_count"`

	LastSeen time.Time `json:"last_seen"`
}

// IsActive reports whether the node has been heard from within timeout.
func (n *NetworkNode) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastSeen) < timeout
}

// Clone returns a copy of the node safe to hand to callers.
func (n *NetworkNode) Clone() NetworkNode {
	return *n
}
