// Package protocol defines the mesh message kinds and their compact wire
// format. Encoding is a pure transform; all state changes happen in the
// components that consume decoded messages.
package protocol

import (
	"fmt"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// Type discriminates the message kinds carried on the mesh.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeDiscovery
	TypeDiscoveryResponse
	TypeTopologyUpdate
	TypeRoleAssignment
	TypeRoleAck
	TypeData
	TypeDataAck
	TypeHeartbeat

	typeSentinel
)

func (t Type) String() string {
	switch t {
	case TypeDiscovery:
		return "DISCOVERY"
	case TypeDiscoveryResponse:
		return "DISCOVERY_RESPONSE"
	case TypeTopologyUpdate:
		return "TOPOLOGY_UPDATE"
	case TypeRoleAssignment:
		return "ROLE_ASSIGNMENT"
	case TypeRoleAck:
		return "ROLE_ACK"
	case TypeData:
		return "DATA"
	case TypeDataAck:
		return "DATA_ACK"
	case TypeHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Valid reports whether t is a known, non-zero message type.
func (t Type) Valid() bool {
	return t > TypeUnknown && t < typeSentinel
}

// TopologyEntry is one row of a TOPOLOGY_UPDATE node list.
type TopologyEntry struct {
	NodeID         model.NodeID
	Role           model.Role
	SignalStrength int
	HopCount       uint8
	// Age is how long ago the sender last heard from NodeID. Ages are sent
	// instead of timestamps because mesh nodes do not share a clock.
	Age time.Duration
}

// Message is the decoded form of every frame on the mesh. Only the fields
// relevant to Type are meaningful; the rest stay zero.
type Message struct {
	Type     Type
	Source   model.NodeID
	HopCount uint8

	// DISCOVERY, DISCOVERY_RESPONSE, HEARTBEAT carry Capabilities and the
	// sender's current Role.
	Capabilities *model.Capabilities

	// TOPOLOGY_UPDATE
	Coordinator model.NodeID
	Nodes       []TopologyEntry

	// ROLE_ASSIGNMENT (Role = assigned role), ROLE_ACK (Role = accepted role),
	// advertisements (Role = role the sender runs)
	Target   model.NodeID
	Role     model.Role
	IssuedBy model.NodeID

	// DATA, DATA_ACK
	Destination    model.NodeID
	TransmissionID uint32
	ChunkIndex     uint16
	TotalChunks    uint16
	Chunk          []byte
}

// Discovery builds a DISCOVERY broadcast.
func Discovery(src model.NodeID, role model.Role, caps model.Capabilities) Message {
	return Message{Type: TypeDiscovery, Source: src, Role: role, Capabilities: &caps}
}

// DiscoveryResponse builds a reply to a DISCOVERY.
func DiscoveryResponse(src model.NodeID, role model.Role, caps model.Capabilities) Message {
	return Message{Type: TypeDiscoveryResponse, Source: src, Role: role, Capabilities: &caps}
}

// Heartbeat builds a HEARTBEAT advertising caps and the role src runs.
func Heartbeat(src model.NodeID, role model.Role, caps model.Capabilities) Message {
	return Message{Type: TypeHeartbeat, Source: src, Role: role, Capabilities: &caps}
}

// TopologyUpdate builds a TOPOLOGY_UPDATE carrying entries.
func TopologyUpdate(src, coordinator model.NodeID, entries []TopologyEntry) Message {
	return Message{Type: TypeTopologyUpdate, Source: src, Coordinator: coordinator, Nodes: entries}
}

// RoleAssignment builds a ROLE_ASSIGNMENT command.
func RoleAssignment(issuer, target model.NodeID, role model.Role) Message {
	return Message{Type: TypeRoleAssignment, Source: issuer, Target: target, Role: role, IssuedBy: issuer}
}

// RoleAck builds a ROLE_ACK from the target back to the coordinator.
func RoleAck(src model.NodeID, accepted model.Role) Message {
	return Message{Type: TypeRoleAck, Source: src, Target: src, Role: accepted}
}

// Data builds one DATA chunk frame.
func Data(src, dst model.NodeID, txID uint32, index, total uint16, chunk []byte) Message {
	return Message{
		Type:           TypeData,
		Source:         src,
		Destination:    dst,
		TransmissionID: txID,
		ChunkIndex:     index,
		TotalChunks:    total,
		Chunk:          chunk,
	}
}

// DataAck builds the acknowledgment for one DATA chunk. Destination is the
// original sender of the chunk.
func DataAck(src, dst model.NodeID, txID uint32, index uint16) Message {
	return Message{
		Type:           TypeDataAck,
		Source:         src,
		Destination:    dst,
		TransmissionID: txID,
		ChunkIndex:     index,
	}
}
