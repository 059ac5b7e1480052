package model

import (
	"fmt"
	"strings"
)

// NodeID identifies a mesh device. It is assigned at provisioning and never
// changes for the life of the device.
type NodeID uint32

// NoNode is the reserved zero NodeID meaning "none" (no coordinator) or
// "everyone" when used as a destination.
const NoNode NodeID = 0

func (id NodeID) String() string {
	if id == NoNode {
		return "none"
	}
	return fmt.Sprintf("node-%d", uint32(id))
}

// Role is a capability-driven behavioural assignment given to a mesh node.
type Role uint8

const (
	RoleNode Role = iota
	RoleHub
	RoleRelay
	RoleAIProcessor
	RoleStealth
	RolePortable
	RoleCoordinator
)

var roleNames = [...]string{
	RoleNode:        "NODE",
	RoleHub:         "HUB",
	RoleRelay:       "RELAY",
	RoleAIProcessor: "AI_PROCESSOR",
	RoleStealth:     "STEALTH",
	RolePortable:    "PORTABLE",
	RoleCoordinator: "COORDINATOR",
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return int(r) < len(roleNames)
}

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
	return roleNames[r]
}

// ParseRole converts a role name (case-insensitive) back into a Role.
func ParseRole(s string) (Role, error) {
	for i, name := range roleNames {
		if strings.EqualFold(name, s) {
			return Role(i), nil
		}
	}
	return RoleNode, fmt.Errorf("unknown role %q", s)
}

// MarshalText lets roles appear by name in YAML/JSON output.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a role name.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
