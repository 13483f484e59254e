package types

import (
	"fmt"
	"strings"
)

// Role is fixed at startup. Only the hardcore node may mutate world and
// cycle state; the lobby forwards triggers and relocates.
type Role int

const (
	RoleHardcore Role = iota + 1
	RoleLobby
)

func (r Role) String() string {
	switch r {
	case RoleHardcore:
		return "hardcore"
	case RoleLobby:
		return "lobby"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hardcore":
		return RoleHardcore, nil
	case "lobby":
		return RoleLobby, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Peer returns the other role of the pair.
func (r Role) Peer() Role {
	if r == RoleHardcore {
		return RoleLobby
	}
	return RoleHardcore
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Destination is where a relocation sends a player.
type Destination int

const (
	DestinationLobby Destination = iota + 1
	DestinationHardcore
)

func (d Destination) String() string {
	switch d {
	case DestinationLobby:
		return "lobby"
	case DestinationHardcore:
		return "hardcore"
	default:
		return "unknown"
	}
}

// DestinationOf maps a role to the destination served by that node.
func DestinationOf(r Role) Destination {
	if r == RoleHardcore {
		return DestinationHardcore
	}
	return DestinationLobby
}
