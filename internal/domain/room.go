package domain

import "fmt"

type RoomID string

func (id RoomID) String() string { return string(id) }

// Role is the local or remote standing inside a room.
type Role uint8

const (
	RoleListener Role = iota
	RoleSpeaker
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleSpeaker:
		return "speaker"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "listener", "":
		*r = RoleListener
	case "speaker":
		*r = RoleSpeaker
	default:
		return fmt.Errorf("unknown role %q", string(b))
	}
	return nil
}
