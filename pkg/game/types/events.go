package types

import "github.com/google/uuid"

// PlayerEventType enumerates the host callbacks the core reacts to.
type PlayerEventType int

const (
	PlayerEventJoin PlayerEventType = iota + 1
	PlayerEventQuit
	PlayerEventDeath
	PlayerEventRespawn
)

func (t PlayerEventType) String() string {
	switch t {
	case PlayerEventJoin:
		return "join"
	case PlayerEventQuit:
		return "quit"
	case PlayerEventDeath:
		return "death"
	case PlayerEventRespawn:
		return "respawn"
	default:
		return "unknown"
	}
}

type PlayerEvent struct {
	Type     PlayerEventType
	PlayerID uuid.UUID
	World    string
}

// PluginMessageEvent is a plugin message the proxy delivered to the host
// over a connected player.
type PluginMessageEvent struct {
	PlayerID uuid.UUID
	Channel  string
	Data     []byte
}
