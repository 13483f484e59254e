// Package platform describes the game host primitives the coordination core
// depends on: online players, teleports, plugin messaging through a player's
// proxy connection, world creation and process restart.
package platform

import (
	"github.com/google/uuid"
)

// Player is a connected player as seen by the local game host.
type Player interface {
	ID() uuid.UUID
	Name() string
	// World returns the name of the world the player is in.
	World() string
	SendActionBar(text string)
	SendMessage(text string)
	// SendPluginMessage writes data on channel through this player's proxy connection.
	SendPluginMessage(channel string, data []byte) error
	// SetSpectator switches the player into the non-interactive observer mode.
	SetSpectator() error
	// Teleport moves the player to the spawn of world.
	Teleport(world string) error
}

// Host is the local game server.
type Host interface {
	OnlinePlayers() []Player
	Player(id uuid.UUID) (Player, bool)
	// CreateWorld loads a fresh world in-process. A nil seed lets the host choose.
	CreateWorld(name string, seed *int64) error
	// Restart asks the host process to restart; it returns once the request is accepted.
	Restart() error
}
