package relocation

import (
	"fmt"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/platform"
)

// Mover performs one relocation of an online player.
type Mover interface {
	Move(p platform.Player, dest types.Destination) error
}

// Router teleports players whose destination is served by this node and
// asks the proxy to connect everyone else to the peer server.
type Router struct {
	role       types.Role
	peerServer string
	localWorld func() string
}

type NewRouterOptions struct {
	Role types.Role
	// PeerServer is the proxy's name for the peer node.
	PeerServer string
	// LocalWorld returns the world local relocations land in.
	LocalWorld func() string
}

func NewRouter(opts NewRouterOptions) *Router {
	return &Router{
		role:       opts.Role,
		peerServer: opts.PeerServer,
		localWorld: opts.LocalWorld,
	}
}

func (r *Router) Move(p platform.Player, dest types.Destination) error {
	if dest == types.DestinationOf(r.role) {
		world := r.localWorld()
		if err := p.Teleport(world); err != nil {
			return fmt.Errorf("failed to teleport %s to %s: %w", p.Name(), world, err)
		}
		return nil
	}

	frame, err := messages.EncodeConnectFrame(r.peerServer)
	if err != nil {
		return fmt.Errorf("failed to encode connect frame: %w", err)
	}
	if err := p.SendPluginMessage(messages.ProxyChannel, frame); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", p.Name(), r.peerServer, err)
	}
	return nil
}
