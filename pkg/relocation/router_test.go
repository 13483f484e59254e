package relocation

import (
	"testing"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Move(t *testing.T) {
	host := platform.NewMemoryHost()
	router := NewRouter(NewRouterOptions{
		Role:       types.RoleHardcore,
		PeerServer: "lobby",
		LocalWorld: func() string { return "hardcore_4" },
	})

	local := host.Join("alex", "hardcore_3")
	require.NoError(t, router.Move(local, types.DestinationHardcore))
	assert.Equal(t, "hardcore_4", local.World())
	assert.Empty(t, local.PluginMessages())

	remote := host.Join("steve", "hardcore_3")
	require.NoError(t, router.Move(remote, types.DestinationLobby))
	msgs := remote.PluginMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, messages.ProxyChannel, msgs[0].Channel)
	server, err := messages.DecodeConnectFrame(msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "lobby", server)
	assert.Equal(t, "lobby", remote.TransferredTo())

	_, online := host.Player(remote.ID())
	assert.False(t, online)
}

func TestRouter_MoveErrors(t *testing.T) {
	host := platform.NewMemoryHost()
	router := NewRouter(NewRouterOptions{
		Role:       types.RoleLobby,
		PeerServer: "hardcore",
		LocalWorld: func() string { return "lobby" },
	})

	p := host.Join("alex", "lobby")
	p.SetFail(true, false, true)
	assert.Error(t, router.Move(p, types.DestinationLobby))
	assert.Error(t, router.Move(p, types.DestinationHardcore))
}
