package platform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/google/uuid"
)

const (
	// PlayerEventChannelSize represents the size of the player event channel
	PlayerEventChannelSize = 1024
)

// PluginMessage is a recorded outbound plugin message.
type PluginMessage struct {
	Channel string
	Data    []byte
}

// CreatedWorld records a CreateWorld call.
type CreatedWorld struct {
	Name string
	Seed *int64
}

// MemoryHost is an in-process Host used by the standalone node and by tests.
// Players sent elsewhere with a proxy Connect request leave the host.
type MemoryHost struct {
	playersLock sync.RWMutex
	players     map[uuid.UUID]*MemoryPlayer
	eventChan   chan types.PlayerEvent
	pluginChan  chan types.PluginMessageEvent

	lock           sync.Mutex
	worlds         []CreatedWorld
	restarts       int
	createWorldErr error
	restartErr     error
}

func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		players:    make(map[uuid.UUID]*MemoryPlayer),
		eventChan:  make(chan types.PlayerEvent, PlayerEventChannelSize),
		pluginChan: make(chan types.PluginMessageEvent, PlayerEventChannelSize),
	}
}

// GetPlayerEventChan returns a one-way channel for receiving player events
func (h *MemoryHost) GetPlayerEventChan() <-chan types.PlayerEvent {
	return h.eventChan
}

func (h *MemoryHost) emit(event types.PlayerEvent) {
	select {
	case h.eventChan <- event:
	default:
		log.Warn("Player event channel full, dropping %s event for %s", event.Type, event.PlayerID)
	}
}

// GetPluginMessageChan returns a one-way channel for receiving plugin
// messages delivered over connected players.
func (h *MemoryHost) GetPluginMessageChan() <-chan types.PluginMessageEvent {
	return h.pluginChan
}

// DeliverPluginMessage reports data arriving on channel over player id, as
// the proxy does for relay frames. Unknown players are ignored.
func (h *MemoryHost) DeliverPluginMessage(id uuid.UUID, channel string, data []byte) bool {
	if _, ok := h.player(id); !ok {
		return false
	}
	event := types.PluginMessageEvent{PlayerID: id, Channel: channel, Data: append([]byte(nil), data...)}
	select {
	case h.pluginChan <- event:
		return true
	default:
		log.Warn("Plugin message channel full, dropping %s message via %s", channel, id)
		return false
	}
}

// Join connects a new player in world.
func (h *MemoryHost) Join(name, world string) *MemoryPlayer {
	return h.JoinWithID(uuid.New(), name, world)
}

// JoinWithID connects a player with a known identity, as after a transfer.
func (h *MemoryHost) JoinWithID(id uuid.UUID, name, world string) *MemoryPlayer {
	p := &MemoryPlayer{
		id:    id,
		name:  name,
		world: world,
		host:  h,
	}
	h.playersLock.Lock()
	h.players[id] = p
	h.playersLock.Unlock()
	h.emit(types.PlayerEvent{Type: types.PlayerEventJoin, PlayerID: id, World: world})
	return p
}

// Quit disconnects a player.
func (h *MemoryHost) Quit(id uuid.UUID) {
	h.playersLock.Lock()
	p, ok := h.players[id]
	delete(h.players, id)
	h.playersLock.Unlock()
	if ok {
		h.emit(types.PlayerEvent{Type: types.PlayerEventQuit, PlayerID: id, World: p.World()})
	}
}

// Kill reports a player death.
func (h *MemoryHost) Kill(id uuid.UUID) {
	if p, ok := h.player(id); ok {
		h.emit(types.PlayerEvent{Type: types.PlayerEventDeath, PlayerID: id, World: p.World()})
	}
}

// Respawn reports a player respawn.
func (h *MemoryHost) Respawn(id uuid.UUID) {
	if p, ok := h.player(id); ok {
		h.emit(types.PlayerEvent{Type: types.PlayerEventRespawn, PlayerID: id, World: p.World()})
	}
}

func (h *MemoryHost) player(id uuid.UUID) (*MemoryPlayer, bool) {
	h.playersLock.RLock()
	defer h.playersLock.RUnlock()
	p, ok := h.players[id]
	return p, ok
}

// OnlinePlayers returns connected players ordered by name.
func (h *MemoryHost) OnlinePlayers() []Player {
	h.playersLock.RLock()
	defer h.playersLock.RUnlock()
	players := make([]*MemoryPlayer, 0, len(h.players))
	for _, p := range h.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].name < players[j].name })
	out := make([]Player, len(players))
	for i, p := range players {
		out[i] = p
	}
	return out
}

func (h *MemoryHost) Player(id uuid.UUID) (Player, bool) {
	p, ok := h.player(id)
	if !ok {
		return nil, false
	}
	return p, true
}

// MemoryPlayer returns the concrete player for inspection.
func (h *MemoryHost) MemoryPlayer(id uuid.UUID) (*MemoryPlayer, bool) {
	return h.player(id)
}

func (h *MemoryHost) CreateWorld(name string, seed *int64) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.createWorldErr != nil {
		return h.createWorldErr
	}
	h.worlds = append(h.worlds, CreatedWorld{Name: name, Seed: seed})
	return nil
}

func (h *MemoryHost) Restart() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.restartErr != nil {
		return h.restartErr
	}
	h.restarts++
	return nil
}

// FailCreateWorld makes CreateWorld return err until reset with nil.
func (h *MemoryHost) FailCreateWorld(err error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.createWorldErr = err
}

// FailRestart makes Restart return err until reset with nil.
func (h *MemoryHost) FailRestart(err error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.restartErr = err
}

func (h *MemoryHost) Worlds() []CreatedWorld {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]CreatedWorld(nil), h.worlds...)
}

func (h *MemoryHost) Restarts() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.restarts
}

func (h *MemoryHost) transfer(p *MemoryPlayer, server string) {
	h.playersLock.Lock()
	_, ok := h.players[p.id]
	delete(h.players, p.id)
	h.playersLock.Unlock()
	if !ok {
		return
	}
	p.lock.Lock()
	p.transferredTo = server
	p.lock.Unlock()
	h.emit(types.PlayerEvent{Type: types.PlayerEventQuit, PlayerID: p.id, World: p.World()})
}

// MemoryPlayer is a Player held by a MemoryHost. SetFail makes the
// corresponding primitive return an error.
type MemoryPlayer struct {
	id   uuid.UUID
	name string
	host *MemoryHost

	lock           sync.Mutex
	world          string
	spectator      bool
	transferredTo  string
	actionBars     []string
	chat           []string
	pluginMessages []PluginMessage

	failTeleport      bool
	failSpectator     bool
	failPluginMessage bool
}

func (p *MemoryPlayer) ID() uuid.UUID { return p.id }

func (p *MemoryPlayer) Name() string { return p.name }

func (p *MemoryPlayer) World() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.world
}

func (p *MemoryPlayer) SendActionBar(text string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.actionBars = append(p.actionBars, text)
}

func (p *MemoryPlayer) SendMessage(text string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.chat = append(p.chat, text)
}

func (p *MemoryPlayer) SendPluginMessage(channel string, data []byte) error {
	p.lock.Lock()
	if p.failPluginMessage {
		p.lock.Unlock()
		return fmt.Errorf("plugin message to %s failed for %s", channel, p.name)
	}
	p.pluginMessages = append(p.pluginMessages, PluginMessage{Channel: channel, Data: append([]byte(nil), data...)})
	p.lock.Unlock()

	if channel == messages.ProxyChannel {
		if server, err := messages.DecodeConnectFrame(data); err == nil && p.host != nil {
			p.host.transfer(p, server)
		}
	}
	return nil
}

func (p *MemoryPlayer) SetSpectator() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.failSpectator {
		return fmt.Errorf("cannot change game mode of %s", p.name)
	}
	p.spectator = true
	return nil
}

func (p *MemoryPlayer) Teleport(world string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.failTeleport {
		return fmt.Errorf("teleport of %s to %s failed", p.name, world)
	}
	p.world = world
	p.spectator = false
	return nil
}

// SetFail toggles every failure switch under the player lock.
func (p *MemoryPlayer) SetFail(teleport, spectator, pluginMessage bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.failTeleport = teleport
	p.failSpectator = spectator
	p.failPluginMessage = pluginMessage
}

func (p *MemoryPlayer) Spectator() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.spectator
}

// TransferredTo returns the server a Connect request sent the player to.
func (p *MemoryPlayer) TransferredTo() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.transferredTo
}

func (p *MemoryPlayer) ActionBars() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]string(nil), p.actionBars...)
}

func (p *MemoryPlayer) Chat() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]string(nil), p.chat...)
}

func (p *MemoryPlayer) PluginMessages() []PluginMessage {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]PluginMessage(nil), p.pluginMessages...)
}
