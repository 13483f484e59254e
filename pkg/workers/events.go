package workers

import (
	"context"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/loop"
	"github.com/google/uuid"
)

// RelocationHooks is implemented by relocation.Scheduler.
type RelocationHooks interface {
	HandlePlayerDeath(id uuid.UUID)
	HandlePlayerRespawn(id uuid.UUID)
	HandlePlayerQuit(id uuid.UUID)
}

// CycleHooks is implemented by cycle.Orchestrator.
type CycleHooks interface {
	HandlePlayerJoin(id uuid.UUID, world string)
	HandlePlayerDeath(id uuid.UUID, world string)
}

type PlayerEventWorker struct {
	playerEventChan <-chan types.PlayerEvent
	loop            *loop.Loop
	relocation      RelocationHooks
	cycle           CycleHooks
}

type NewPlayerEventWorkerOptions struct {
	PlayerEventChan <-chan types.PlayerEvent
	Loop            *loop.Loop
	Relocation      RelocationHooks
	Cycle           CycleHooks
}

// NewPlayerEventWorker creates a new PlayerEventWorker.
// The worker reads player events reported by the host and hands them to
// the main loop, relocation first so a death is recorded before it can
// trigger a cycle.
func NewPlayerEventWorker(opts NewPlayerEventWorkerOptions) *PlayerEventWorker {
	return &PlayerEventWorker{
		playerEventChan: opts.PlayerEventChan,
		loop:            opts.Loop,
		relocation:      opts.Relocation,
		cycle:           opts.Cycle,
	}
}

func (w *PlayerEventWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.playerEventChan:
			if !ok {
				return
			}
			w.loop.Post(func() {
				w.handle(event)
			})
		}
	}
}

func (w *PlayerEventWorker) handle(event types.PlayerEvent) {
	log.Trace("Player event %s for %s in %s", event.Type, event.PlayerID, event.World)
	switch event.Type {
	case types.PlayerEventJoin:
		w.cycle.HandlePlayerJoin(event.PlayerID, event.World)
	case types.PlayerEventDeath:
		w.relocation.HandlePlayerDeath(event.PlayerID)
		w.cycle.HandlePlayerDeath(event.PlayerID, event.World)
	case types.PlayerEventRespawn:
		w.relocation.HandlePlayerRespawn(event.PlayerID)
	case types.PlayerEventQuit:
		w.relocation.HandlePlayerQuit(event.PlayerID)
	default:
		log.Error("Unknown player event type: %v", event.Type)
	}
}
