package workers

import (
	"context"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/log"
)

// PluginMessageHandler is implemented by network.RelayListener.
type PluginMessageHandler interface {
	HandlePluginMessage(ctx context.Context, channel string, data []byte) bool
}

// PluginMessageWorker hands plugin messages delivered over connected players
// to the relay listener. The listener blocks on the main loop, so the worker
// never runs on it.
type PluginMessageWorker struct {
	pluginMessageChan <-chan types.PluginMessageEvent
	handler           PluginMessageHandler
}

type NewPluginMessageWorkerOptions struct {
	PluginMessageChan <-chan types.PluginMessageEvent
	Handler           PluginMessageHandler
}

func NewPluginMessageWorker(opts NewPluginMessageWorkerOptions) *PluginMessageWorker {
	return &PluginMessageWorker{
		pluginMessageChan: opts.PluginMessageChan,
		handler:           opts.Handler,
	}
}

func (w *PluginMessageWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.pluginMessageChan:
			if !ok {
				return
			}
			if !w.handler.HandlePluginMessage(ctx, event.Channel, event.Data) {
				log.Trace("Ignored %s plugin message via %s", event.Channel, event.PlayerID)
			}
		}
	}
}
