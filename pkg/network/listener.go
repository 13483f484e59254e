// Package network receives peer RPCs that arrive as relay frames, either as
// plugin messages delivered by the proxy or over the websocket bridge.
package network

import (
	"context"
	"crypto/subtle"

	"github.com/cbodonnell/worldcycle/pkg/cycle"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/metrics"
)

const transportRelay = "relay"

// Dispatcher runs an inbound RPC; implemented by cycle.Node.
type Dispatcher interface {
	Dispatch(ctx context.Context, m messages.Message, wait bool) (cycle.DispatchStatus, error)
}

// RelayListener validates relay payloads and dispatches them. Frames on the
// wrong channel, with a bad secret or an unknown action are dropped without
// an answer. Its methods block on the main loop and must not be called
// from it.
type RelayListener struct {
	secret     []byte
	channelID  string
	dispatcher Dispatcher
	logger     *log.Logger
}

type NewRelayListenerOptions struct {
	Secret     string
	ChannelID  string
	Dispatcher Dispatcher
}

func NewRelayListener(opts NewRelayListenerOptions) *RelayListener {
	return &RelayListener{
		secret:     []byte(opts.Secret),
		channelID:  opts.ChannelID,
		dispatcher: opts.Dispatcher,
		logger:     log.With("relay-listener"),
	}
}

// HandlePluginMessage handles a plugin message received by the host and
// reports whether it carried a dispatched RPC.
func (l *RelayListener) HandlePluginMessage(ctx context.Context, channel string, data []byte) bool {
	if channel != messages.ProxyChannel {
		return false
	}
	channelID, payload, err := messages.DecodeDelivered(data)
	if err != nil {
		l.logger.Trace("Ignoring undecodable proxy frame: %v", err)
		return false
	}
	return l.HandlePayload(ctx, channelID, payload)
}

// HandlePayload validates and dispatches one relay payload.
func (l *RelayListener) HandlePayload(ctx context.Context, channelID, payload string) bool {
	if channelID != l.channelID {
		return false
	}
	secret, m, err := messages.DecodeRelayPayload(payload)
	if err != nil {
		l.logger.Debug("Dropping relay payload: %v", err)
		metrics.RPCReceivedTotal.WithLabelValues(transportRelay, "unknown", "dropped").Inc()
		return false
	}
	if subtle.ConstantTimeCompare([]byte(secret), l.secret) != 1 {
		l.logger.Warn("Dropping %s relay payload with an invalid secret", m.Action)
		metrics.RPCReceivedTotal.WithLabelValues(transportRelay, m.Action.String(), "forbidden").Inc()
		return false
	}

	status, err := l.dispatcher.Dispatch(ctx, m, false)
	if err != nil {
		l.logger.Error("Failed to dispatch relayed %s: %v", m.Action, err)
		metrics.RPCReceivedTotal.WithLabelValues(transportRelay, m.Action.String(), "error").Inc()
		return true
	}
	l.logger.Info("Dispatched relayed %s from %s: %s", m.Action, callerName(m), status)
	metrics.RPCReceivedTotal.WithLabelValues(transportRelay, m.Action.String(), status.String()).Inc()
	return true
}

func callerName(m messages.Message) string {
	if !m.HasCaller() {
		return "console"
	}
	return m.Caller.String()
}
