package rpc

import (
	"context"
	"fmt"

	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/metrics"
	"github.com/cbodonnell/worldcycle/pkg/platform"
)

const transportRelay = "relay"

// FrameSender carries a Forward frame to the proxy without a player, such
// as the websocket bridge.
type FrameSender interface {
	SendFrame(ctx context.Context, frame []byte) error
}

// RelayTransport sends Forward frames through any connected player's plugin
// channel, or through the bridge when nobody is online.
type RelayTransport struct {
	host       platform.Host
	secret     string
	targetNode string
	channelID  string
	bridge     FrameSender
	logger     *log.Logger
}

type NewRelayTransportOptions struct {
	Host   platform.Host
	Secret string
	// TargetNode is the proxy's name for the peer.
	TargetNode string
	ChannelID  string
	// Bridge is optional.
	Bridge FrameSender
}

func NewRelayTransport(opts NewRelayTransportOptions) *RelayTransport {
	return &RelayTransport{
		host:       opts.Host,
		secret:     opts.Secret,
		targetNode: opts.TargetNode,
		channelID:  opts.ChannelID,
		bridge:     opts.Bridge,
		logger:     log.With("rpc-relay"),
	}
}

func (t *RelayTransport) Name() string {
	return transportRelay
}

// Frame builds the Forward frame for m.
func (t *RelayTransport) Frame(m messages.Message) ([]byte, error) {
	payload, err := messages.EncodeRelayPayload(t.secret, m)
	if err != nil {
		return nil, err
	}
	return messages.EncodeForwardFrame(t.targetNode, t.channelID, payload)
}

func (t *RelayTransport) Send(ctx context.Context, m messages.Message) error {
	frame, err := t.Frame(m)
	if err != nil {
		return err
	}
	if err := t.SendFrame(ctx, frame); err != nil {
		metrics.RPCSendTotal.WithLabelValues(transportRelay, m.Action.String(), "retry").Inc()
		return err
	}
	metrics.RPCSendTotal.WithLabelValues(transportRelay, m.Action.String(), "ok").Inc()
	return nil
}

// SendFrame makes one delivery attempt of an encoded frame.
func (t *RelayTransport) SendFrame(ctx context.Context, frame []byte) error {
	var lastErr error
	for _, p := range t.host.OnlinePlayers() {
		if err := p.SendPluginMessage(messages.ProxyChannel, frame); err != nil {
			t.logger.Debug("Relay through %s failed: %v", p.Name(), err)
			lastErr = err
			continue
		}
		return nil
	}
	if t.bridge != nil {
		if err := t.bridge.SendFrame(ctx, frame); err != nil {
			return fmt.Errorf("relay bridge: %w", err)
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoCarrier, lastErr)
	}
	return ErrNoCarrier
}
