package rpc

import (
	"context"

	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/metrics"
	"github.com/cbodonnell/worldcycle/pkg/queue"
	"github.com/google/uuid"
)

// OutboundFrame is a relay frame waiting for the next drain.
type OutboundFrame struct {
	Action messages.Action
	Frame  []byte
}

// Client is the outbound side of peer RPC. With an HTTP transport it never
// uses the relay; undelivered HTTP calls go to the persistent queue and
// undelivered relay frames to the outbound queue.
type Client struct {
	http       *HTTPTransport
	relay      *RelayTransport
	persistent *queue.PersistentQueue
	outbound   queue.Queue[OutboundFrame]
	logger     *log.Logger
}

type NewClientOptions struct {
	// HTTP is nil when no peer URL is configured.
	HTTP       *HTTPTransport
	Relay      *RelayTransport
	Persistent *queue.PersistentQueue
	Outbound   queue.Queue[OutboundFrame]
}

func NewClient(opts NewClientOptions) *Client {
	return &Client{
		http:       opts.HTTP,
		relay:      opts.Relay,
		persistent: opts.Persistent,
		outbound:   opts.Outbound,
		logger:     log.With("rpc"),
	}
}

// Transport names the selected strategy.
func (c *Client) Transport() string {
	if c.http != nil {
		return c.http.Name()
	}
	return c.relay.Name()
}

// Send delivers action to the peer. It blocks for the HTTP retry schedule
// and must not run on the main loop. The result reports whether a delivery
// attempt was made, not whether it succeeded.
func (c *Client) Send(ctx context.Context, action messages.Action, caller uuid.UUID) bool {
	m := messages.NewMessage(action, caller)
	if c.http != nil {
		return c.sendHTTP(ctx, m)
	}
	return c.sendRelay(ctx, m)
}

// SendAsync runs Send on its own goroutine.
func (c *Client) SendAsync(ctx context.Context, action messages.Action, caller uuid.UUID) {
	go c.Send(ctx, action, caller)
}

func (c *Client) sendHTTP(ctx context.Context, m messages.Message) bool {
	body, err := messages.EncodeBody(m)
	if err != nil {
		c.logger.Error("Failed to encode %s: %v", m.Action, err)
		return false
	}
	attempts, err := c.http.SendBody(ctx, m.Action, body)
	if err == nil {
		c.logger.Info("Delivered %s to peer after %d attempt(s)", m.Action, attempts)
		return true
	}
	if IsTerminal(err) {
		c.logger.Error("Peer refused %s, not queueing: %v", m.Action, err)
		return true
	}
	if c.persistent == nil {
		c.logger.Error("Failed to deliver %s and no queue is configured: %v", m.Action, err)
		return true
	}
	if qerr := c.persistent.Enqueue(body, m.Action, callerString(m.Caller)); qerr != nil {
		c.logger.Error("Failed to queue %s: %v", m.Action, qerr)
		return true
	}
	metrics.RPCSendTotal.WithLabelValues(transportHTTP, m.Action.String(), "queued").Inc()
	metrics.QueueDepth.WithLabelValues("persistent").Set(float64(c.persistent.Len()))
	c.logger.Warn("Queued %s for later delivery: %v", m.Action, err)
	return true
}

func (c *Client) sendRelay(ctx context.Context, m messages.Message) bool {
	frame, err := c.relay.Frame(m)
	if err != nil {
		c.logger.Error("Failed to encode relay frame for %s: %v", m.Action, err)
		return false
	}
	err = c.relay.SendFrame(ctx, frame)
	if err == nil {
		metrics.RPCSendTotal.WithLabelValues(transportRelay, m.Action.String(), "ok").Inc()
		c.logger.Info("Relayed %s to peer", m.Action)
		return true
	}
	c.logger.Warn("Relay of %s failed, queueing: %v", m.Action, err)
	if c.outbound.Enqueue(OutboundFrame{Action: m.Action, Frame: frame}) {
		c.logger.Warn("Outbound queue full, dropped oldest frame")
	}
	metrics.RPCSendTotal.WithLabelValues(transportRelay, m.Action.String(), "queued").Inc()
	metrics.QueueDepth.WithLabelValues("outbound").Set(float64(c.outbound.Size()))
	return true
}

// RetryQueued gives every persisted call one more attempt.
func (c *Client) RetryQueued(ctx context.Context) (queue.RetryResult, error) {
	if c.persistent == nil || c.http == nil {
		return queue.RetryResult{}, nil
	}
	result, err := c.persistent.RetryAll(func(entry queue.QueuedRPC) error {
		if err := c.http.Post(ctx, entry.Action, entry.Payload); err != nil {
			if IsTerminal(err) {
				// a refused call leaves the queue like a delivered one
				c.logger.Warn("Dropping queued %s refused by peer: %v", entry.Action, err)
				return nil
			}
			return err
		}
		return nil
	})
	metrics.QueueDepth.WithLabelValues("persistent").Set(float64(c.persistent.Len()))
	if result.Delivered > 0 || result.Expired > 0 {
		c.logger.Info("RPC queue retry: %d delivered, %d expired, %d still queued", result.Delivered, result.Expired, result.Failed)
	}
	return result, err
}

// DrainOutbound makes one attempt per queued relay frame, oldest first.
// Failed frames go back on the queue in order.
func (c *Client) DrainOutbound(ctx context.Context) int {
	if c.outbound == nil || c.outbound.Size() == 0 {
		return 0
	}
	frames := c.outbound.ReadAllMessages()
	sent := 0
	for i, f := range frames {
		if err := c.relay.SendFrame(ctx, f.Frame); err != nil {
			c.logger.Debug("Drain stopped, %d frames remain: %v", len(frames)-i, err)
			for _, rest := range frames[i:] {
				c.outbound.Enqueue(rest)
			}
			break
		}
		metrics.RPCSendTotal.WithLabelValues(transportRelay, f.Action.String(), "ok").Inc()
		sent++
	}
	metrics.QueueDepth.WithLabelValues("outbound").Set(float64(c.outbound.Size()))
	return sent
}

// Pending returns the sizes of the persistent and outbound queues.
func (c *Client) Pending() (persistent, outbound int) {
	if c.persistent != nil {
		persistent = c.persistent.Len()
	}
	if c.outbound != nil {
		outbound = c.outbound.Size()
	}
	return persistent, outbound
}

func callerString(caller uuid.UUID) string {
	if caller == uuid.Nil {
		return ""
	}
	return caller.String()
}
