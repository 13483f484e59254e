package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/log"
	"nhooyr.io/websocket"
)

const DefaultBridgeDialTimeout = 3 * time.Second

// BridgeClient writes Forward frames to a websocket bridge. The connection
// is dialed on first use and redialed after a failed write.
type BridgeClient struct {
	url         string
	dialTimeout time.Duration
	logger      *log.Logger

	lock sync.Mutex
	conn *websocket.Conn
}

type NewBridgeClientOptions struct {
	URL string
	// DialTimeout defaults to DefaultBridgeDialTimeout.
	DialTimeout time.Duration
}

func NewBridgeClient(opts NewBridgeClientOptions) *BridgeClient {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultBridgeDialTimeout
	}
	return &BridgeClient{
		url:         opts.URL,
		dialTimeout: dialTimeout,
		logger:      log.With("bridge-client"),
	}
}

// SendFrame makes one delivery attempt.
func (c *BridgeClient) SendFrame(ctx context.Context, frame []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.conn = conn
	}

	if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		c.conn.Close(websocket.StatusInternalError, "write failed")
		c.conn = nil
		return fmt.Errorf("failed to write bridge frame: %w", err)
	}
	return nil
}

func (c *BridgeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge %s: %w", c.url, err)
	}
	// the bridge never writes back; keep control frames flowing
	conn.CloseRead(context.Background())
	c.logger.Info("Connected to relay bridge %s", c.url)
	return conn, nil
}

func (c *BridgeClient) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	return err
}
