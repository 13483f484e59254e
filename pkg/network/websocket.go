package network

import (
	"context"
	"net/http"

	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/gorilla/websocket"
)

// BridgeServer accepts websocket connections from a proxy bridge or a peer
// node's BridgeClient. Every binary message is a Forward frame; frames
// addressed to this node are handed to the listener.
type BridgeServer struct {
	serverName string
	listener   *RelayListener
	logger     *log.Logger
}

type NewBridgeServerOptions struct {
	// ServerName is the proxy's name for this node.
	ServerName string
	Listener   *RelayListener
}

func NewBridgeServer(opts NewBridgeServerOptions) *BridgeServer {
	return &BridgeServer{
		serverName: opts.ServerName,
		listener:   opts.Listener,
		logger:     log.With("relay-bridge"),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeHTTP upgrades the request and reads frames until the peer goes away.
func (s *BridgeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}
	s.logger.Debug("New bridge connection from %s", conn.RemoteAddr().String())
	s.handleConnection(r.Context(), conn)
}

func (s *BridgeServer) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("Error reading bridge frame from %s: %v", conn.RemoteAddr().String(), err)
			}
			s.logger.Trace("Bridge connection closed for %s", conn.RemoteAddr().String())
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		s.HandleFrame(ctx, frame)
	}
}

// HandleFrame delivers one Forward frame and reports whether it was dispatched.
func (s *BridgeServer) HandleFrame(ctx context.Context, frame []byte) bool {
	target, channelID, payload, err := messages.DecodeForwardFrame(frame)
	if err != nil {
		s.logger.Debug("Ignoring malformed bridge frame: %v", err)
		return false
	}
	if target != s.serverName && target != "ALL" {
		s.logger.Debug("Ignoring bridge frame for %s", target)
		return false
	}
	return s.listener.HandlePayload(ctx, channelID, payload)
}
