// Package rpc delivers peer calls over HTTP or the proxy relay, falling back
// to the persistent and outbound queues when delivery fails.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/cbodonnell/worldcycle/pkg/messages"
)

// ErrNoCarrier is returned by the relay when neither a connected player nor
// a bridge can carry a frame.
var ErrNoCarrier = errors.New("no relay carrier available")

// Transport sends one message to the peer node.
type Transport interface {
	Name() string
	Send(ctx context.Context, m messages.Message) error
}

// StatusError is a non-2xx peer response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("peer responded %d", e.Code)
	}
	return fmt.Sprintf("peer responded %d: %s", e.Code, e.Body)
}

// Terminal reports whether retrying cannot help.
func (e *StatusError) Terminal() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsTerminal reports whether err is a terminal peer response.
func IsTerminal(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Terminal()
	}
	return false
}
