// Package transport abstracts the server-push wire so the connection
// pool can be driven and tested independently of the protocol. The
// platform's primary push wire is SSE; channels addressed with ws/wss
// URLs use WebSocket instead.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Frame is a single named server-push unit: an event type, an optional
// wire identity for at-most-once processing, and a JSON payload.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// DefaultEvent is the event type assigned to frames that arrive without
// an explicit name.
const DefaultEvent = "message"

// Stream is one open push connection. Next blocks until a frame arrives
// or the stream dies; any error from Next means the stream is closed and
// the caller must reconnect (protocol-level transient errors are retried
// inside the implementation and never surfaced).
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Transport opens push streams. Open failures are connect errors: the
// pool schedules a backoff reconnect.
type Transport interface {
	Open(ctx context.Context, channelURL string) (Stream, error)
}

// ErrUnsupportedScheme is returned when no transport handles the
// channel URL's scheme.
var ErrUnsupportedScheme = errors.New("unsupported channel URL scheme")

// Auto dispatches by URL scheme: http/https to the SSE transport,
// ws/wss to the WebSocket transport.
type Auto struct {
	SSE Transport
	WS  Transport
}

// Open picks the transport for the channel URL's scheme.
func (a *Auto) Open(ctx context.Context, channelURL string) (Stream, error) {
	u, err := url.Parse(channelURL)
	if err != nil {
		return nil, fmt.Errorf("parsing channel URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return a.SSE.Open(ctx, channelURL)
	case "ws", "wss":
		return a.WS.Open(ctx, channelURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
