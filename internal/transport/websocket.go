package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// WSTransport opens WebSocket push connections for ws/wss channel URLs.
// Each text frame is a JSON object {"type": ..., "id": ..., "payload": ...}.
type WSTransport struct {
	header http.Header
}

// NewWSTransport creates a WebSocket transport. header is attached to
// the dial handshake; nil is allowed.
func NewWSTransport(header http.Header) *WSTransport {
	return &WSTransport{header: header}
}

// Open dials the channel URL.
func (t *WSTransport) Open(ctx context.Context, channelURL string) (Stream, error) {
	conn, _, err := websocket.Dial(ctx, channelURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: t.header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

// Next reads frames until a text message arrives, skipping binary
// frames (never part of the push contract). The payload field is
// surfaced as the frame data; messages without one carry the whole
// document so malformed producers are still observable downstream.
func (s *wsStream) Next(ctx context.Context) (Frame, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return Frame{}, fmt.Errorf("reading websocket frame: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		frame := Frame{Event: DefaultEvent, Data: data}

		if evt := gjson.GetBytes(data, "type"); evt.Exists() {
			frame.Event = evt.String()
		}

		if id := gjson.GetBytes(data, "id"); id.Exists() {
			frame.ID = id.String()
		}

		if payload := gjson.GetBytes(data, "payload"); payload.Exists() {
			frame.Data = []byte(payload.Raw)
		}

		return frame, nil
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "unsubscribed")
}
