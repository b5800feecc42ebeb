package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	// sseBufferSize is the line scanner buffer ceiling. Payloads are
	// JSON domain events, so 1MB leaves generous headroom.
	sseBufferSize = 1024 * 1024
)

// SSETransport opens text/event-stream connections. The zero value is
// not usable; construct with NewSSETransport.
type SSETransport struct {
	client *http.Client
	header http.Header

	mu sync.Mutex
	// lastIDs remembers the last event identity seen per channel so a
	// reopen can ask the server to resume from where the stream died.
	lastIDs map[string]string
}

// NewSSETransport creates an SSE transport using the given HTTP client.
// The client must not impose an overall request timeout, since a push
// stream stays open indefinitely. header is attached to every open
// (authorization, device identity); nil is allowed.
func NewSSETransport(client *http.Client, header http.Header) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}

	return &SSETransport{
		client:  client,
		header:  header,
		lastIDs: make(map[string]string),
	}
}

// Open issues the streaming GET and verifies the response before any
// frame is read. A non-2xx status or wrong content type is a connect
// error.
func (t *SSETransport) Open(ctx context.Context, channelURL string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, channelURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}

	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	t.mu.Lock()
	if lastID := t.lastIDs[channelURL]; lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req) //nolint:bodyclose // the sseStream owns the body and closes it
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned %s", resp.Status)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseBufferSize)

	return &sseStream{
		body:    resp.Body,
		scanner: scanner,
		sawID: func(id string) {
			t.mu.Lock()
			t.lastIDs[channelURL] = id
			t.mu.Unlock()
		},
	}, nil
}

// sseStream incrementally parses the event-stream format: frames are
// blocks of "field: value" lines terminated by a blank line.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	sawID   func(id string)
}

// Next reads lines until a complete frame has accumulated. Comment
// lines (leading colon) and "retry:" hints are skipped; reconnect pacing
// belongs to the pool's backoff policy, not the server.
func (s *sseStream) Next(ctx context.Context) (Frame, error) {
	frame := Frame{Event: DefaultEvent}
	sawData := false

	var data []string

	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Frame{}, fmt.Errorf("reading stream: %w", err)
			}

			return Frame{}, io.EOF
		}

		line := s.scanner.Text()

		// Blank line terminates a frame, but only if it carried data.
		if line == "" {
			if !sawData {
				frame = Frame{Event: DefaultEvent}
				continue
			}

			frame.Data = []byte(strings.Join(data, "\n"))

			if frame.ID != "" {
				s.sawID(frame.ID)
			}

			return frame, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitSSELine(line)

		switch field {
		case "event":
			frame.Event = value
		case "id":
			frame.ID = value
		case "data":
			sawData = true

			data = append(data, value)
		case "retry":
			// Server-suggested reconnect delay; ignored.
		}
	}
}

// Close terminates the stream by closing the response body.
func (s *sseStream) Close() error {
	return s.body.Close()
}

// splitSSELine splits "field: value", trimming the single optional space
// after the colon per the event-stream format.
func splitSSELine(line string) (field, value string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return line, ""
	}

	field = line[:idx]

	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")

	return field, value
}
