package jetstream

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// Client is a live connection to the jetstream firehose. It terminates
// with an error as soon as the transport fails; reconnecting is the
// Consumer's job.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the firehose at the given websocket URL.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	// gorilla's default ping handler answers server pings with pongs,
	// which is all the keepalive jetstream needs from us.
	return &Client{conn: conn}, nil
}

// Next blocks until the next commit event arrives. A frame that fails to
// decode is logged and skipped, never fatal to the stream; frames of other
// kinds are skipped silently. Only a transport error ends the stream.
func (c *Client) Next() (Event, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return Event{}, fmt.Errorf("firehose read failed: %w", err)
		}

		ev, ok, err := decodeEvent(data)
		if err != nil {
			metricDecodeErrors.Inc()
			log.Printf("Dropping undecodable firehose frame: %v", err)
			continue
		}
		if !ok {
			continue
		}
		return ev, nil
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
