// Package stream provides a client for the nsidwatch live delta stream.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
)

// Status is the connection lifecycle state, observable by the consumer
// for its own UI purposes.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds stream client configuration.
type Config struct {
	// URL of the stream_events endpoint.
	URL string

	// OnStatus is invoked on every connection state change. Optional.
	OnStatus func(Status)

	// Buffer is the capacity of the batch channel.
	Buffer int
}

// Client subscribes to a stream_events endpoint and relays delta batches.
// The server pushes at source cadence and never waits for acks; anything
// beyond reading promptly (coalescing, rendering) belongs to the consumer,
// typically via the coalesce package.
type Client struct {
	cfg     Config
	batches chan counts.Batch
}

// New creates a stream client.
func New(cfg Config) *Client {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Client{
		cfg:     cfg,
		batches: make(chan counts.Batch, cfg.Buffer),
	}
}

// Batches returns the channel of received delta batches. It is closed
// when Run returns.
func (c *Client) Batches() <-chan counts.Batch {
	return c.batches
}

// Run connects and relays batches until the context is cancelled or the
// connection fails. Returns nil on cancellation, the transport error
// otherwise.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.batches)

	c.setStatus(StatusConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	c.setStatus(StatusConnected)

	// Unblocks the pending read on cancellation.
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closed:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(StatusDisconnected)
				return nil
			}
			c.setStatus(StatusError)
			return fmt.Errorf("stream read failed: %w", err)
		}

		var batch counts.Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			log.Printf("Dropping undecodable delta batch: %v", err)
			continue
		}

		select {
		case c.batches <- batch:
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return nil
		}
	}
}

func (c *Client) setStatus(s Status) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}
