package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// State is the consumer's position in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ErrStopTimeout is returned by Stop when the consumer goroutine does not
// exit within the grace period.
var ErrStopTimeout = errors.New("consumer did not stop within grace period")

// streamConn is the slice of Client the consumer needs; tests substitute
// scripted connections through Config.Dial.
type streamConn interface {
	Next() (Event, error)
	Close() error
}

// Config holds consumer configuration.
type Config struct {
	URL string

	// Buffer is the capacity of the outbound event channel.
	Buffer int

	// BaseBackoff doubles per failed attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Dial overrides the connection factory (tests only).
	Dial func(ctx context.Context, url string) (streamConn, error)
}

// Consumer runs the firehose subscription in its own goroutine and relays
// decoded events over a bounded channel, so a stalled or panicking
// ingestion path can never block or crash the serving side. It reconnects
// forever with exponential backoff; the attempt counter resets after any
// event is successfully handed off downstream.
type Consumer struct {
	cfg    Config
	out    chan Event
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a consumer. Zero config fields get defaults
// (1s base backoff, 60s cap, 1024 event buffer).
func NewConsumer(cfg Config) *Consumer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (streamConn, error) {
			return Dial(ctx, url)
		}
	}
	return &Consumer{
		cfg:  cfg,
		out:  make(chan Event, cfg.Buffer),
		done: make(chan struct{}),
	}
}

// Events returns the channel of decoded events. It is closed when the
// consumer stops.
func (c *Consumer) Events() <-chan Event {
	return c.out
}

// State reports the current connection state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Start launches the consumer goroutine.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop signals the consumer to exit and waits up to grace for it to do so.
// The host never blocks forever on a wedged ingestion goroutine.
func (c *Consumer) Stop(grace time.Duration) error {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(grace):
		return ErrStopTimeout
	}
}

// Done is closed once the consumer goroutine has exited.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.out)
	defer c.setState(StateDisconnected)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.cfg.Dial(ctx, c.cfg.URL)
		if err != nil {
			c.setState(StateDisconnected)
			metricConnectFailures.Inc()
			if ctx.Err() != nil {
				return
			}
			log.Printf("Firehose connect failed (attempt %d): %v", attempt, err)
			if !c.backoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		metricConnects.Inc()
		log.Printf("Connected to firehose %s", c.cfg.URL)
		c.setState(StateStreaming)

		// Closing the connection is what unblocks a pending read when the
		// context is cancelled mid-stream.
		closed := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-closed:
			}
		}()

		err = c.stream(ctx, conn, &attempt)
		close(closed)
		conn.Close()
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		log.Printf("Firehose stream ended: %v", err)
		if !c.backoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

// stream relays events from one connection until it fails. A panic in the
// read/decode path is contained here and treated as a connection failure,
// so the hosting process keeps serving.
func (c *Consumer) stream(ctx context.Context, conn streamConn, attempt *int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion panic: %v", r)
		}
	}()

	for {
		ev, err := conn.Next()
		if err != nil {
			return err
		}
		select {
		case c.out <- ev:
			// Delivered downstream: the connection is healthy again.
			*attempt = 0
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff sleeps for the attempt's delay. Returns false if the context was
// cancelled while waiting.
func (c *Consumer) backoff(ctx context.Context, attempt int) bool {
	delay := backoffDelay(attempt, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffDelay is min(base * 2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	metricState.Set(float64(s))
}
