// Package client implements the fan-out client side of the real-time wire
// protocol: one physical connection multiplexing many stream subscriptions,
// automatic reconnect with jittered exponential backoff, and exactly-once,
// strictly-increasing delivery per stream across reconnects.
package client

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"goa.design/transcriptd/config"
	"goa.design/transcriptd/eventstore"
	"goa.design/transcriptd/telemetry"
	"goa.design/transcriptd/wire"
)

// Conn is one physical connection to a fan-out server. Implementations need
// not be safe for concurrent Send/Recv; the Client serializes access.
type Conn interface {
	Send(f wire.ClientFrame) error
	Recv() (wire.ServerFrame, error)
	Close() error
}

// Dialer opens a new Conn, performing any transport-level handshake but not
// the wire protocol hello.
type Dialer func(ctx context.Context) (Conn, error)

// Delivery is one item pushed to a subscriber: either a stored event or a
// replay-end marker letting the consumer know it has caught up.
type Delivery struct {
	Event     *eventstore.StoredEvent
	ReplayEnd bool
}

type subscription struct {
	streamID    string
	lastSeenSeq uint64
	out         chan Delivery
	closed      bool
}

// Client multiplexes subscriptions over one reconnecting connection.
type Client struct {
	dial    Dialer
	cfg     config.Config
	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	rng     func() float64

	mu        sync.Mutex
	subs      map[string]*subscription
	conn      Conn
	cancelRun context.CancelFunc
	closed    bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the client's logger. Defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics overrides the client's metrics recorder. Defaults to
// telemetry.NoopMetrics.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer overrides the client's tracer. Defaults to telemetry.NoopTracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New constructs a Client and starts its connection-management loop.
func New(ctx context.Context, dial Dialer, cfg config.Config, opts ...Option) *Client {
	c := &Client{
		dial:    dial,
		cfg:     cfg,
		log:     telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		tracer:  telemetry.NoopTracer{},
		rng:     rand.Float64,
		subs:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	go c.run(runCtx)
	return c
}

// Subscribe begins delivering events for streamID, resuming after afterSeq.
// The returned channel delivers events and replay-end markers in order;
// across any number of reconnects, each seq for streamID is delivered
// exactly once, in increasing order. The cancel function stops delivery and
// frees the subscription.
func (c *Client) Subscribe(streamID string, afterSeq uint64) (<-chan Delivery, context.CancelFunc) {
	sub := &subscription{streamID: streamID, lastSeenSeq: afterSeq, out: make(chan Delivery, 64)}

	c.mu.Lock()
	c.subs[streamID] = sub
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Send(wire.Subscribe(streamID, afterSeq))
	}

	cancel := func() {
		c.mu.Lock()
		if s, ok := c.subs[streamID]; ok && s == sub {
			delete(c.subs, streamID)
			if !s.closed {
				s.closed = true
				close(s.out)
			}
		}
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Send(wire.Unsubscribe(streamID))
		}
	}
	return sub.out, cancel
}

// Close stops the client's connection-management loop and closes the
// current connection, if any. All pending timers are implicitly cleared
// since the run loop's context is canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancelRun()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// run owns the connect/read/reconnect lifecycle for the client's single
// physical connection.
func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, span := c.tracer.Start(ctx, "fanout.client.reconnect")

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn(ctx, "dial failed", "error", err)
			c.metrics.IncCounter("fanout_client_reconnect", 1, "outcome", "dial_failed")
			span.RecordError(err)
			span.End()
			if !c.backoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		if err := conn.Send(wire.Hello(wire.Version)); err != nil {
			_ = conn.Close()
			c.metrics.IncCounter("fanout_client_reconnect", 1, "outcome", "hello_failed")
			span.RecordError(err)
			span.End()
			if !c.backoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}
		helloFrame, err := conn.Recv()
		if err != nil || helloFrame.Kind != wire.KindServerHello {
			_ = conn.Close()
			c.metrics.IncCounter("fanout_client_reconnect", 1, "outcome", "handshake_failed")
			span.End()
			if !c.backoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		c.metrics.IncCounter("fanout_client_reconnect", 1, "outcome", "ok")
		span.End()
		attempt = 0
		c.mu.Lock()
		c.conn = conn
		for streamID, sub := range c.subs {
			_ = conn.Send(wire.Subscribe(streamID, sub.lastSeenSeq))
		}
		c.mu.Unlock()

		c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// readLoop dispatches frames to their subscription until Recv errors or ctx
// is canceled.
func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := conn.Recv()
		if err != nil {
			return
		}
		switch f.Kind {
		case wire.KindPing:
			_ = conn.Send(wire.Pong())
		case wire.KindEvent:
			c.dispatch(ctx, f.StreamID, Delivery{Event: f.Event})
		case wire.KindReplayEnd:
			c.dispatch(ctx, f.StreamID, Delivery{ReplayEnd: true})
		case wire.KindError:
			c.log.Warn(ctx, "server error frame", "code", f.Code, "message", f.Message)
		}
	}
}

// dispatch delivers d to streamID's subscriber, blocking (subject to ctx)
// when its buffer is full rather than dropping: lastSeenSeq only advances
// once the event is actually enqueued, so a dropped event can never be
// skipped past on the next resubscribe. A slow consumer backpressures the
// whole connection's read loop instead of silently losing a seq.
func (c *Client) dispatch(ctx context.Context, streamID string, d Delivery) {
	c.mu.Lock()
	sub, ok := c.subs[streamID]
	if !ok || sub.closed {
		c.mu.Unlock()
		return
	}
	if d.Event != nil && d.Event.Seq <= sub.lastSeenSeq {
		c.mu.Unlock()
		return
	}
	out := sub.out
	c.mu.Unlock()

	select {
	case out <- d:
	case <-ctx.Done():
		return
	}

	if d.Event != nil {
		c.mu.Lock()
		if sub.lastSeenSeq < d.Event.Seq {
			sub.lastSeenSeq = d.Event.Seq
		}
		c.mu.Unlock()
	}
}

// backoff sleeps for a full-jitter exponential delay bounded by
// [0, min(max_reconnect_delay, base_reconnect_delay * 2^attempt)]. It
// returns false if ctx was canceled while sleeping.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	base := c.cfg.BaseReconnectDelay
	maxDelay := c.cfg.MaxReconnectDelay
	capped := base * time.Duration(1<<uint(minInt(attempt, 30)))
	if capped > maxDelay {
		capped = maxDelay
	}
	delay := time.Duration(c.rng() * float64(capped))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
