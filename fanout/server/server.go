// Package server implements the fan-out server side of the real-time wire
// protocol: per-connection handshake, per-subscription replay→live
// transition with buffered dedup, heartbeat, and bounded-buffer overflow
// isolation.
//
// The package is transport-agnostic: callers hand it a Transport that knows
// how to push frames to one physical connection (see fanout/server/wsserver
// for the gorilla/websocket implementation) and feed it incoming frames.
package server

import (
	"context"
	"sync"
	"time"

	"goa.design/transcriptd/config"
	"goa.design/transcriptd/eventstore"
	"goa.design/transcriptd/telemetry"
	"goa.design/transcriptd/wire"
)

// Transport pushes frames to, and closes, one physical connection.
// Implementations must be safe for concurrent Send calls.
type Transport interface {
	Send(f wire.ServerFrame) error
	Close() error
}

type subState int

const (
	subReplaying subState = iota
	subLive
)

type subscription struct {
	mu            sync.Mutex
	streamID      string
	state         subState
	lastReplaySeq uint64
	buffer        []eventstore.StoredEvent
	cancelled     bool
}

// connection holds per-socket handshake and subscription state.
type connection struct {
	id          string
	transport   Transport
	established bool

	mu   sync.Mutex
	subs map[string]*subscription

	heartbeatMu    sync.Mutex
	heartbeatTimer *time.Timer
	pongTimer      *time.Timer
}

// Server fans replayed and live events out to connected subscribers.
type Server struct {
	store   eventstore.Store
	cfg     config.Config
	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	afterTimer func(d time.Duration, f func()) *time.Timer

	mu    sync.Mutex
	conns map[string]*connection
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server's logger. Defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics overrides the server's metrics recorder. Defaults to
// telemetry.NoopMetrics.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer overrides the server's tracer. Defaults to telemetry.NoopTracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// New constructs a Server backed by store using cfg's heartbeat and buffer
// settings.
func New(store eventstore.Store, cfg config.Config, opts ...Option) *Server {
	s := &Server{
		store:   store,
		cfg:     cfg,
		log:     telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		tracer:  telemetry.NoopTracer{},
		conns:   make(map[string]*connection),
	}
	s.afterTimer = func(d time.Duration, f func()) *time.Timer { return time.AfterFunc(d, f) }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect registers a new, not-yet-handshaken connection and arms its first
// heartbeat cycle.
func (s *Server) Connect(connID string, t Transport) {
	c := &connection{id: connID, transport: t, subs: make(map[string]*subscription)}
	s.mu.Lock()
	s.conns[connID] = c
	s.mu.Unlock()
	s.armHeartbeat(c)
}

// Disconnect removes a connection and frees its subscriptions. Safe to call
// more than once.
func (s *Server) Disconnect(connID string) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.stopHeartbeat(c)
}

// HandleFrame processes one decoded client frame for the given connection.
func (s *Server) HandleFrame(ctx context.Context, connID string, f wire.ClientFrame) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch f.Kind {
	case wire.KindHello:
		if f.Version != wire.Version {
			_ = c.transport.Send(wire.ErrorFrame(wire.CodeVersionMismatch, "version mismatch"))
			_ = c.transport.Close()
			s.Disconnect(connID)
			return
		}
		c.mu.Lock()
		c.established = true
		c.mu.Unlock()
		_ = c.transport.Send(wire.ServerHello(wire.Version))
	case wire.KindSubscribe:
		if !c.established {
			return
		}
		s.subscribe(ctx, c, f.StreamID, f.AfterSeq)
	case wire.KindUnsubscribe:
		if !c.established {
			return
		}
		c.mu.Lock()
		if sub, ok := c.subs[f.StreamID]; ok {
			sub.mu.Lock()
			sub.cancelled = true
			sub.mu.Unlock()
			delete(c.subs, f.StreamID)
		}
		c.mu.Unlock()
	case wire.KindPong:
		s.onPong(c)
	default:
		// ignored: other-frame -> ignored per the connection state machine
	}
}

// subscribe enters REPLAYING for streamID on c, asynchronously fetches the
// replay page, buffering any concurrent Broadcast for the stream, then
// flushes the buffer with dedup and transitions to LIVE.
func (s *Server) subscribe(ctx context.Context, c *connection, streamID string, afterSeq uint64) {
	sub := &subscription{streamID: streamID, state: subReplaying}

	c.mu.Lock()
	c.subs[streamID] = sub
	c.mu.Unlock()

	go func() {
		events, err := s.store.Replay(ctx, streamID, eventstore.WithAfterSeq(afterSeq))
		if err != nil {
			s.log.Error(ctx, "replay failed", "stream_id", streamID, "error", err)
			_ = c.transport.Send(wire.ErrorFrame(wire.CodeReplayFailed, err.Error()))
			return
		}

		sub.mu.Lock()
		if sub.cancelled {
			sub.mu.Unlock()
			return
		}
		lastSeq := afterSeq
		sub.mu.Unlock()

		for _, e := range events {
			sub.mu.Lock()
			if sub.cancelled {
				sub.mu.Unlock()
				return
			}
			sub.mu.Unlock()
			if err := c.transport.Send(wire.EventFrame(streamID, e)); err != nil {
				return
			}
			lastSeq = e.Seq
		}

		sub.mu.Lock()
		if sub.cancelled {
			sub.mu.Unlock()
			return
		}
		sub.lastReplaySeq = lastSeq
		buffered := sub.buffer
		sub.buffer = nil

		// Flush the buffered events and emit replay-end while still holding
		// sub.mu, then flip to LIVE last: deliver() also locks sub.mu before
		// checking state, so a concurrent Broadcast can't observe subLive
		// and send a newer seq ahead of these still-in-flight buffered ones.
		for _, e := range buffered {
			if e.Seq <= lastSeq {
				continue
			}
			if err := c.transport.Send(wire.EventFrame(streamID, e)); err != nil {
				sub.mu.Unlock()
				return
			}
			lastSeq = e.Seq
		}
		_ = c.transport.Send(wire.ReplayEnd(streamID, lastSeq))
		sub.state = subLive
		sub.mu.Unlock()
	}()
}

// Broadcast delivers events to every subscriber of streamID across all
// connections. A subscriber still REPLAYING buffers the events (bounded by
// cfg.MaxBufferSize); overflow closes that connection in isolation. A
// subscriber already LIVE is written to directly, in order.
func (s *Server) Broadcast(ctx context.Context, streamID string, events []eventstore.StoredEvent) {
	if len(events) == 0 {
		return
	}

	_, span := s.tracer.Start(ctx, "fanout.Broadcast")
	defer span.End()
	s.metrics.IncCounter("fanout_events_broadcast", float64(len(events)), "stream_id", streamID)

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		sub, ok := c.subs[streamID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		s.deliver(c, sub, events)
	}
}

func (s *Server) deliver(c *connection, sub *subscription, events []eventstore.StoredEvent) {
	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		return
	}
	if sub.state == subReplaying {
		sub.buffer = append(sub.buffer, events...)
		overflow := s.cfg.MaxBufferSize > 0 && len(sub.buffer) > s.cfg.MaxBufferSize
		sub.mu.Unlock()
		if overflow {
			s.log.Warn(context.Background(), "replay buffer overflow", "stream_id", sub.streamID, "connection_id", c.id)
			s.metrics.IncCounter("fanout_buffer_overflow", 1, "stream_id", sub.streamID)
			_ = c.transport.Send(wire.ErrorFrame(wire.CodeBufferOverflow, "replay buffer overflow"))
			_ = c.transport.Close()
			s.Disconnect(c.id)
		}
		return
	}
	sub.mu.Unlock()

	for _, e := range events {
		if err := c.transport.Send(wire.EventFrame(sub.streamID, e)); err != nil {
			s.Disconnect(c.id)
			return
		}
	}
}

// armHeartbeat schedules the next ping cycle, canceling any still-armed
// timeout from a prior cycle first.
func (s *Server) armHeartbeat(c *connection) {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	c.heartbeatTimer = s.afterTimer(s.cfg.HeartbeatInterval, func() { s.sendPing(c) })
}

func (s *Server) sendPing(c *connection) {
	if err := c.transport.Send(wire.Ping()); err != nil {
		s.Disconnect(c.id)
		return
	}

	c.heartbeatMu.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = s.afterTimer(s.cfg.HeartbeatTimeout, func() {
		_ = c.transport.Close()
		s.Disconnect(c.id)
	})
	c.heartbeatMu.Unlock()
}

// onPong cancels the current cycle's timeout and arms the next ping cycle.
func (s *Server) onPong(c *connection) {
	c.heartbeatMu.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.heartbeatMu.Unlock()
	s.armHeartbeat(c)
}

func (s *Server) stopHeartbeat(c *connection) {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
}
