package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/transcriptd/config"
	"goa.design/transcriptd/eventstore"
	"goa.design/transcriptd/fanout/client"
	"goa.design/transcriptd/wire"
)

// fakeConn is an in-process Conn driven entirely by test code: Send hands
// each frame to the test's onSend callback, Recv pulls from an inbox the
// test feeds.
type fakeConn struct {
	mu     sync.Mutex
	inbox  chan wire.ServerFrame
	closed bool
	onSend func(wire.ClientFrame)
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan wire.ServerFrame, 64)}
}

func (c *fakeConn) Send(f wire.ClientFrame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("closed")
	}
	if c.onSend != nil {
		c.onSend(f)
	}
	return nil
}

func (c *fakeConn) Recv() (wire.ServerFrame, error) {
	f, ok := <-c.inbox
	if !ok {
		return wire.ServerFrame{}, errors.New("connection closed")
	}
	return f, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbox)
	}
	return nil
}

func (c *fakeConn) push(f wire.ServerFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.inbox <- f
	}
}

func drain(t *testing.T, ch <-chan client.Delivery, n int, timeout time.Duration) []client.Delivery {
	t.Helper()
	out := make([]client.Delivery, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case d := <-ch:
			out = append(out, d)
		case <-deadline:
			require.Failf(t, "timed out", "got %d of %d deliveries", len(out), n)
		}
	}
	return out
}

func TestSubscribeReceivesReplayThenLiveInOrder(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dial := func(context.Context) (client.Conn, error) { return conn, nil }
	c := client.New(context.Background(), dial, config.DefaultConfig())
	defer c.Close()

	conn.push(wire.ServerHello(wire.Version))
	time.Sleep(10 * time.Millisecond) // let the client complete handshake

	ch, cancel := c.Subscribe("s1", 0)
	defer cancel()

	conn.push(wire.EventFrame("s1", eventstore.StoredEvent{Seq: 1}))
	conn.push(wire.EventFrame("s1", eventstore.StoredEvent{Seq: 2}))
	conn.push(wire.ReplayEnd("s1", 2))
	conn.push(wire.EventFrame("s1", eventstore.StoredEvent{Seq: 3}))

	got := drain(t, ch, 4, time.Second)
	require.EqualValues(t, 1, got[0].Event.Seq)
	require.EqualValues(t, 2, got[1].Event.Seq)
	require.True(t, got[2].ReplayEnd)
	require.EqualValues(t, 3, got[3].Event.Seq)
}

func TestReconnectResumesAfterLastSeenSeqWithoutDuplicates(t *testing.T) {
	t.Parallel()

	connA := newFakeConn()
	var resubscribeAfterSeq uint64
	connB := newFakeConn()
	connB.onSend = func(f wire.ClientFrame) {
		if f.Kind == wire.KindSubscribe {
			resubscribeAfterSeq = f.AfterSeq
		}
	}

	dialCount := 0
	dial := func(context.Context) (client.Conn, error) {
		dialCount++
		if dialCount == 1 {
			return connA, nil
		}
		return connB, nil
	}

	cfg := config.DefaultConfig()
	cfg.BaseReconnectDelay = time.Millisecond
	cfg.MaxReconnectDelay = 5 * time.Millisecond
	c := client.New(context.Background(), dial, cfg)
	defer c.Close()

	connA.push(wire.ServerHello(wire.Version))
	time.Sleep(10 * time.Millisecond)

	ch, cancel := c.Subscribe("s1", 0)
	defer cancel()

	connA.push(wire.EventFrame("s1", eventstore.StoredEvent{Seq: 1}))
	connA.push(wire.EventFrame("s1", eventstore.StoredEvent{Seq: 2}))
	got := drain(t, ch, 2, time.Second)
	require.EqualValues(t, 2, got[len(got)-1].Event.Seq)

	// Simulate a socket drop; the client should reconnect and resubscribe
	// starting after the last seq it saw.
	_ = connA.Close()
	time.Sleep(20 * time.Millisecond)
	connB.push(wire.ServerHello(wire.Version))
	time.Sleep(20 * time.Millisecond)

	require.EqualValues(t, 2, resubscribeAfterSeq)

	connB.push(wire.EventFrame("s1", eventstore.StoredEvent{Seq: 3}))
	got2 := drain(t, ch, 1, time.Second)
	require.EqualValues(t, 3, got2[0].Event.Seq)
}

func TestDispatchDropsDuplicateOrStaleSeqAfterReconnect(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dial := func(context.Context) (client.Conn, error) { return conn, nil }
	c := client.New(context.Background(), dial, config.DefaultConfig())
	defer c.Close()

	conn.push(wire.ServerHello(wire.Version))
	time.Sleep(10 * time.Millisecond)

	ch, cancel := c.Subscribe("s1", 5)
	defer cancel()

	// A stale replay of seq 3 (<=5) must be dropped, not delivered.
	conn.push(wire.EventFrame("s1", eventstore.StoredEvent{Seq: 3}))
	conn.push(wire.EventFrame("s1", eventstore.StoredEvent{Seq: 6}))

	got := drain(t, ch, 1, time.Second)
	require.EqualValues(t, 6, got[0].Event.Seq)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	var gotPong bool
	var mu sync.Mutex
	conn.onSend = func(f wire.ClientFrame) {
		if f.Kind == wire.KindPong {
			mu.Lock()
			gotPong = true
			mu.Unlock()
		}
	}
	dial := func(context.Context) (client.Conn, error) { return conn, nil }
	c := client.New(context.Background(), dial, config.DefaultConfig())
	defer c.Close()

	conn.push(wire.ServerHello(wire.Version))
	conn.push(wire.Ping())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotPong
	}, time.Second, time.Millisecond)
}

func TestCloseStopsReconnectLoop(t *testing.T) {
	t.Parallel()

	dialed := make(chan struct{}, 10)
	dial := func(context.Context) (client.Conn, error) {
		dialed <- struct{}{}
		return nil, errors.New("dial failure")
	}
	cfg := config.DefaultConfig()
	cfg.BaseReconnectDelay = time.Millisecond
	cfg.MaxReconnectDelay = 2 * time.Millisecond
	c := client.New(context.Background(), dial, cfg)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	// Drain any in-flight dial signals, then assert no new ones arrive.
	for {
		select {
		case <-dialed:
			continue
		case <-time.After(30 * time.Millisecond):
			return
		}
	}
}
