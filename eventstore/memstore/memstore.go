// Package memstore provides an in-memory implementation of eventstore.Store.
//
// It is intended for tests and local development. It is not durable and
// should not be used in production.
package memstore

import (
	"context"
	"sync"
	"time"

	"goa.design/transcriptd/eventstore"
)

type stream struct {
	mu     sync.Mutex
	events []eventstore.StoredEvent
}

// Store implements eventstore.Store in memory. Each stream is guarded by its
// own mutex so appends to distinct streams never contend.
type Store struct {
	streams sync.Map // string -> *stream
	now     func() time.Time
}

// New returns a new in-memory event store. now defaults to time.Now and is
// exposed for deterministic tests.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

func (s *Store) streamFor(streamID string) *stream {
	v, _ := s.streams.LoadOrStore(streamID, &stream{})
	return v.(*stream)
}

// Append implements eventstore.Store.
func (s *Store) Append(_ context.Context, streamID string, events []eventstore.StreamEvent) ([]eventstore.StoredEvent, error) {
	if len(events) == 0 {
		return []eventstore.StoredEvent{}, nil
	}

	st := s.streamFor(streamID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ts := s.now().UTC()
	head := uint64(len(st.events))
	stored := make([]eventstore.StoredEvent, 0, len(events))
	for i, e := range events {
		se := eventstore.StoredEvent{
			Seq:       head + uint64(i) + 1,
			Timestamp: ts,
			StreamID:  streamID,
			Event:     e,
		}
		stored = append(stored, se)
	}
	st.events = append(st.events, stored...)
	return stored, nil
}

// Replay implements eventstore.Store.
func (s *Store) Replay(_ context.Context, streamID string, opts eventstore.ReplayOptions) ([]eventstore.StoredEvent, error) {
	v, ok := s.streams.Load(streamID)
	if !ok {
		return []eventstore.StoredEvent{}, nil
	}
	st := v.(*stream)

	st.mu.Lock()
	defer st.mu.Unlock()

	if opts.LimitSet && opts.Limit == 0 {
		return []eventstore.StoredEvent{}, nil
	}

	out := make([]eventstore.StoredEvent, 0)
	for _, e := range st.events {
		if e.Seq <= opts.AfterSeq {
			continue
		}
		out = append(out, e)
		if opts.LimitSet && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Head implements eventstore.Store.
func (s *Store) Head(_ context.Context, streamID string) (uint64, error) {
	v, ok := s.streams.Load(streamID)
	if !ok {
		return 0, nil
	}
	st := v.(*stream)
	st.mu.Lock()
	defer st.mu.Unlock()
	return uint64(len(st.events)), nil
}

// Delete implements eventstore.Store.
func (s *Store) Delete(_ context.Context, streamID string) error {
	s.streams.Delete(streamID)
	return nil
}
