// Package eventstore provides a durable, per-stream, append-only event log.
//
// A stream is a flat sequence of events keyed by a caller-chosen stream_id.
// Append assigns contiguous sequence numbers starting at 1; replay returns
// events in ascending seq order. Implementations must serialize concurrent
// appends to the same stream so seq assignment never races, but need not
// serialize across distinct streams.
package eventstore

import (
	"context"
	"time"
)

type (
	// StreamEvent is the caller-supplied payload appended to a stream. Kind
	// is an open string tag; the store does not validate or interpret it.
	StreamEvent struct {
		Kind    string
		Payload []byte
	}

	// StoredEvent is a StreamEvent after the store has assigned it a seq and
	// a batch timestamp.
	StoredEvent struct {
		Seq       uint64
		Timestamp time.Time
		StreamID  string
		Event     StreamEvent
	}

	// ReplayOptions bounds a replay call.
	ReplayOptions struct {
		// AfterSeq excludes events with seq <= AfterSeq. Zero replays from
		// the start of the stream.
		AfterSeq uint64
		// Limit caps the number of events returned. Zero means "no limit" on
		// the call (use Limit when you want to paginate); a value of 0 is
		// distinct from the "return nothing" case described in Replay.
		Limit int
		// LimitSet reports whether Limit was explicitly provided. Store
		// implementations use this to distinguish "no limit requested" from
		// "limit requested as 0, return nothing".
		LimitSet bool
	}

	// Store is the append-only per-stream event log.
	//
	// Implementations must serialize concurrent Append calls against the
	// same stream_id so sequence assignment cannot interleave; they need not
	// serialize across distinct streams.
	Store interface {
		// Append assigns seq = head+1 ... head+len(events) atomically and
		// stamps a single timestamp across the batch. An empty batch is a
		// no-op that returns an empty, non-nil slice.
		Append(ctx context.Context, streamID string, events []StreamEvent) ([]StoredEvent, error)

		// Replay returns events with seq > opts.AfterSeq in ascending order,
		// up to opts.Limit if opts.LimitSet. An unknown stream returns an
		// empty slice, not an error. An explicit Limit of 0 returns an empty
		// slice.
		Replay(ctx context.Context, streamID string, opts ReplayOptions) ([]StoredEvent, error)

		// Head returns the last assigned seq for streamID, or 0 if the
		// stream is unknown.
		Head(ctx context.Context, streamID string) (uint64, error)

		// Delete removes all events for streamID. An unknown stream is a
		// no-op.
		Delete(ctx context.Context, streamID string) error
	}
)

// WithAfterSeq returns ReplayOptions starting strictly after seq.
func WithAfterSeq(seq uint64) ReplayOptions {
	return ReplayOptions{AfterSeq: seq}
}

// WithLimit returns ReplayOptions bounded to at most n events.
func (o ReplayOptions) WithLimit(n int) ReplayOptions {
	o.Limit = n
	o.LimitSet = true
	return o
}
