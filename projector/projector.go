// Package projector folds a stream's events into a derived state.
//
// A Projector is not itself stored; its state is always recomputed (in
// part or in full) by replaying the canonical event log, the same way a
// run Snapshot is a view derived by folding the run log rather than a
// record persisted in its own right.
package projector

import (
	"context"

	"goa.design/transcriptd/eventstore"
)

// Reducer folds one event into state, returning the updated state.
type Reducer[S any] func(state S, event eventstore.StoredEvent) S

// Projector wraps an initial state and a reducer, tracking the last applied
// seq so repeated application is idempotent: events with seq <= LastSeq are
// ignored. This lets callers Apply the same batch more than once (as
// happens when a live event arrives after a CatchUp already covered it)
// without corrupting the fold.
type Projector[S any] struct {
	state   S
	reduce  Reducer[S]
	lastSeq uint64
}

// New constructs a Projector with the given initial state and reducer.
func New[S any](initial S, reduce Reducer[S]) *Projector[S] {
	return &Projector[S]{state: initial, reduce: reduce}
}

// State returns the current folded state.
func (p *Projector[S]) State() S { return p.state }

// LastSeq returns the highest seq applied so far, 0 if none.
func (p *Projector[S]) LastSeq() uint64 { return p.lastSeq }

// Apply folds events into the current state in order, skipping any event
// with Seq <= LastSeq. Events must be supplied in ascending seq order;
// Apply does not sort them.
func (p *Projector[S]) Apply(events []eventstore.StoredEvent) {
	for _, e := range events {
		if e.Seq <= p.lastSeq {
			continue
		}
		p.state = p.reduce(p.state, e)
		p.lastSeq = e.Seq
	}
}

// CatchUp replays events from the store after LastSeq and applies them,
// bringing the projector up to the stream's current head. It is safe to
// call repeatedly; each call only applies events newer than the last.
func (p *Projector[S]) CatchUp(ctx context.Context, store eventstore.Store, streamID string) error {
	events, err := store.Replay(ctx, streamID, eventstore.WithAfterSeq(p.lastSeq))
	if err != nil {
		return err
	}
	p.Apply(events)
	return nil
}
