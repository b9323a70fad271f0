// Package runmanager orchestrates the event store and ledger store: it is
// the thin layer that begins and activates runs, forwards appended events to
// the event store, and, on finalize, replays the stream through the
// accumulator to materialize ledger messages before delegating atomicity to
// ledger.Store.FinalizeRun. It holds no state of its own beyond its two
// collaborators.
package runmanager

import (
	"context"

	"goa.design/transcriptd/accumulator"
	"goa.design/transcriptd/eventstore"
	"goa.design/transcriptd/ledger"
	"goa.design/transcriptd/structerr"
	"goa.design/transcriptd/telemetry"
	"goa.design/transcriptd/xid"
)

// Manager orchestrates eventstore.Store and ledger.Store. Its methods are
// safe for concurrent use to the extent its collaborators are.
type Manager struct {
	events  eventstore.Store
	ledger  ledger.Store
	ids     xid.Generator
	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger. Defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics overrides the manager's metrics recorder. Defaults to
// telemetry.NoopMetrics.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer overrides the manager's tracer. Defaults to telemetry.NoopTracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithIDGenerator overrides the generator used for accumulated message ids.
// Defaults to xid.Default.
func WithIDGenerator(ids xid.Generator) Option {
	return func(m *Manager) { m.ids = ids }
}

// New constructs a Manager delegating to events and ledgerStore.
func New(events eventstore.Store, ledgerStore ledger.Store, opts ...Option) *Manager {
	m := &Manager{
		events:  events,
		ledger:  ledgerStore,
		ids:     xid.Default,
		log:     telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		tracer:  telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginRun delegates to the ledger to allocate a run, then immediately
// activates it, returning the run in status streaming. A run begins
// streaming rather than merely created because callers are expected to
// append events right away; there is no separate "armed but idle" state in
// this orchestration layer.
func (m *Manager) BeginRun(ctx context.Context, opts ledger.BeginRunOptions) (ledger.RunRecord, error) {
	ctx, span := m.tracer.Start(ctx, "runmanager.BeginRun")
	defer span.End()

	rec, err := m.ledger.BeginRun(ctx, opts)
	if err != nil {
		span.RecordError(err)
		return ledger.RunRecord{}, err
	}
	rec, err = m.ledger.ActivateRun(ctx, rec.RunID)
	if err != nil {
		span.RecordError(err)
		return ledger.RunRecord{}, err
	}
	m.metrics.IncCounter("runmanager_runs_started", 1, "thread_id", rec.ThreadID)
	m.log.Info(ctx, "run started", "run_id", rec.RunID, "thread_id", rec.ThreadID, "stream_id", rec.StreamID)
	return rec, nil
}

// AppendEvents looks up the run, rejects the append if it is not in an
// active (non-terminal) status, and forwards the batch to the event store
// under the run's stream_id.
func (m *Manager) AppendEvents(ctx context.Context, runID string, events []eventstore.StreamEvent) ([]eventstore.StoredEvent, error) {
	rec, err := m.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, structerr.New(structerr.KindNotFound, "run %q not found", runID)
	}
	if !rec.Status.IsActive() {
		return nil, structerr.New(structerr.KindIllegalTransition, "run %q is %s, cannot append events", runID, rec.Status)
	}
	return m.events.Append(ctx, rec.StreamID, events)
}

// FinalizeRun delegates the terminal transition to ledger.Store.FinalizeRun.
// When status is committed, it first replays the run's full event stream and
// folds it through a fresh accumulator to produce the messages the ledger
// persists; for failed or cancelled runs the stream is not replayed, no
// messages are produced, and the partial event log is left in place for
// later inspection.
func (m *Manager) FinalizeRun(ctx context.Context, runID string, status ledger.Status) (ledger.FinalizeResult, error) {
	ctx, span := m.tracer.Start(ctx, "runmanager.FinalizeRun")
	defer span.End()

	rec, err := m.ledger.GetRun(ctx, runID)
	if err != nil {
		span.RecordError(err)
		return ledger.FinalizeResult{}, err
	}
	if rec == nil {
		err := structerr.New(structerr.KindNotFound, "run %q not found", runID)
		span.RecordError(err)
		return ledger.FinalizeResult{}, err
	}

	var messages []accumulator.CanonicalMessage
	if status == ledger.StatusCommitted {
		events, err := m.events.Replay(ctx, rec.StreamID, eventstore.ReplayOptions{})
		if err != nil {
			span.RecordError(err)
			return ledger.FinalizeResult{}, err
		}
		messages = accumulator.Accumulate(m.ids, events)
	}

	result, err := m.ledger.FinalizeRun(ctx, ledger.FinalizeOptions{RunID: runID, Status: status, Messages: messages})
	if err != nil {
		span.RecordError(err)
		return ledger.FinalizeResult{}, err
	}
	m.metrics.IncCounter("runmanager_runs_finalized", 1, "status", string(status))
	m.log.Info(ctx, "run finalized", "run_id", runID, "status", string(status), "committed", result.Committed, "superseded", len(result.SupersededRunIDs))
	return result, nil
}
