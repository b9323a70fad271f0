// Package reconcile recovers runs left in an active (created or streaming)
// status past a staleness threshold, most often after a process crash or a
// client that disconnected mid-run. It has no state of its own: it scans a
// ledger.Store for stale runs and drives each into a terminal status via
// RecoverRun, one failed recovery never aborting the rest of the batch.
package reconcile

import (
	"context"
	"sync"

	"goa.design/transcriptd/ledger"
	"goa.design/transcriptd/telemetry"
)

// DefaultConcurrency bounds how many RecoverRun calls run at once when the
// caller does not specify one.
const DefaultConcurrency = 4

// Reconciler scans a ledger.Store for stale runs and recovers them.
type Reconciler struct {
	store       ledger.Store
	log         telemetry.Logger
	metrics     telemetry.Metrics
	tracer      telemetry.Tracer
	concurrency int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the reconciler's logger. Defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithMetrics overrides the reconciler's metrics recorder. Defaults to
// telemetry.NoopMetrics.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithTracer overrides the reconciler's tracer. Defaults to telemetry.NoopTracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Reconciler) { r.tracer = t }
}

// WithConcurrency overrides the bounded worker count used by
// RecoverAllStaleRuns. n <= 0 falls back to DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New constructs a Reconciler backed by store.
func New(store ledger.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		log:         telemetry.NoopLogger{},
		metrics:     telemetry.NoopMetrics{},
		tracer:      telemetry.NoopTracer{},
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListStaleRuns delegates to the ledger store.
func (r *Reconciler) ListStaleRuns(ctx context.Context, opts ledger.StaleRunsOptions) ([]ledger.RunRecord, error) {
	return r.store.ListStaleRuns(ctx, opts)
}

// Outcome reports the result of recovering a single stale run.
type Outcome struct {
	RunID string
	Err   error
}

// RecoverAllStaleRuns lists stale runs per opts and drives each into action
// (ActionFail or ActionCancel) using a bounded worker pool. A failure
// recovering one run is recorded in its Outcome and does not prevent the
// others from being attempted. Outcomes are returned in no particular order.
func (r *Reconciler) RecoverAllStaleRuns(ctx context.Context, opts ledger.StaleRunsOptions, action ledger.RecoverAction) ([]Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.RecoverAllStaleRuns")
	defer span.End()

	stale, err := r.store.ListStaleRuns(ctx, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	r.metrics.RecordGauge("reconcile_stale_runs_found", float64(len(stale)))
	if len(stale) == 0 {
		return nil, nil
	}

	sem := make(chan struct{}, r.concurrency)
	outcomes := make([]Outcome, len(stale))
	var wg sync.WaitGroup

	for i, run := range stale {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, runID string) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := r.store.RecoverRun(ctx, runID, action)
			if err != nil {
				r.log.Warn(ctx, "stale run recovery failed", "run_id", runID, "error", err)
				r.metrics.IncCounter("reconcile_runs_recovered", 1, "outcome", "failed")
			} else {
				r.metrics.IncCounter("reconcile_runs_recovered", 1, "outcome", "ok")
			}
			outcomes[i] = Outcome{RunID: runID, Err: err}
		}(i, run.RunID)
	}
	wg.Wait()

	return outcomes, nil
}
