// Package memstore is an in-memory ledger.Store, primarily useful for tests
// and single-process deployments that don't need durability across restarts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/transcriptd/ledger"
	"goa.design/transcriptd/structerr"
	"goa.design/transcriptd/xid"
)

// Store is an in-memory ledger.Store. A single mutex guards all state:
// finalize's atomicity requirement (status update + message insert +
// supersession + pruning, all-or-nothing) is trivial to provide by holding
// one lock across the whole operation, and ledger operations are not
// throughput-critical the way per-stream event appends are.
type Store struct {
	now func() time.Time
	ids xid.Generator

	mu       sync.Mutex
	runs     map[string]ledger.RunRecord
	messages map[string][]ledger.Message // keyed by thread_id
	order    map[string]int              // next insertion ordinal, keyed by thread_id
}

var _ ledger.Store = (*Store)(nil)

// New constructs an empty Store. A nil now defaults to time.Now; a nil ids
// defaults to xid.Default.
func New(now func() time.Time, ids xid.Generator) *Store {
	if now == nil {
		now = time.Now
	}
	if ids == nil {
		ids = xid.Default
	}
	return &Store{
		now:      now,
		ids:      ids,
		runs:     make(map[string]ledger.RunRecord),
		messages: make(map[string][]ledger.Message),
		order:    make(map[string]int),
	}
}

// BeginRun implements ledger.Store.
func (s *Store) BeginRun(_ context.Context, opts ledger.BeginRunOptions) (ledger.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := s.ids.New()
	rec := ledger.RunRecord{
		RunID:             runID,
		ThreadID:          opts.ThreadID,
		StreamID:          "run:" + runID,
		ForkFromMessageID: opts.ForkFromMessageID,
		Status:            ledger.StatusCreated,
		CreatedAt:         s.now().UTC(),
	}
	s.runs[runID] = rec
	return rec, nil
}

// ActivateRun implements ledger.Store.
func (s *Store) ActivateRun(_ context.Context, runID string) (ledger.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return ledger.RunRecord{}, structerr.New(structerr.KindNotFound, "run %q not found", runID)
	}
	if rec.Status != ledger.StatusCreated {
		return ledger.RunRecord{}, structerr.New(structerr.KindIllegalTransition, "run %q is %s, not created", runID, rec.Status)
	}
	rec.Status = ledger.StatusStreaming
	s.runs[runID] = rec
	return rec, nil
}

// FinalizeRun implements ledger.Store.
func (s *Store) FinalizeRun(_ context.Context, opts ledger.FinalizeOptions) (ledger.FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[opts.RunID]
	if !ok {
		return ledger.FinalizeResult{}, structerr.New(structerr.KindNotFound, "run %q not found", opts.RunID)
	}

	if rec.Status.IsTerminal() {
		if rec.Status == opts.Status {
			return ledger.FinalizeResult{Committed: rec.Status == ledger.StatusCommitted}, nil
		}
		return ledger.FinalizeResult{}, structerr.New(structerr.KindIllegalTransition,
			"run %q already finalized as %s, cannot re-finalize as %s", opts.RunID, rec.Status, opts.Status)
	}

	now := s.now().UTC()
	var result ledger.FinalizeResult

	switch opts.Status {
	case ledger.StatusCommitted:
		superseded := s.supersedePeers(rec, now)
		result.SupersededRunIDs = superseded

		order := s.order[rec.ThreadID]
		for i, cm := range opts.Messages {
			parent := cm.ParentMessageID
			if i == 0 {
				parent = rec.ForkFromMessageID
			}
			s.messages[rec.ThreadID] = append(s.messages[rec.ThreadID], ledger.Message{
				ID:              cm.ID,
				RunID:           rec.RunID,
				ThreadID:        rec.ThreadID,
				ParentMessageID: parent,
				Role:            cm.Role,
				Parts:           cm.Parts,
				CreatedAt:       cm.CreatedAt,
				Metadata:        cm.Metadata,
				Order:           order,
			})
			order++
		}
		s.order[rec.ThreadID] = order

		rec.MessageCount = len(opts.Messages)
		result.Committed = true
	case ledger.StatusFailed, ledger.StatusCancelled:
		// partial event log is retained elsewhere; no messages appended.
	default:
		return ledger.FinalizeResult{}, structerr.New(structerr.KindIllegalTransition, "invalid finalize status %q", opts.Status)
	}

	rec.Status = opts.Status
	rec.FinishedAt = &now
	s.runs[opts.RunID] = rec
	return result, nil
}

// supersedePeers marks prior committed runs on the same thread sharing the
// same non-empty fork_from_message_id as superseded, and prunes their
// messages. Must be called with s.mu held.
func (s *Store) supersedePeers(rec ledger.RunRecord, finishedAt time.Time) []string {
	if rec.ForkFromMessageID == "" {
		return nil
	}
	var superseded []string
	for id, peer := range s.runs {
		if id == rec.RunID {
			continue
		}
		if peer.ThreadID != rec.ThreadID || peer.Status != ledger.StatusCommitted {
			continue
		}
		if peer.ForkFromMessageID != rec.ForkFromMessageID {
			continue
		}
		peer.Status = ledger.StatusSuperseded
		peer.FinishedAt = &finishedAt
		s.runs[id] = peer
		superseded = append(superseded, id)
	}
	if len(superseded) == 0 {
		return nil
	}
	supersededSet := make(map[string]bool, len(superseded))
	for _, id := range superseded {
		supersededSet[id] = true
	}
	kept := s.messages[rec.ThreadID][:0]
	for _, m := range s.messages[rec.ThreadID] {
		if !supersededSet[m.RunID] {
			kept = append(kept, m)
		}
	}
	s.messages[rec.ThreadID] = kept
	return superseded
}

// GetRun implements ledger.Store.
func (s *Store) GetRun(_ context.Context, runID string) (*ledger.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ListRuns implements ledger.Store.
func (s *Store) ListRuns(_ context.Context, opts ledger.ListRunsOptions) ([]ledger.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.RunRecord
	for _, rec := range s.runs {
		if opts.ThreadID != "" && rec.ThreadID != opts.ThreadID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetTranscript implements ledger.Store.
func (s *Store) GetTranscript(_ context.Context, threadID string, branch ledger.Branch) ([]ledger.Message, error) {
	s.mu.Lock()
	messages := append([]ledger.Message(nil), s.messages[threadID]...)
	statuses := s.runStatusesForThread(threadID)
	s.mu.Unlock()

	return ledger.ResolveTranscript(messages, statuses, branch)
}

// GetThreadTree implements ledger.Store.
func (s *Store) GetThreadTree(_ context.Context, threadID string, branch ledger.Branch) (ledger.ThreadTree, error) {
	s.mu.Lock()
	messages := append([]ledger.Message(nil), s.messages[threadID]...)
	statuses := s.runStatusesForThread(threadID)
	s.mu.Unlock()

	return ledger.ResolveThreadTree(messages, statuses, branch)
}

// runStatusesForThread must be called with s.mu held.
func (s *Store) runStatusesForThread(threadID string) map[string]ledger.Status {
	statuses := make(map[string]ledger.Status)
	for id, rec := range s.runs {
		if rec.ThreadID == threadID {
			statuses[id] = rec.Status
		}
	}
	return statuses
}

// DeleteThread implements ledger.Store.
func (s *Store) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.runs {
		if rec.ThreadID == threadID {
			delete(s.runs, id)
		}
	}
	delete(s.messages, threadID)
	delete(s.order, threadID)
	return nil
}

// ListStaleRuns implements ledger.Store.
func (s *Store) ListStaleRuns(_ context.Context, opts ledger.StaleRunsOptions) ([]ledger.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := opts.OlderThan
	if threshold == 0 {
		threshold = ledger.DefaultStaleThreshold
	}
	now := s.now().UTC()

	var out []ledger.RunRecord
	for _, rec := range s.runs {
		if opts.ThreadID != "" && rec.ThreadID != opts.ThreadID {
			continue
		}
		if !rec.Status.IsActive() {
			continue
		}
		if now.Sub(rec.CreatedAt) >= threshold {
			out = append(out, rec)
		}
	}
	return out, nil
}

// RecoverRun implements ledger.Store.
func (s *Store) RecoverRun(_ context.Context, runID string, action ledger.RecoverAction) (ledger.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return ledger.RunRecord{}, structerr.New(structerr.KindNotFound, "run %q not found", runID)
	}
	if !rec.Status.IsActive() {
		return ledger.RunRecord{}, structerr.New(structerr.KindIllegalTransition, "run %q is %s, not active", runID, rec.Status)
	}

	var status ledger.Status
	switch action {
	case ledger.ActionFail:
		status = ledger.StatusFailed
	case ledger.ActionCancel:
		status = ledger.StatusCancelled
	default:
		return ledger.RunRecord{}, structerr.New(structerr.KindIllegalTransition, "invalid recover action %q", action)
	}

	now := s.now().UTC()
	rec.Status = status
	rec.FinishedAt = &now
	s.runs[runID] = rec
	return rec, nil
}
