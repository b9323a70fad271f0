// Package ledger owns run records and the branch-aware message DAG they
// produce: beginning and activating runs, atomically finalizing them into
// committed transcripts (with fork-point supersession), and recovering
// stale runs.
package ledger

import (
	"context"
	"time"

	"goa.design/transcriptd/accumulator"
)

// Status is a RunRecord's lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusStreaming  Status = "streaming"
	StatusCommitted  Status = "committed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusSuperseded Status = "superseded"
)

// IsActive reports whether s is created or streaming.
func (s Status) IsActive() bool {
	return s == StatusCreated || s == StatusStreaming
}

// IsTerminal reports whether s is committed, failed, cancelled, or
// superseded.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusFailed || s == StatusCancelled || s == StatusSuperseded
}

// RunRecord is one agent generation attempt.
type RunRecord struct {
	RunID             string
	ThreadID          string
	StreamID          string
	ForkFromMessageID string // empty means no fork parent
	Status            Status
	CreatedAt         time.Time
	FinishedAt        *time.Time
	MessageCount      int
}

// Message is a persisted CanonicalMessage, additionally carrying the
// ledger-owned fields (thread, run, and insertion ordinal) that accumulator
// messages don't need.
type Message struct {
	ID              string
	RunID           string
	ThreadID        string
	ParentMessageID string
	Role            string
	Parts           []accumulator.CanonicalPart
	CreatedAt       time.Time
	Metadata        map[string]any
	Order           int
}

// BeginRunOptions parameterizes BeginRun.
type BeginRunOptions struct {
	ThreadID          string
	ForkFromMessageID string
}

// FinalizeOptions parameterizes FinalizeRun.
type FinalizeOptions struct {
	RunID    string
	Status   Status // one of committed, failed, cancelled
	Messages []accumulator.CanonicalMessage
}

// FinalizeResult reports the outcome of a FinalizeRun call.
type FinalizeResult struct {
	Committed        bool
	SupersededRunIDs []string
}

// RecoverAction is the forced terminal status recover_run drives a stale
// active run into.
type RecoverAction string

const (
	ActionFail   RecoverAction = "fail"
	ActionCancel RecoverAction = "cancel"
)

// Branch selects, per fork point, which child message id continues the
// active transcript. A fork point absent from Branch falls back to the
// committed/latest-order policy. Go's static typing enforces the
// "non-string selectors are rejected" requirement structurally: a
// map[string]string cannot hold a non-string value.
type Branch map[string]string

// ForkPoint describes one point in a thread's message DAG where more than
// one child message exists.
type ForkPoint struct {
	ForkMessageID string
	Children      []string
	ActiveChildID string
}

// ThreadTree is the full node set and fork-point index for a thread.
type ThreadTree struct {
	Nodes      []Message
	ForkPoints []ForkPoint
}

// ListRunsOptions filters ListRuns.
type ListRunsOptions struct {
	ThreadID string // empty means all threads
}

// StaleRunsOptions filters ListStaleRuns.
type StaleRunsOptions struct {
	ThreadID  string // empty means all threads
	OlderThan time.Duration
}

// DefaultStaleThreshold is the default age past which an active run is
// considered stale, absent an explicit threshold.
const DefaultStaleThreshold = 5 * time.Minute

// Store is the branch-aware run and message ledger.
type Store interface {
	// BeginRun allocates a fresh run_id and derived stream_id, recording a
	// RunRecord in status created.
	BeginRun(ctx context.Context, opts BeginRunOptions) (RunRecord, error)
	// ActivateRun transitions a run from created to streaming. Any other
	// prior status is an IllegalTransition error.
	ActivateRun(ctx context.Context, runID string) (RunRecord, error)
	// FinalizeRun atomically transitions a run to a terminal status,
	// inserting messages and applying fork-point supersession when
	// status is committed. Re-invocation with the same (run_id, status)
	// after a successful commit is a no-op returning Committed=true.
	FinalizeRun(ctx context.Context, opts FinalizeOptions) (FinalizeResult, error)
	// GetRun returns the run, or nil if it does not exist.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	// ListRuns returns runs matching opts, most recently created last.
	ListRuns(ctx context.Context, opts ListRunsOptions) ([]RunRecord, error)
	// GetTranscript returns the thread's active, linear message list under
	// branch, walking from roots in insertion order and resolving each
	// fork point per the branch-selection policy.
	GetTranscript(ctx context.Context, threadID string, branch Branch) ([]Message, error)
	// GetThreadTree returns every message plus the fork-point index for
	// threadID under branch.
	GetThreadTree(ctx context.Context, threadID string, branch Branch) (ThreadTree, error)
	// DeleteThread removes a thread's runs and messages. Event log
	// retention for the thread's streams is the caller's choice.
	DeleteThread(ctx context.Context, threadID string) error
	// ListStaleRuns returns active runs older than opts' threshold
	// (DefaultStaleThreshold if zero).
	ListStaleRuns(ctx context.Context, opts StaleRunsOptions) ([]RunRecord, error)
	// RecoverRun forces an active run into failed or cancelled. Recovering
	// a terminal run is an IllegalTransition error.
	RecoverRun(ctx context.Context, runID string, action RecoverAction) (RunRecord, error)
}
