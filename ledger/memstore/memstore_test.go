package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/transcriptd/accumulator"
	"goa.design/transcriptd/ledger"
	"goa.design/transcriptd/ledger/memstore"
	"goa.design/transcriptd/structerr"
	"goa.design/transcriptd/xid"
)

func newStore(clock time.Time) *memstore.Store {
	ticker := clock
	now := func() time.Time {
		t := ticker
		ticker = ticker.Add(time.Second)
		return t
	}
	return memstore.New(now, xid.NewSequential("run-"))
}

func msg(ids xid.Generator, role string, parts ...accumulator.CanonicalPart) accumulator.CanonicalMessage {
	return accumulator.CanonicalMessage{ID: ids.New(), Role: role, Parts: parts}
}

func TestBeginActivateFinalizeCommittedHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))

	run, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCreated, run.Status)

	run, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusStreaming, run.Status)

	ids := xid.NewSequential("m-")
	result, err := s.FinalizeRun(ctx, ledger.FinalizeOptions{
		RunID:    run.RunID,
		Status:   ledger.StatusCommitted,
		Messages: []accumulator.CanonicalMessage{msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "Hello, world!"})},
	})
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.Empty(t, result.SupersededRunIDs)

	transcript, err := s.GetTranscript(ctx, "t1", nil)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, []accumulator.CanonicalPart{accumulator.TextPart{Text: "Hello, world!"}}, transcript[0].Parts)
}

func TestActivateNonCreatedRunIsIllegalTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))

	run, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)

	_, err = s.ActivateRun(ctx, run.RunID)
	require.True(t, structerr.Is(err, structerr.KindIllegalTransition))
}

func TestFinalizeCommittedIsIdempotentOnRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))

	run, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)

	ids := xid.NewSequential("m-")
	opts := ledger.FinalizeOptions{
		RunID:    run.RunID,
		Status:   ledger.StatusCommitted,
		Messages: []accumulator.CanonicalMessage{msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "hi"})},
	}
	first, err := s.FinalizeRun(ctx, opts)
	require.NoError(t, err)
	require.True(t, first.Committed)

	// Retry with the same (run_id, status) but different messages must be a
	// no-op: no additional messages appear in the transcript.
	opts.Messages = []accumulator.CanonicalMessage{msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "again"})}
	second, err := s.FinalizeRun(ctx, opts)
	require.NoError(t, err)
	assert.True(t, second.Committed)

	transcript, err := s.GetTranscript(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Len(t, transcript, 1)
}

func TestFinalizeWithDifferentStatusAfterTerminalIsIllegalTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))

	run, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, ledger.FinalizeOptions{RunID: run.RunID, Status: ledger.StatusFailed})
	require.NoError(t, err)

	_, err = s.FinalizeRun(ctx, ledger.FinalizeOptions{RunID: run.RunID, Status: ledger.StatusCommitted})
	require.True(t, structerr.Is(err, structerr.KindIllegalTransition))
}

func TestFinalizeFailedOrCancelledAppendsNoMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))

	run, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)

	ids := xid.NewSequential("m-")
	result, err := s.FinalizeRun(ctx, ledger.FinalizeOptions{
		RunID:    run.RunID,
		Status:   ledger.StatusFailed,
		Messages: []accumulator.CanonicalMessage{msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "never persisted"})},
	})
	require.NoError(t, err)
	assert.False(t, result.Committed)

	transcript, err := s.GetTranscript(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, transcript)

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, got.Status)
}

func TestRegenerationSupersedesEarlierCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))
	ids := xid.NewSequential("m-")

	r1, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1", ForkFromMessageID: "u1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, r1.RunID)
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, ledger.FinalizeOptions{
		RunID:    r1.RunID,
		Status:   ledger.StatusCommitted,
		Messages: []accumulator.CanonicalMessage{msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "m1"})},
	})
	require.NoError(t, err)

	r2, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1", ForkFromMessageID: "u1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, r2.RunID)
	require.NoError(t, err)
	result, err := s.FinalizeRun(ctx, ledger.FinalizeOptions{
		RunID:    r2.RunID,
		Status:   ledger.StatusCommitted,
		Messages: []accumulator.CanonicalMessage{msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "m2"})},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{r1.RunID}, result.SupersededRunIDs)

	r1Final, err := s.GetRun(ctx, r1.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuperseded, r1Final.Status)

	r2Final, err := s.GetRun(ctx, r2.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCommitted, r2Final.Status)

	transcript, err := s.GetTranscript(ctx, "t1", nil)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, []accumulator.CanonicalPart{accumulator.TextPart{Text: "m2"}}, transcript[0].Parts)
}

func TestGetTranscriptHonorsExplicitBranchSelection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))
	ids := xid.NewSequential("m-")

	// Two runs fork at "u1" but neither commits over the other (both
	// committed statuses are legal simultaneously only off the
	// same-fork-id supersession rule; use distinct fork points instead so
	// both remain committed and an explicit selector disambiguates).
	r1, _ := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	_, _ = s.ActivateRun(ctx, r1.RunID)
	leftMsg := msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "left"})
	_, err := s.FinalizeRun(ctx, ledger.FinalizeOptions{RunID: r1.RunID, Status: ledger.StatusCommitted, Messages: []accumulator.CanonicalMessage{leftMsg}})
	require.NoError(t, err)

	r2, _ := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	_, _ = s.ActivateRun(ctx, r2.RunID)
	rightMsg := msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "right"})
	_, err = s.FinalizeRun(ctx, ledger.FinalizeOptions{RunID: r2.RunID, Status: ledger.StatusCommitted, Messages: []accumulator.CanonicalMessage{rightMsg}})
	require.NoError(t, err)

	// Default policy (no explicit selector): largest order wins among
	// committed candidates at the root-level synthetic fork.
	def, err := s.GetTranscript(ctx, "t1", nil)
	require.NoError(t, err)
	require.Len(t, def, 1)
	assert.Equal(t, rightMsg.ID, def[0].ID)

	// Explicit selector overrides.
	explicit, err := s.GetTranscript(ctx, "t1", ledger.Branch{"": leftMsg.ID})
	require.NoError(t, err)
	require.Len(t, explicit, 1)
	assert.Equal(t, leftMsg.ID, explicit[0].ID)
}

func TestListStaleRunsUsesThresholdAndActiveStatusOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Unix(0, 0)
	s := memstore.New(func() time.Time { return base }, xid.NewSequential("run-"))

	active, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)

	done, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, done.RunID)
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, ledger.FinalizeOptions{RunID: done.RunID, Status: ledger.StatusCancelled})
	require.NoError(t, err)

	stale, err := s.ListStaleRuns(ctx, ledger.StaleRunsOptions{OlderThan: -time.Second})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, active.RunID, stale[0].RunID)
}

func TestRecoverRunForcesTerminalStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))

	run, err := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)

	recovered, err := s.RecoverRun(ctx, run.RunID, ledger.ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, recovered.Status)

	_, err = s.RecoverRun(ctx, run.RunID, ledger.ActionFail)
	require.True(t, structerr.Is(err, structerr.KindIllegalTransition))
}

func TestDeleteThreadRemovesRunsAndMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(time.Unix(0, 0))
	ids := xid.NewSequential("m-")

	run, _ := s.BeginRun(ctx, ledger.BeginRunOptions{ThreadID: "t1"})
	_, _ = s.ActivateRun(ctx, run.RunID)
	_, err := s.FinalizeRun(ctx, ledger.FinalizeOptions{RunID: run.RunID, Status: ledger.StatusCommitted, Messages: []accumulator.CanonicalMessage{msg(ids, accumulator.RoleAssistant, accumulator.TextPart{Text: "x"})}})
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(ctx, "t1"))

	runs, err := s.ListRuns(ctx, ledger.ListRunsOptions{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	transcript, err := s.GetTranscript(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, transcript)
}
