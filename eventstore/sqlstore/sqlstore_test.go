package sqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/transcriptd/eventstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "file:"+t.Name()+"?mode=memory&cache=shared", nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAssignsContiguousSeqAndSharedTimestamp(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	stored, err := s.Append(ctx, "run-1", []eventstore.StreamEvent{
		{Kind: "text-delta", Payload: []byte(`"a"`)},
		{Kind: "text-delta", Payload: []byte(`"b"`)},
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.EqualValues(t, 1, stored[0].Seq)
	require.EqualValues(t, 2, stored[1].Seq)
	require.WithinDuration(t, stored[0].Timestamp, stored[1].Timestamp, 0)

	more, err := s.Append(ctx, "run-1", []eventstore.StreamEvent{{Kind: "c"}})
	require.NoError(t, err)
	require.EqualValues(t, 3, more[0].Seq)
}

func TestAppendEmptyBatchIsNoOp(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	stored, err := s.Append(context.Background(), "run-1", nil)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Empty(t, stored)
}

func TestReplayOrderingAndLimit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "run-1", []eventstore.StreamEvent{
		{Kind: "a"}, {Kind: "b"}, {Kind: "c"},
	})
	require.NoError(t, err)

	page, err := s.Replay(ctx, "run-1", eventstore.WithAfterSeq(0).WithLimit(2))
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.EqualValues(t, 1, page[0].Seq)
	require.EqualValues(t, 2, page[1].Seq)
	require.Equal(t, "a", page[0].Event.Kind)
}

func TestReplayUnknownStreamReturnsEmpty(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	page, err := s.Replay(context.Background(), "missing", eventstore.ReplayOptions{})
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestHeadUnknownStreamIsZero(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	head, err := s.Head(context.Background(), "missing")
	require.NoError(t, err)
	require.Zero(t, head)
}

func TestDeleteRemovesStreamAndIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "run-1", []eventstore.StreamEvent{{Kind: "a"}})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "run-1"))
	head, err := s.Head(ctx, "run-1")
	require.NoError(t, err)
	require.Zero(t, head)
	require.NoError(t, s.Delete(ctx, "run-1"))
}

func TestConcurrentAppendsSerializeWithoutLostUpdates(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	const writers = 10

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "run-1", []eventstore.StreamEvent{{Kind: "x"}})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	head, err := s.Head(ctx, "run-1")
	require.NoError(t, err)
	require.EqualValues(t, writers, head)
}

func TestAppendUsesInjectableClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(context.Background(), "file:"+t.Name()+"?mode=memory&cache=shared", func() time.Time { return fixed }, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	stored, err := s.Append(context.Background(), "run-1", []eventstore.StreamEvent{{Kind: "a"}})
	require.NoError(t, err)
	require.True(t, fixed.Equal(stored[0].Timestamp))
}
