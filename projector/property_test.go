package projector_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/transcriptd/eventstore"
	"goa.design/transcriptd/projector"
)

// TestApplyIsAssociativeAcrossPartitions verifies invariant 3: for any
// projector P and event vector E, for any partition E = A ++ B,
// P.apply(A); P.apply(B) == P.apply(E) in both state and last_seq.
func TestApplyIsAssociativeAcrossPartitions(t *testing.T) {
	t.Parallel()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("splitting a batch across two Apply calls matches one Apply call", prop.ForAll(
		func(sizes []int, splitAt int) bool {
			events := make([]eventstore.StoredEvent, len(sizes))
			for i, n := range sizes {
				events[i] = eventstore.StoredEvent{Seq: uint64(i + 1), Event: eventstore.StreamEvent{Payload: make([]byte, n)}}
			}
			if splitAt < 0 {
				splitAt = 0
			}
			if splitAt > len(events) {
				splitAt = len(events)
			}
			a, b := events[:splitAt], events[splitAt:]

			whole := projector.New(0, sumReducer)
			whole.Apply(events)

			split := projector.New(0, sumReducer)
			split.Apply(a)
			split.Apply(b)

			return whole.State() == split.State() && whole.LastSeq() == split.LastSeq()
		},
		gen.SliceOfN(12, gen.IntRange(0, 9)),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
