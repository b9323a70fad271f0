package xid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSequentialGeneratesDeterministicIDs(t *testing.T) {
	t.Parallel()

	g := NewSequential("id-")
	require.Equal(t, "id-1", g.New())
	require.Equal(t, "id-2", g.New())
	require.Equal(t, "id-3", g.New())
}

func TestClockNewLength(t *testing.T) {
	t.Parallel()

	g := NewClock(nil, nil)
	id := g.New()
	require.Len(t, id, totalChars)
}

func TestClockOrderingApproximatesTime(t *testing.T) {
	t.Parallel()

	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewClock(func() [16]byte { return [16]byte{} }, func() time.Time { return tick })
	first := g.New()

	tick = tick.Add(time.Millisecond)
	second := g.New()

	require.Less(t, first, second)
}

func TestClockInjectableRandomness(t *testing.T) {
	t.Parallel()

	fixed := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	now := time.Unix(0, 0).UTC()
	g := NewClock(func() [16]byte { return fixed }, func() time.Time { return now })

	a := g.New()
	b := g.New()
	require.Equal(t, a, b, "identical clock and randomness must produce identical ids")
}
