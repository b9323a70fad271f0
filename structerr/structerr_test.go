package structerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCauseAndKind(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := Wrap(KindTransient, cause, "append failed")

	require.True(t, errors.Is(err, cause))
	require.Equal(t, KindTransient, OfKind(err))
	require.True(t, Is(err, KindTransient))
	require.False(t, Is(err, KindNotFound))
}

func TestIsMatchesByKindNotMessage(t *testing.T) {
	t.Parallel()

	a := New(KindNotFound, "run %q not found", "r1")
	sentinel := New(KindNotFound, "")

	require.True(t, errors.Is(a, sentinel))
}
