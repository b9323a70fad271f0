package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/transcriptd/eventstore"
	"goa.design/transcriptd/wire"
)

func TestDecodeClientFrameRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []wire.ClientFrame{
		wire.Hello(1),
		wire.Subscribe("s1", 5),
		wire.Unsubscribe("s1"),
		wire.Pong(),
	}
	for _, f := range cases {
		data, err := wire.EncodeClient(f)
		require.NoError(t, err)
		got, err := wire.DecodeClientFrame(data)
		require.NoError(t, err)
		require.Equal(t, f, got)
	}
}

func TestDecodeServerFrameRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []wire.ServerFrame{
		wire.ServerHello(1),
		wire.EventFrame("s1", eventstore.StoredEvent{Seq: 1, StreamID: "s1"}),
		wire.ReplayEnd("s1", 3),
		wire.Ping(),
		wire.ErrorFrame(wire.CodeBufferOverflow, "buffer overflow"),
	}
	for _, f := range cases {
		data, err := wire.EncodeServer(f)
		require.NoError(t, err)
		got, err := wire.DecodeServerFrame(data)
		require.NoError(t, err)
		require.Equal(t, f, got)
	}
}

func TestDecodeClientFrameRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeClientFrame([]byte(`{"kind":"bogus"}`))
	require.Error(t, err)
}

func TestDecodeClientFrameRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeClientFrame([]byte(`{not json`))
	require.Error(t, err)
}

func TestDecodeClientFrameRejectsNegativeSeq(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeClientFrame([]byte(`{"kind":"subscribe","stream_id":"s1","after_seq":-1}`))
	require.Error(t, err)
}

func TestDecodeClientFrameRejectsMissingStreamID(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeClientFrame([]byte(`{"kind":"subscribe"}`))
	require.Error(t, err)
}

func TestDecodeClientFrameRejectsNonIntegerVersion(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeClientFrame([]byte(`{"kind":"hello","version":"one"}`))
	require.Error(t, err)
}

func TestDecodeServerFrameRejectsUnknownErrorCode(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeServerFrame([]byte(`{"kind":"error","code":"BOGUS"}`))
	require.Error(t, err)
}

func TestDecodeServerFrameRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeServerFrame([]byte(`{"kind":"bogus"}`))
	require.Error(t, err)
}
