// Package wire defines the length-delimited JSON frame protocol spoken
// between fanout/server and fanout/client. Every frame carries a Kind
// discriminator; decoders reject malformed input by returning an error
// rather than panicking, so a server can emit an INVALID_MESSAGE frame and
// keep the connection open.
package wire

import (
	"encoding/json"
	"fmt"

	"goa.design/transcriptd/eventstore"
)

// Version is the wire protocol version negotiated at handshake. A mismatch
// is a fatal VERSION_MISMATCH error closing the connection.
const Version = 1

// Client frame kinds.
const (
	KindHello       = "hello"
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
	KindPong        = "pong"
)

// Server frame kinds.
const (
	KindServerHello = "server-hello"
	KindEvent       = "event"
	KindReplayEnd   = "replay-end"
	KindPing        = "ping"
	KindError       = "error"
)

// Error codes carried by KindError frames.
const (
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeUnknownStream   = "UNKNOWN_STREAM"
	CodeReplayFailed    = "REPLAY_FAILED"
	CodeBufferOverflow  = "BUFFER_OVERFLOW"
	CodeInvalidMessage  = "INVALID_MESSAGE"
)

var validErrorCodes = map[string]bool{
	CodeVersionMismatch: true,
	CodeUnknownStream:   true,
	CodeReplayFailed:    true,
	CodeBufferOverflow:  true,
	CodeInvalidMessage:  true,
}

type (
	// ClientFrame is any frame a client may send.
	ClientFrame struct {
		Kind string `json:"kind"`

		// Hello fields.
		Version int `json:"version,omitempty"`

		// Subscribe/Unsubscribe fields.
		StreamID string `json:"stream_id,omitempty"`
		AfterSeq uint64 `json:"after_seq,omitempty"`
	}

	// ServerFrame is any frame a server may send.
	ServerFrame struct {
		Kind string `json:"kind"`

		// ServerHello fields.
		Version int `json:"version,omitempty"`

		// Event fields.
		StreamID string                 `json:"stream_id,omitempty"`
		Event    *eventstore.StoredEvent `json:"event,omitempty"`

		// ReplayEnd fields.
		LastReplaySeq uint64 `json:"last_replay_seq,omitempty"`

		// Error fields.
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	}
)

// Hello constructs a client hello frame.
func Hello(version int) ClientFrame { return ClientFrame{Kind: KindHello, Version: version} }

// Subscribe constructs a client subscribe frame.
func Subscribe(streamID string, afterSeq uint64) ClientFrame {
	return ClientFrame{Kind: KindSubscribe, StreamID: streamID, AfterSeq: afterSeq}
}

// Unsubscribe constructs a client unsubscribe frame.
func Unsubscribe(streamID string) ClientFrame {
	return ClientFrame{Kind: KindUnsubscribe, StreamID: streamID}
}

// Pong constructs a client pong frame.
func Pong() ClientFrame { return ClientFrame{Kind: KindPong} }

// ServerHello constructs a server-hello frame.
func ServerHello(version int) ServerFrame { return ServerFrame{Kind: KindServerHello, Version: version} }

// EventFrame constructs an event frame carrying a single stored event.
func EventFrame(streamID string, e eventstore.StoredEvent) ServerFrame {
	return ServerFrame{Kind: KindEvent, StreamID: streamID, Event: &e}
}

// ReplayEnd constructs a replay-end frame.
func ReplayEnd(streamID string, lastReplaySeq uint64) ServerFrame {
	return ServerFrame{Kind: KindReplayEnd, StreamID: streamID, LastReplaySeq: lastReplaySeq}
}

// Ping constructs a server ping frame.
func Ping() ServerFrame { return ServerFrame{Kind: KindPing} }

// ErrorFrame constructs a server error frame. code must be one of the
// CodeXxx constants.
func ErrorFrame(code, message string) ServerFrame {
	return ServerFrame{Kind: KindError, Code: code, Message: message}
}

// EncodeClient marshals a client frame to JSON.
func EncodeClient(f ClientFrame) ([]byte, error) { return json.Marshal(f) }

// EncodeServer marshals a server frame to JSON.
func EncodeServer(f ServerFrame) ([]byte, error) { return json.Marshal(f) }

// DecodeClientFrame decodes and validates a client frame. It never panics;
// malformed input is returned as an error so the caller can respond with
// INVALID_MESSAGE and keep the connection open.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("decode client frame: %w", err)
	}
	switch f.Kind {
	case KindHello:
		if f.Version <= 0 {
			return ClientFrame{}, fmt.Errorf("hello: version must be a positive integer")
		}
	case KindSubscribe:
		if f.StreamID == "" {
			return ClientFrame{}, fmt.Errorf("subscribe: stream_id is required")
		}
	case KindUnsubscribe:
		if f.StreamID == "" {
			return ClientFrame{}, fmt.Errorf("unsubscribe: stream_id is required")
		}
	case KindPong:
		// no fields to validate
	default:
		return ClientFrame{}, fmt.Errorf("unknown client frame kind %q", f.Kind)
	}
	return f, nil
}

// DecodeServerFrame decodes and validates a server frame. It never panics;
// malformed input is returned as an error.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("decode server frame: %w", err)
	}
	switch f.Kind {
	case KindServerHello:
		if f.Version <= 0 {
			return ServerFrame{}, fmt.Errorf("server-hello: version must be a positive integer")
		}
	case KindEvent:
		if f.StreamID == "" || f.Event == nil {
			return ServerFrame{}, fmt.Errorf("event: stream_id and event are required")
		}
	case KindReplayEnd:
		if f.StreamID == "" {
			return ServerFrame{}, fmt.Errorf("replay-end: stream_id is required")
		}
	case KindPing:
		// no fields to validate
	case KindError:
		if !validErrorCodes[f.Code] {
			return ServerFrame{}, fmt.Errorf("error: unknown code %q", f.Code)
		}
	default:
		return ServerFrame{}, fmt.Errorf("unknown server frame kind %q", f.Kind)
	}
	return f, nil
}
