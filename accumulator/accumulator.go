// Package accumulator folds an ordered stream of open-world events into an
// ordered sequence of immutable CanonicalMessages, the shape the ledger
// store persists at commit time.
//
// The reducer is defined per event kind, not per class hierarchy: Feed
// dispatches on StoredEvent.Event.Kind through a fixed transition table, with
// unknown kinds silently ignored so the event-kind taxonomy stays open.
package accumulator

import (
	"encoding/json"
	"time"

	"goa.design/transcriptd/eventstore"
	"goa.design/transcriptd/xid"
)

type (
	// CanonicalPart is a canonical message content fragment. Implementations
	// are exactly TextPart, ReasoningPart, ToolCallPart, ToolResultPart, and
	// FilePart.
	CanonicalPart interface {
		isPart()
	}

	// TextPart is plain assistant-authored text.
	TextPart struct {
		Text string
	}

	// ReasoningPart carries a model's intermediate reasoning trace.
	ReasoningPart struct {
		Text string
	}

	// ToolCallPart records a tool invocation an assistant message requested.
	ToolCallPart struct {
		ToolCallID string
		ToolName   string
		Input      json.RawMessage
	}

	// ToolResultPart carries the outcome of one tool invocation.
	ToolResultPart struct {
		ToolCallID string
		ToolName   string
		Output     json.RawMessage
		IsError    bool
	}

	// FilePart references a file produced or attached during a step.
	FilePart struct {
		MimeType string
		URL      string
		Name     string
	}
)

func (TextPart) isPart()       {}
func (ReasoningPart) isPart()  {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}
func (FilePart) isPart()       {}

// CanonicalMessage is one immutable message produced by the reducer.
type CanonicalMessage struct {
	ID              string
	ParentMessageID string
	Role            string // one of "user", "assistant", "tool", "system"
	Parts           []CanonicalPart
	CreatedAt       time.Time
	Metadata        map[string]any
}

const (
	// RoleAssistant is the role assigned to accumulated step messages.
	RoleAssistant = "assistant"
	// RoleTool is the role assigned to standalone tool-result messages.
	RoleTool = "tool"

	// metaStepFinished is the reserved metadata key under which a
	// step-finished event's payload is merged.
	metaStepFinished = "step_finished"
	// metaError is the reserved metadata key under which an error event's
	// payload is merged.
	metaError = "error"
)

// Event kinds the reducer recognizes. Any other kind is ignored.
const (
	KindStepStarted  = "step-started"
	KindTextDelta    = "text-delta"
	KindReasoning    = "reasoning"
	KindToolCall     = "tool-call"
	KindToolResult   = "tool-result"
	KindFile         = "file"
	KindStepFinished = "step-finished"
	KindError        = "error"
)

type pendingCall struct {
	toolName string
	input    json.RawMessage
}

// Accumulator folds StoredEvents into CanonicalMessages. It is stateful and
// not safe for concurrent use; construct one per run finalize.
type Accumulator struct {
	ids xid.Generator

	completed  []CanonicalMessage
	current    *CanonicalMessage
	textBuf    string
	pending    map[string]pendingCall
	lastMsgID  string
	hasLastMsg bool
}

// New constructs an Accumulator. ids generates fresh message ids on commit;
// a nil ids defaults to xid.Default.
func New(ids xid.Generator) *Accumulator {
	if ids == nil {
		ids = xid.Default
	}
	return &Accumulator{
		ids:     ids,
		pending: make(map[string]pendingCall),
	}
}

// Feed applies events in order, mutating the reducer's state.
func (a *Accumulator) Feed(events []eventstore.StoredEvent) {
	for _, e := range events {
		a.apply(e)
	}
}

// Finish flushes any in-progress message (events ended mid-step) and returns
// the accumulated messages in order.
func (a *Accumulator) Finish() []CanonicalMessage {
	a.flushText()
	a.commitCurrent()
	return a.completed
}

func (a *Accumulator) apply(e eventstore.StoredEvent) {
	switch e.Event.Kind {
	case KindStepStarted:
		a.flushText()
		a.ensureCurrent(e)
	case KindTextDelta:
		var p textDeltaPayload
		_ = json.Unmarshal(e.Event.Payload, &p)
		a.textBuf += p.Delta
	case KindReasoning:
		a.flushText()
		a.ensureCurrent(e)
		var p reasoningPayload
		_ = json.Unmarshal(e.Event.Payload, &p)
		a.current.Parts = append(a.current.Parts, ReasoningPart{Text: p.Text})
	case KindToolCall:
		a.flushText()
		a.ensureCurrent(e)
		var p toolCallPayload
		_ = json.Unmarshal(e.Event.Payload, &p)
		a.current.Parts = append(a.current.Parts, ToolCallPart{
			ToolCallID: p.ToolCallID,
			ToolName:   p.ToolName,
			Input:      p.Input,
		})
		a.pending[p.ToolCallID] = pendingCall{toolName: p.ToolName, input: p.Input}
	case KindToolResult:
		a.commitCurrent()
		var p toolResultPayload
		_ = json.Unmarshal(e.Event.Payload, &p)
		toolName := p.ToolName
		if toolName == "" {
			if call, ok := a.pending[p.ToolCallID]; ok {
				toolName = call.toolName
			} else {
				toolName = "unknown"
			}
		}
		delete(a.pending, p.ToolCallID)
		msg := a.newMessage(RoleTool, e)
		msg.Parts = append(msg.Parts, ToolResultPart{
			ToolCallID: p.ToolCallID,
			ToolName:   toolName,
			Output:     p.Output,
			IsError:    p.IsError,
		})
		a.commit(msg)
	case KindFile:
		a.flushText()
		a.ensureCurrent(e)
		var p filePayload
		_ = json.Unmarshal(e.Event.Payload, &p)
		a.current.Parts = append(a.current.Parts, FilePart{
			MimeType: p.MimeType,
			URL:      p.URL,
			Name:     p.Name,
		})
	case KindStepFinished:
		a.flushText()
		a.ensureCurrent(e)
		if len(e.Event.Payload) > 0 {
			var meta any
			if err := json.Unmarshal(e.Event.Payload, &meta); err == nil {
				a.current.Metadata[metaStepFinished] = meta
			}
		}
		a.commitCurrent()
	case KindError:
		a.ensureCurrent(e)
		if len(e.Event.Payload) > 0 {
			var meta any
			if err := json.Unmarshal(e.Event.Payload, &meta); err == nil {
				a.current.Metadata[metaError] = meta
			}
		}
	default:
		// open-world: unrecognized kinds are ignored.
	}
}

// ensureCurrent makes sure a current assistant message exists, creating one
// rooted at the last committed message if necessary.
func (a *Accumulator) ensureCurrent(e eventstore.StoredEvent) {
	if a.current != nil {
		return
	}
	msg := a.newMessage(RoleAssistant, e)
	a.current = &msg
}

func (a *Accumulator) newMessage(role string, e eventstore.StoredEvent) CanonicalMessage {
	parent := ""
	if a.hasLastMsg {
		parent = a.lastMsgID
	}
	return CanonicalMessage{
		ParentMessageID: parent,
		Role:            role,
		Parts:           nil,
		CreatedAt:       e.Timestamp,
		Metadata:        make(map[string]any),
	}
}

// flushText coalesces any buffered text-delta into a Text part on the
// current message.
func (a *Accumulator) flushText() {
	if a.textBuf == "" {
		return
	}
	if a.current == nil {
		a.textBuf = ""
		return
	}
	a.current.Parts = append(a.current.Parts, TextPart{Text: a.textBuf})
	a.textBuf = ""
}

// commitCurrent commits the in-progress message, if any.
func (a *Accumulator) commitCurrent() {
	if a.current == nil {
		return
	}
	msg := *a.current
	a.current = nil
	a.commit(msg)
}

// commit assigns a fresh id, links it to the last committed message, and
// appends it unless it has no parts.
func (a *Accumulator) commit(msg CanonicalMessage) {
	if len(msg.Parts) == 0 {
		return
	}
	id := a.ids.New()
	msg.ID = id
	parts := make([]CanonicalPart, len(msg.Parts))
	copy(parts, msg.Parts)
	msg.Parts = parts
	a.completed = append(a.completed, msg)
	a.lastMsgID = id
	a.hasLastMsg = true
}

// Accumulate is a convenience wrapper for one-shot use: feed all events and
// flush, returning the resulting messages.
func Accumulate(ids xid.Generator, events []eventstore.StoredEvent) []CanonicalMessage {
	a := New(ids)
	a.Feed(events)
	return a.Finish()
}

type (
	textDeltaPayload struct {
		Delta string `json:"delta"`
	}
	reasoningPayload struct {
		Text string `json:"text"`
	}
	toolCallPayload struct {
		ToolCallID string          `json:"tool_call_id"`
		ToolName   string          `json:"tool_name"`
		Input      json.RawMessage `json:"input"`
	}
	toolResultPayload struct {
		ToolCallID string          `json:"tool_call_id"`
		ToolName   string          `json:"tool_name"`
		Output     json.RawMessage `json:"output"`
		IsError    bool            `json:"is_error"`
	}
	filePayload struct {
		MimeType string `json:"mime_type"`
		URL      string `json:"url"`
		Name     string `json:"name"`
	}
)
