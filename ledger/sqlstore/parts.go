package sqlstore

import (
	"encoding/json"
	"fmt"

	"goa.design/transcriptd/accumulator"
)

const (
	partKindText       = "text"
	partKindReasoning  = "reasoning"
	partKindToolCall   = "tool_call"
	partKindToolResult = "tool_result"
	partKindFile       = "file"
)

// encodePart serializes a CanonicalPart to its persisted (kind, data) pair.
func encodePart(p accumulator.CanonicalPart) (string, []byte, error) {
	switch v := p.(type) {
	case accumulator.TextPart:
		data, err := json.Marshal(v)
		return partKindText, data, err
	case accumulator.ReasoningPart:
		data, err := json.Marshal(v)
		return partKindReasoning, data, err
	case accumulator.ToolCallPart:
		data, err := json.Marshal(v)
		return partKindToolCall, data, err
	case accumulator.ToolResultPart:
		data, err := json.Marshal(v)
		return partKindToolResult, data, err
	case accumulator.FilePart:
		data, err := json.Marshal(v)
		return partKindFile, data, err
	default:
		return "", nil, fmt.Errorf("unknown part type %T", p)
	}
}

// decodePart deserializes a persisted (kind, data) pair back into a
// CanonicalPart.
func decodePart(kind string, data []byte) (accumulator.CanonicalPart, error) {
	switch kind {
	case partKindText:
		var v accumulator.TextPart
		err := json.Unmarshal(data, &v)
		return v, err
	case partKindReasoning:
		var v accumulator.ReasoningPart
		err := json.Unmarshal(data, &v)
		return v, err
	case partKindToolCall:
		var v accumulator.ToolCallPart
		err := json.Unmarshal(data, &v)
		return v, err
	case partKindToolResult:
		var v accumulator.ToolResultPart
		err := json.Unmarshal(data, &v)
		return v, err
	case partKindFile:
		var v accumulator.FilePart
		err := json.Unmarshal(data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown part kind %q", kind)
	}
}
