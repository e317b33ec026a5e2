package eventstream

import (
	"encoding/json"
	"fmt"

	awseventstream "github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// Semantic event taxonomy produced after decoding, per the component design:
// AssistantResponse, ToolUse, ContextUsage, Exception. Unrecognized frames
// are surfaced as Other and should be ignored by callers.

type EventKind int

const (
	EventOther EventKind = iota
	EventAssistantResponse
	EventToolUse
	EventContextUsage
	EventException
)

// Event is the decoded, frame-agnostic representation the transcoder
// consumes; only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// AssistantResponse
	Content string

	// ToolUse
	ToolUseID string
	ToolName  string
	ToolInput string
	ToolStop  bool

	// ContextUsage
	Percentage float64

	// Exception
	ExceptionType    string
	ExceptionMessage string
}

const headerEventType = ":event-type"
const headerExceptionType = ":exception-type"

type assistantResponsePayload struct {
	Content string `json:"content"`
}

type toolUsePayload struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

type contextUsagePayload struct {
	Percentage float64 `json:"percentage"`
}

type exceptionPayload struct {
	Message string `json:"message"`
}

// FromMessage converts a raw eventstream frame into a semantic Event.
// A frame carrying an ":exception-type" header becomes EventException.
// Frames without an ":event-type" header, and unknown event types, produce
// EventOther rather than an error.
func FromMessage(msg awseventstream.Message) (Event, error) {
	if excType, ok := headerString(msg.Headers, headerExceptionType); ok {
		var p exceptionPayload
		_ = json.Unmarshal(msg.Payload, &p)
		return Event{Kind: EventException, ExceptionType: excType, ExceptionMessage: p.Message}, nil
	}

	eventType, ok := headerString(msg.Headers, headerEventType)
	if !ok {
		return Event{Kind: EventOther}, nil
	}

	switch eventType {
	case "assistantResponseEvent":
		var p assistantResponsePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode assistantResponseEvent payload: %w", err)
		}
		return Event{Kind: EventAssistantResponse, Content: p.Content}, nil

	case "toolUseEvent":
		var p toolUsePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode toolUseEvent payload: %w", err)
		}
		return Event{
			Kind:      EventToolUse,
			ToolUseID: p.ToolUseID,
			ToolName:  p.Name,
			ToolInput: p.Input,
			ToolStop:  p.Stop,
		}, nil

	case "contextUsageEvent":
		var p contextUsagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode contextUsageEvent payload: %w", err)
		}
		return Event{Kind: EventContextUsage, Percentage: p.Percentage}, nil

	default:
		return Event{Kind: EventOther}, nil
	}
}

func headerString(headers awseventstream.Headers, name string) (string, bool) {
	for _, h := range headers {
		if h.Name == name {
			if sv, ok := h.Value.Get().(string); ok {
				return sv, true
			}
			return h.Value.String(), true
		}
	}
	return "", false
}

// InputTokensFromPercentage implements the exact ContextUsage → input_tokens
// formula: round(percentage * 200_000 / 100).
func InputTokensFromPercentage(percentage float64) int {
	return int(percentage*200000/100 + 0.5)
}

const ContextWindowSize = 200000
