// Package transcode implements the Anthropic SSE transcoder: an explicit
// state machine that turns decoded upstream semantic events into a
// well-formed Anthropic Messages SSE sequence, or — in non-streaming mode —
// a single aggregated JSON message.
package transcode

import (
	"encoding/json"
	"fmt"
)

// SSEEvent is one "event: <name>\ndata: <json>\n\n" frame.
type SSEEvent struct {
	Name string
	Data any
}

// Render formats e as wire-ready SSE bytes.
func (e SSEEvent) Render() string {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte(`{"type":"internal_error"}`)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, data)
}

// PingEvent is emitted every 25s of upstream silence.
func PingEvent() SSEEvent {
	return SSEEvent{Name: "ping", Data: map[string]string{"type": "ping"}}
}

// ErrorEvent wraps an error taxonomy type/message as a terminal SSE frame,
// used for mid-stream cancellation (service_unavailable) among others.
func ErrorEvent(errType, message string) SSEEvent {
	return SSEEvent{
		Name: "error",
		Data: map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    errType,
				"message": message,
			},
		},
	}
}
