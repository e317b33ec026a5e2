package transcode

// Message is the single JSON body returned for a non-streaming request.
type Message struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	StopSeq    *string        `json:"stop_sequence"`
	Usage      usagePayload   `json:"usage"`
}

// Result builds the aggregate non-streaming response. Callers must call
// Finalize first so closed holds every content block and finalStopReason
// reflects tool_use/exception precedence.
func (t *Transcoder) Result() Message {
	return Message{
		ID:         t.messageID,
		Type:       "message",
		Role:       "assistant",
		Content:    t.closed,
		Model:      t.model,
		StopReason: string(t.finalStopReason),
		Usage: usagePayload{
			InputTokens:  t.finalInputTokens,
			OutputTokens: estimateOutputTokens(t.outputChars),
		},
	}
}
