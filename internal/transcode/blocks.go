package transcode

// BlockKind is the kind of Anthropic content block currently open.
type BlockKind string

const (
	BlockNone    BlockKind = ""
	BlockText    BlockKind = "text"
	BlockThink   BlockKind = "thinking"
	BlockToolUse BlockKind = "tool_use"
)

// ContentBlock is the finalized representation of one closed block, used to
// build the non-streaming aggregate response.
type ContentBlock struct {
	Type  BlockKind `json:"type"`
	Text  string    `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	ID    string    `json:"id,omitempty"`
	Name  string    `json:"name,omitempty"`
	Input any       `json:"input,omitempty"`
}

// StopReason is the message's final stop_reason.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)
