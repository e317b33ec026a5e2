package transcode

import (
	"encoding/json"
	"strings"

	"github.com/yansir/kiroproxy/internal/eventstream"
)

// Transcoder is the explicit state machine described by the component
// design: Idle -> MessageStarted -> BlockOpen(kind,index) <-> MessageStarted
// -> MessageClosing -> Terminal. Only one content block is open at a time.
//
// The same machine serves both the streaming path (Feed/Finalize return SSE
// frames to write to the client) and the non-streaming path (Feed/Finalize
// return nil and the aggregate is read back via Result once Finalize runs).
type Transcoder struct {
	messageID           string
	model               string
	streaming           bool
	thinkingEnabled     bool
	inputTokensEstimate int

	blockKind  BlockKind
	blockIndex int
	nextIndex  int

	textAccum strings.Builder // current text/thinking block accumulation
	toolID    string
	toolName  string
	toolBuf   strings.Builder

	closed []ContentBlock

	hasToolUse       bool
	recordedStop     StopReason
	finalInputTokens int
	contextUsageSeen bool
	outputChars      int

	finalized       bool
	finalStopReason StopReason
}

// New builds a transcoder for one request. streaming selects whether Feed
// and Finalize render SSE frames (true) or silently accumulate (false).
func New(messageID, model string, thinkingEnabled bool, inputTokensEstimate int, streaming bool) *Transcoder {
	return &Transcoder{
		messageID:           messageID,
		model:               model,
		streaming:           streaming,
		thinkingEnabled:     thinkingEnabled,
		inputTokensEstimate: inputTokensEstimate,
		finalInputTokens:    inputTokensEstimate,
		blockKind:           BlockNone,
	}
}

type messageStartPayload struct {
	Type    string         `json:"type"`
	Message messageSummary `json:"message"`
}

type messageSummary struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason *string        `json:"stop_reason"`
	StopSeq    *string        `json:"stop_sequence"`
	Usage      usagePayload   `json:"usage"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Initial emits the events that precede any upstream event: message_start,
// and — when thinking is enabled — an opened thinking block at index 0.
func (t *Transcoder) Initial() []SSEEvent {
	var out []SSEEvent
	if t.streaming {
		out = append(out, SSEEvent{
			Name: "message_start",
			Data: messageStartPayload{
				Type: "message_start",
				Message: messageSummary{
					ID:      t.messageID,
					Type:    "message",
					Role:    "assistant",
					Content: []ContentBlock{},
					Model:   t.model,
					Usage:   usagePayload{InputTokens: t.inputTokensEstimate},
				},
			},
		})
	}
	if t.thinkingEnabled {
		out = append(out, t.openBlock(BlockThink)...)
	}
	return out
}

// Feed maps one decoded semantic event to zero or more SSE frames (or, in
// non-streaming mode, updates internal accumulation only).
func (t *Transcoder) Feed(ev eventstream.Event) []SSEEvent {
	switch ev.Kind {
	case eventstream.EventAssistantResponse:
		return t.feedAssistantResponse(ev.Content)
	case eventstream.EventToolUse:
		return t.feedToolUse(ev)
	case eventstream.EventContextUsage:
		t.finalInputTokens = eventstream.InputTokensFromPercentage(ev.Percentage)
		t.contextUsageSeen = true
		return nil
	case eventstream.EventException:
		t.recordedStop = mapException(ev.ExceptionType)
		return nil
	default:
		return nil
	}
}

func mapException(excType string) StopReason {
	if excType == "ContentLengthExceededException" {
		return StopMaxTokens
	}
	return ""
}

// feedAssistantResponse folds one assistantResponseEvent's content into the
// currently open block. The upstream protocol carries no signal marking a
// transition from thinking to the final answer within a turn, so the block
// opened by Initial (thinking, when enabled) simply keeps accumulating until
// something else closes it — a tool call starting, or end of turn (an
// exception only records the stop reason). Only a BlockToolUse or a fresh (BlockNone) state forces a new text
// block here.
func (t *Transcoder) feedAssistantResponse(content string) []SSEEvent {
	var out []SSEEvent
	if t.blockKind == BlockToolUse {
		out = append(out, t.closeBlock()...)
	}
	if t.blockKind == BlockNone {
		out = append(out, t.openBlock(BlockText)...)
	}
	t.textAccum.WriteString(content)
	t.outputChars += len(content)

	if t.streaming {
		deltaType := "text_delta"
		field := "text"
		if t.blockKind == BlockThink {
			deltaType = "thinking_delta"
			field = "thinking"
		}
		out = append(out, SSEEvent{
			Name: "content_block_delta",
			Data: map[string]any{
				"type":  "content_block_delta",
				"index": t.blockIndex,
				"delta": map[string]string{
					"type": deltaType,
					field:  content,
				},
			},
		})
	}
	return out
}

func (t *Transcoder) feedToolUse(ev eventstream.Event) []SSEEvent {
	var out []SSEEvent

	if t.blockKind != BlockToolUse || t.toolID != ev.ToolUseID {
		out = append(out, t.closeBlock()...)
		t.toolID = ev.ToolUseID
		t.toolName = ev.ToolName
		out = append(out, t.openToolBlock(ev.ToolUseID, ev.ToolName)...)
	}

	if ev.ToolInput != "" {
		t.toolBuf.WriteString(ev.ToolInput)
		if t.streaming {
			out = append(out, SSEEvent{
				Name: "content_block_delta",
				Data: map[string]any{
					"type":  "content_block_delta",
					"index": t.blockIndex,
					"delta": map[string]string{
						"type":         "input_json_delta",
						"partial_json": ev.ToolInput,
					},
				},
			})
		}
	}

	if ev.ToolStop {
		t.hasToolUse = true
		out = append(out, t.closeBlock()...)
	}
	return out
}

func (t *Transcoder) openBlock(kind BlockKind) []SSEEvent {
	t.blockKind = kind
	t.blockIndex = t.nextIndex
	t.nextIndex++
	t.textAccum.Reset()

	if !t.streaming {
		return nil
	}
	var block map[string]any
	switch kind {
	case BlockThink:
		block = map[string]any{"type": "thinking", "thinking": ""}
	default:
		block = map[string]any{"type": "text", "text": ""}
	}
	return []SSEEvent{{
		Name: "content_block_start",
		Data: map[string]any{
			"type":          "content_block_start",
			"index":         t.blockIndex,
			"content_block": block,
		},
	}}
}

func (t *Transcoder) openToolBlock(id, name string) []SSEEvent {
	t.blockKind = BlockToolUse
	t.blockIndex = t.nextIndex
	t.nextIndex++
	t.toolBuf.Reset()

	if !t.streaming {
		return nil
	}
	return []SSEEvent{{
		Name: "content_block_start",
		Data: map[string]any{
			"type":  "content_block_start",
			"index": t.blockIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  name,
				"input": map[string]any{},
			},
		},
	}}
}

func (t *Transcoder) closeBlock() []SSEEvent {
	if t.blockKind == BlockNone {
		return nil
	}

	switch t.blockKind {
	case BlockText:
		t.closed = append(t.closed, ContentBlock{Type: BlockText, Text: t.textAccum.String()})
	case BlockThink:
		t.closed = append(t.closed, ContentBlock{Type: BlockThink, Thinking: t.textAccum.String()})
	case BlockToolUse:
		t.closed = append(t.closed, ContentBlock{
			Type:  BlockToolUse,
			ID:    t.toolID,
			Name:  t.toolName,
			Input: parseToolInput(t.toolBuf.String()),
		})
	}

	index := t.blockIndex
	t.blockKind = BlockNone

	if !t.streaming {
		return nil
	}
	return []SSEEvent{{
		Name: "content_block_stop",
		Data: map[string]any{"type": "content_block_stop", "index": index},
	}}
}

func parseToolInput(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{}
	}
	return v
}

// Finalize closes any open block and emits message_delta/message_stop (in
// streaming mode) per the finalization rule: tool_use wins over any
// recorded exception stop reason, which in turn wins over end_turn.
func (t *Transcoder) Finalize() []SSEEvent {
	if t.finalized {
		return nil
	}
	t.finalized = true

	out := t.closeBlock()

	stop := StopEndTurn
	if t.recordedStop != "" {
		stop = t.recordedStop
	}
	if t.hasToolUse {
		stop = StopToolUse
	}

	if t.streaming {
		stopStr := string(stop)
		out = append(out, SSEEvent{
			Name: "message_delta",
			Data: map[string]any{
				"type": "message_delta",
				"delta": map[string]any{
					"stop_reason":   stopStr,
					"stop_sequence": nil,
				},
				"usage": map[string]int{
					"input_tokens":  t.finalInputTokens,
					"output_tokens": estimateOutputTokens(t.outputChars),
				},
			},
		})
		out = append(out, SSEEvent{Name: "message_stop", Data: map[string]string{"type": "message_stop"}})
	}

	t.finalStopReason = stop
	return out
}

// estimateOutputTokens is a coarse chars/4 heuristic used only as the
// usage.output_tokens estimate; the upstream never reports a precise count.
func estimateOutputTokens(chars int) int {
	if chars == 0 {
		return 0
	}
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}
