// Package translate implements the Request Translator: a pure, total
// mapping from an Anthropic MessagesRequest into the upstream
// generateAssistantResponse body. The wire schema of the upstream body is
// an implementation detail; the contract the rest of the system relies on
// is only that translation errors are client-fault and that success yields
// a serializable body.
package translate

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrEmptyMessages    = errors.New("messages must not be empty")
)

// supportedModels is the static catalog also served by GET /v1/models.
var supportedModels = map[string]bool{
	"claude-opus-4-1-20250805":   true,
	"claude-opus-4-20250514":     true,
	"claude-sonnet-4-5-20250929": true,
	"claude-sonnet-4-20250514":   true,
	"claude-3-7-sonnet-20250219": true,
	"claude-3-5-haiku-20241022":  true,
}

// SupportedModels returns the recognized model ids, for GET /v1/models.
func SupportedModels() []string {
	out := make([]string, 0, len(supportedModels))
	for id := range supportedModels {
		out = append(out, id)
	}
	return out
}

// Message is one turn of the Anthropic conversation.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Tool is an Anthropic tool schema entry, passed through opaquely.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// Request is the inbound Anthropic MessagesRequest shape this translator
// consumes.
type Request struct {
	Model     string    `json:"model"`
	System    any       `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
	Thinking  *struct {
		Type string `json:"type"`
	} `json:"thinking,omitempty"`
}

// ThinkingEnabled reports whether the request opted into extended thinking.
func (r *Request) ThinkingEnabled() bool {
	return r.Thinking != nil && r.Thinking.Type == "enabled"
}

// UpstreamBody is the translated generateAssistantResponse request body.
// Field names mirror the shape AWS's CodeWhisperer/Kiro runtime expects for
// a conversational turn: a flat conversation state plus an optional bound
// profile ARN.
type UpstreamBody struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type conversationState struct {
	ConversationID string          `json:"conversationId"`
	ChatTriggerType string         `json:"chatTriggerType"`
	CurrentMessage  upstreamTurn    `json:"currentMessage"`
	History         []upstreamTurn  `json:"history,omitempty"`
}

type upstreamTurn struct {
	UserInputMessage *userInputMessage `json:"userInputMessage,omitempty"`
	AssistantMessage *assistantMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content         string           `json:"content"`
	ModelID         string           `json:"modelId"`
	UserInputMessageContext userInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type userInputMessageContext struct {
	ToolSpecifications []toolSpec `json:"toolSpecifications,omitempty"`
	SystemPrompt       string     `json:"systemPrompt,omitempty"`
}

type toolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

type assistantMessage struct {
	Content string `json:"content"`
}

// Translate converts req into an upstream body under conversationID. The
// caller supplies the id; the full message history travels in req itself,
// so no state is kept across requests.
func Translate(req *Request, conversationID string) (*UpstreamBody, error) {
	if !supportedModels[req.Model] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, req.Model)
	}
	if len(req.Messages) == 0 {
		return nil, ErrEmptyMessages
	}

	history := make([]upstreamTurn, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		history = append(history, turnFromMessage(m))
	}

	last := req.Messages[len(req.Messages)-1]
	current := turnFromMessage(last)
	if current.UserInputMessage != nil {
		current.UserInputMessage.ModelID = req.Model
		current.UserInputMessage.UserInputMessageContext = buildContext(req)
	}

	return &UpstreamBody{
		ConversationState: conversationState{
			ConversationID:  conversationID,
			ChatTriggerType: "MANUAL",
			CurrentMessage:  current,
			History:         history,
		},
	}, nil
}

func buildContext(req *Request) userInputMessageContext {
	ctx := userInputMessageContext{SystemPrompt: stringifySystem(req.System)}
	for _, tool := range req.Tools {
		ctx.ToolSpecifications = append(ctx.ToolSpecifications, toolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return ctx
}

func stringifySystem(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var out string
		for _, block := range v {
			if m, ok := block.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					out += text
				}
			}
		}
		return out
	default:
		return ""
	}
}

func turnFromMessage(m Message) upstreamTurn {
	text := stringifyContent(m.Content)
	if m.Role == "assistant" {
		return upstreamTurn{AssistantMessage: &assistantMessage{Content: text}}
	}
	return upstreamTurn{UserInputMessage: &userInputMessage{Content: text}}
}

func stringifyContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var out string
		for _, block := range v {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				out += text
			}
		}
		return out
	default:
		return ""
	}
}
