// Package idgen centralizes the uuid.New() call sites used for
// amz-sdk-invocation-id headers and generated Anthropic message ids, so
// every caller draws from the same google/uuid-backed generator.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// InvocationID returns a fresh UUID v4 string for amz-sdk-invocation-id.
func InvocationID() string {
	return uuid.New().String()
}

// MessageID returns an Anthropic-shaped "msg_<hex>" id: a UUID with its
// dashes stripped, matching the original's id construction.
func MessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ConversationID returns a fresh UUID for the upstream conversationState's
// conversationId field. The proxy has no cross-request session store, so
// every request is translated as a fresh conversation carrying its own
// full history in currentMessage/history rather than a server-tracked one.
func ConversationID() string {
	return uuid.New().String()
}
