package translate

import "testing"

func TestTranslateUnsupportedModel(t *testing.T) {
	req := &Request{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}}
	_, err := Translate(req, "conv-1")
	if err == nil {
		t.Fatal("expected ErrUnsupportedModel")
	}
}

func TestTranslateEmptyMessages(t *testing.T) {
	req := &Request{Model: "claude-sonnet-4-5-20250929", Messages: nil}
	_, err := Translate(req, "conv-1")
	if err == nil {
		t.Fatal("expected ErrEmptyMessages")
	}
}

func TestTranslateHappyPath(t *testing.T) {
	req := &Request{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
			{Role: "user", Content: "how are you"},
		},
	}
	body, err := Translate(req, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if body.ConversationState.ConversationID != "conv-1" {
		t.Errorf("conversationId = %q", body.ConversationState.ConversationID)
	}
	if len(body.ConversationState.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(body.ConversationState.History))
	}
	if body.ConversationState.CurrentMessage.UserInputMessage == nil {
		t.Fatal("expected current message to be a user turn")
	}
	if body.ConversationState.CurrentMessage.UserInputMessage.Content != "how are you" {
		t.Errorf("current content = %q", body.ConversationState.CurrentMessage.UserInputMessage.Content)
	}
}

func TestSupportedModelsNonEmpty(t *testing.T) {
	if len(SupportedModels()) == 0 {
		t.Fatal("expected a non-empty model catalog")
	}
}
