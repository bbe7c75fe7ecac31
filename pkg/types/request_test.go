package types

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestChatRequestValidate(t *testing.T) {
	t.Run("rejects empty messages", func(t *testing.T) {
		req := &ChatRequest{}
		if err := req.Validate(); err == nil {
			t.Error("Validate() = nil, want error")
		}
	})

	t.Run("rejects message without role", func(t *testing.T) {
		req := &ChatRequest{Messages: []ChatMessage{{Content: json.RawMessage(`"hi"`)}}}
		if err := req.Validate(); err == nil {
			t.Error("Validate() = nil, want error")
		}
	})

	t.Run("accepts request without model", func(t *testing.T) {
		req := &ChatRequest{Messages: []ChatMessage{TextMessage("user", "hi")}}
		if err := req.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})
}

func TestChatRequestClone(t *testing.T) {
	req := &ChatRequest{Messages: []ChatMessage{TextMessage("user", "hi")}}
	cp := req.Clone()
	cp.Messages = append(cp.Messages, TextMessage("assistant", "hello"))

	if len(req.Messages) != 1 {
		t.Errorf("original messages = %d, want 1", len(req.Messages))
	}
	if len(cp.Messages) != 2 {
		t.Errorf("clone messages = %d, want 2", len(cp.Messages))
	}
}

func TestContentText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain string", `"hello"`, "hello"},
		{"content parts", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"mixed parts skip non-text", `[{"type":"image_url","text":""},{"type":"text","text":"x"}]`, "x"},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ChatMessage{Role: "user", Content: json.RawMessage(tt.content)}
			if got := m.ContentText(); got != tt.want {
				t.Errorf("ContentText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWantsJSON(t *testing.T) {
	req := &ChatRequest{ResponseFormat: &ResponseFormat{Type: "json_object"}}
	if !req.WantsJSON() {
		t.Error("WantsJSON() = false, want true")
	}
	req.ResponseFormat.Type = "text"
	if req.WantsJSON() {
		t.Error("WantsJSON() = true, want false")
	}
}
