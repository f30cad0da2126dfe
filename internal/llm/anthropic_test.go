package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func anthropicReply(w http.ResponseWriter, blocks ...string) {
	content := []map[string]any{}
	for _, b := range blocks {
		content = append(content, map[string]any{"type": "text", "text": b})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":            "msg_1",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-haiku-4-5",
		"content":       content,
		"stop_reason":   "end_turn",
		"stop_sequence": "",
		"usage":         map[string]any{"input_tokens": 10, "output_tokens": len(blocks)},
	})
}

func TestAnthropicCompleteSeparatesSystemPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")

		var req struct {
			Model     string `json:"model"`
			MaxTokens int64  `json:"max_tokens"`
			System    []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "claude-haiku-4-5" {
			t.Errorf("unexpected model %q", req.Model)
		}
		if req.MaxTokens != defaultMaxTokens {
			t.Errorf("expected max_tokens %d, got %d", defaultMaxTokens, req.MaxTokens)
		}
		if len(req.System) != 2 || req.System[0].Text != "be concise" || req.System[1].Text != "use bullets" {
			t.Errorf("expected system prompts in top-level system field, got %#v", req.System)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "user" || req.Messages[1].Role != "assistant" {
			t.Errorf("unexpected chat roles: %#v", req.Messages)
		}

		anthropicReply(w, " hello ", "world")
	}))
	defer server.Close()

	client, err := newAnthropicClient("test-key", "claude-haiku-4-5", &clientOptions{baseURL: server.URL, maxTokens: defaultMaxTokens})
	if err != nil {
		t.Fatalf("newAnthropicClient failed: %v", err)
	}

	got, err := client.Complete(context.Background(), []Message{
		System("be concise"),
		System("use bullets"),
		User("hello"),
		{Role: RoleAssistant, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("expected combined trimmed text, got %q", got)
	}
}

func TestAnthropicCompleteEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		anthropicReply(w)
	}))
	defer server.Close()

	client, err := newAnthropicClient("test-key", "claude-haiku-4-5", &clientOptions{baseURL: server.URL, maxTokens: 64})
	if err != nil {
		t.Fatalf("newAnthropicClient failed: %v", err)
	}

	_, err = client.Complete(context.Background(), []Message{User("hello")})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestNewClientAnthropicMaxTokens(t *testing.T) {
	var captured int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var req struct {
			MaxTokens int64 `json:"max_tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		captured = req.MaxTokens
		anthropicReply(w, "ok")
	}))
	defer server.Close()

	client, err := NewClient("anthropic", "test-key", "claude-haiku-4-5", WithBaseURL(server.URL), WithMaxTokens(256))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.Complete(context.Background(), []Message{User("hello")}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if captured != 256 {
		t.Fatalf("expected max_tokens 256, got %d", captured)
	}
}
