package utils

import (
	"testing"

	"agentcoder/pkg/agent/llm"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"claude_sonnet4:001", "claude_sonnet4-001"},
		{"proj FE/worker 1", "proj-FE-worker-1"},
		{"-leading", "x-leading"},
		{"", "x"},
		{"ok.name_1", "ok.name_1"},
		{"über", "x-ber"},
	}
	for _, tt := range tests {
		if got := SanitizeIdentifier(tt.in); got != tt.want {
			t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenCounter(t *testing.T) {
	counter, err := NewTokenCounter("claude-sonnet-4")
	if err != nil {
		t.Fatalf("NewTokenCounter failed: %v", err)
	}

	if n := counter.CountTokens(""); n != 0 {
		t.Errorf("expected 0 tokens for empty text, got %d", n)
	}
	short := counter.CountTokens("hello world")
	long := counter.CountTokens("hello world, this sentence is clearly longer than the first one")
	if short <= 0 || long <= short {
		t.Errorf("expected 0 < short (%d) < long (%d)", short, long)
	}

	msgs := []llm.Message{
		llm.NewUserMessage("hello world"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{Name: "final_answer", Arguments: map[string]any{"a": "b"}}}},
		llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "x", Content: "done"}}),
	}
	if total := counter.CountMessages(msgs); total <= short {
		t.Errorf("expected message total above %d, got %d", short, total)
	}
}

func TestNilCounterFallsBack(t *testing.T) {
	var counter *TokenCounter
	if n := counter.CountTokens("12345678"); n != 2 {
		t.Errorf("expected estimate of 2, got %d", n)
	}
	if CountTokensSimple("hello") <= 0 {
		t.Error("expected positive count")
	}
}
