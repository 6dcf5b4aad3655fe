package testkit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"agentcoder/pkg/agent/llm"
)

// Reply is one scripted provider response. A non-zero Status answers with an API error instead.
//
//nolint:govet // fieldalignment: test fixture
type Reply struct {
	Text      string
	ToolCalls []llm.ToolCall
	Status    int
	ErrorType string // provider error type or code, e.g. "rate_limit_error"
}

// ThrottledReply is a 429 in the shape each provider uses for rate limiting.
func ThrottledReply() Reply {
	return Reply{Status: http.StatusTooManyRequests, ErrorType: "rate_limit_exceeded"}
}

// ProviderServer emulates one model provider endpoint with scripted replies. Once the script is
// exhausted the last reply repeats.
type ProviderServer struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []Reply
	requests []map[string]any
}

// Requests returns the decoded request bodies received so far.
func (s *ProviderServer) Requests() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *ProviderServer) next(body map[string]any) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, body)
	if len(s.replies) == 0 {
		return Reply{Text: "ok"}
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r
}

func newProviderServer(suffix string, render func(w http.ResponseWriter, model string, r Reply), replies []Reply) *ProviderServer {
	s := &ProviderServer{replies: replies}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, suffix) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		model, _ := body["model"].(string)
		render(w, model, s.next(body))
	}))
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewAnthropicServer emulates the Messages API at /v1/messages.
func NewAnthropicServer(replies ...Reply) *ProviderServer {
	return newProviderServer("/messages", func(w http.ResponseWriter, model string, r Reply) {
		if r.Status != 0 {
			errType := r.ErrorType
			if r.Status == http.StatusTooManyRequests {
				errType = "rate_limit_error"
			}
			writeJSON(w, r.Status, map[string]any{
				"type":  "error",
				"error": map[string]any{"type": errType, "message": http.StatusText(r.Status)},
			})
			return
		}

		var content []map[string]any
		if r.Text != "" {
			content = append(content, map[string]any{"type": "text", "text": r.Text})
		}
		stop := "end_turn"
		for i, call := range r.ToolCalls {
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    callID(call, i),
				"name":  call.Name,
				"input": call.Arguments,
			})
			stop = "tool_use"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            "msg_mock_12345",
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       content,
			"stop_reason":   stop,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 100, "output_tokens": 200},
		})
	}, replies)
}

// NewOpenAIServer emulates the Chat Completions API at /chat/completions.
func NewOpenAIServer(replies ...Reply) *ProviderServer {
	return newProviderServer("/chat/completions", func(w http.ResponseWriter, model string, r Reply) {
		if r.Status != 0 {
			writeJSON(w, r.Status, map[string]any{
				"error": map[string]any{"message": http.StatusText(r.Status), "type": "requests", "code": r.ErrorType},
			})
			return
		}

		message := map[string]any{"role": "assistant", "content": r.Text}
		finish := "stop"
		if len(r.ToolCalls) > 0 {
			var calls []map[string]any
			for i, call := range r.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]any{
					"id":       callID(call, i),
					"type":     "function",
					"function": map[string]any{"name": call.Name, "arguments": string(args)},
				})
			}
			message["tool_calls"] = calls
			finish = "tool_calls"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      "chatcmpl-mock12345",
			"object":  "chat.completion",
			"created": 1699999999,
			"model":   model,
			"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": finish}},
			"usage":   map[string]any{"prompt_tokens": 50, "completion_tokens": 100, "total_tokens": 150},
		})
	}, replies)
}

func callID(call llm.ToolCall, i int) string {
	if call.ID != "" {
		return call.ID
	}
	return fmt.Sprintf("call_%d", i+1)
}
