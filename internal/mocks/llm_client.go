package mocks

import (
	"context"
	"fmt"
	"sync"

	"agentcoder/pkg/agent/llm"
)

// MockLLMClient implements llm.Client for testing.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked. Override to customize behavior.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

	// CompleteCalls tracks all calls to Complete for verification.
	CompleteCalls []llm.CompletionRequest

	modelName string
	mu        sync.Mutex
}

// NewMockLLMClient creates a mock that answers every call with "Mock response".
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{modelName: "mock-model"}
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "Mock response", StopReason: "end_turn"}, nil
	}
	return m
}

// Complete implements llm.Client.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// GetModelName implements llm.Client.
func (m *MockLLMClient) GetModelName() string {
	return m.modelName
}

// SetModelName sets the name returned by GetModelName.
func (m *MockLLMClient) SetModelName(name string) {
	m.modelName = name
}

// --- Configuration methods ---

// OnComplete sets a custom handler for Complete calls.
func (m *MockLLMClient) OnComplete(fn func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = fn
}

// FailCompleteWith makes every Complete call fail with err.
func (m *MockLLMClient) FailCompleteWith(err error) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	})
}

// RespondWith makes every Complete call return content.
func (m *MockLLMClient) RespondWith(content string) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	})
}

// RespondWithSequence returns responses in order; calls past the end fail.
func (m *MockLLMClient) RespondWithSequence(responses []llm.CompletionResponse) {
	idx := 0
	var seqMu sync.Mutex
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		seqMu.Lock()
		defer seqMu.Unlock()
		if idx >= len(responses) {
			return llm.CompletionResponse{}, fmt.Errorf("mock: no response scripted for call %d", idx+1)
		}
		resp := responses[idx]
		idx++
		return resp, nil
	})
}

// ToolCallResponse builds a response carrying one native tool call.
func ToolCallResponse(name string, args map[string]any) llm.CompletionResponse {
	return llm.CompletionResponse{
		ToolCalls:  []llm.ToolCall{{ID: "call_" + name, Name: name, Arguments: args}},
		StopReason: "tool_use",
	}
}

// GetCompleteCallCount returns the number of Complete calls.
func (m *MockLLMClient) GetCompleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

// LastCompleteCall returns the most recent request, or nil.
func (m *MockLLMClient) LastCompleteCall() *llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.CompleteCalls) == 0 {
		return nil
	}
	req := m.CompleteCalls[len(m.CompleteCalls)-1]
	return &req
}
