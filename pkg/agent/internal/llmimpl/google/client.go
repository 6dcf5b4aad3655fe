// Package google provides the Google Gemini implementation of llm.Client.
package google

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
)

// Gemini content roles.
const (
	roleUser  = "user"
	roleModel = "model"
)

// GeminiClient wraps the Google GenAI client.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
	mu     sync.Mutex
}

// NewGeminiClientWithModel creates a client. The underlying SDK client needs a context, so it is
// created on first use.
func NewGeminiClientWithModel(apiKey, model string) llm.Client {
	return &GeminiClient{apiKey: apiKey, model: model}
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: g.apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// Complete implements llm.Client.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens), //nolint:gosec // bounded by config validation
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertToolsToGemini(in.Tools)}}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	response := llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: getStopReason(result),
		ToolCalls:  convertFunctionCallsFromGemini(result.FunctionCalls()),
	}
	if u := result.UsageMetadata; u != nil {
		response.Usage = llm.Usage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
	}
	return response, nil
}

// convertMessagesToGemini converts turns into Gemini contents and a system instruction. Gemini
// answers function calls by name, so tool results are matched back to the call that produced them.
func convertMessagesToGemini(messages []llm.Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content
	callNames := make(map[string]string)

	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n"
			}
			systemInstruction += msg.Text()
			continue
		}

		role := roleUser
		if msg.Role == llm.RoleAssistant {
			role = roleModel
		}

		var parts []*genai.Part
		if text := msg.Text(); text != "" {
			parts = append(parts, &genai.Part{Text: text})
		}
		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			callNames[tc.ID] = tc.Name
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}})
		}
		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			name := callNames[tr.ToolCallID]
			if name == "" {
				name = tr.ToolCallID
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       tr.ToolCallID,
				Name:     name,
				Response: map[string]any{"content": tr.Content, "is_error": tr.IsError},
			}})
		}

		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	return contents, systemInstruction, nil
}

// convertToolsToGemini converts tool definitions to function declarations.
func convertToolsToGemini(defs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = convertPropertyToGeminiSchema(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		}
	}
	return declarations
}

func convertPropertyToGeminiSchema(prop *llm.Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description, Enum: prop.Enum}
	switch prop.Type {
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "object":
		schema.Type = genai.TypeObject
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertPropertyToGeminiSchema(prop.Items)
		}
	default:
		schema.Type = genai.TypeString
	}
	return schema
}

// convertFunctionCallsFromGemini converts function calls, using the function name as the ID when
// Gemini omits one.
func convertFunctionCallsFromGemini(calls []*genai.FunctionCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	toolCalls := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = call.Name
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		toolCalls[i] = llm.ToolCall{ID: id, Name: call.Name, Arguments: args}
	}
	return toolCalls
}

func getStopReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 {
		return "unknown"
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case genai.FinishReasonStop, "":
		return "end_turn"
	default:
		return string(result.Candidates[0].FinishReason)
	}
}

func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llmerrors.Classify(err, apiErr.Code, apiErr.Status)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return llmerrors.Classify(err, apiErrPtr.Code, apiErrPtr.Status)
	}
	return llmerrors.Classify(err, 0, "")
}
