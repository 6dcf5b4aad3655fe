// Package router decides whether a session's latest turn requests tool execution, normalizing the
// different shapes models use to express tool intent into canonical llm.ToolCall records.
package router

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/logx"
)

// Decision is the router's verdict on a turn.
type Decision string

const (
	DecisionInvokeTools Decision = "tools"
	DecisionTerminate   Decision = "__end__"
)

// Shape identifies how the tool intent was expressed before normalization.
type Shape int

const (
	ShapeNone Shape = iota
	// ShapeNative is a provider tool-call list.
	ShapeNative
	// ShapeTextJSON is a text turn that is itself a {"type":"function",...} object.
	ShapeTextJSON
	// ShapeDelimited is such an object wrapped in <|python_start|>...<|python_end|>.
	ShapeDelimited
	// ShapeContentBlock is a structured content part typed function or tool_use.
	ShapeContentBlock
	// ShapeLegacyFunctionCall is a single function_call on the turn or in its metadata.
	ShapeLegacyFunctionCall
)

func (s Shape) String() string {
	switch s {
	case ShapeNative:
		return "native"
	case ShapeTextJSON:
		return "text_json"
	case ShapeDelimited:
		return "delimited"
	case ShapeContentBlock:
		return "content_block"
	case ShapeLegacyFunctionCall:
		return "legacy_function_call"
	default:
		return "none"
	}
}

// ToolInvocation is the canonical unit handed to tool execution.
type ToolInvocation = llm.ToolCall

const (
	delimStart = "<|python_start|>"
	delimEnd   = "<|python_end|>"

	// IDPrefix prefixes generated invocation IDs.
	IDPrefix = "tooluse_"

	// RawArgumentsKey holds argument text that could not be decoded into an object.
	RawArgumentsKey = "raw_arguments"

	metadataFunctionCall = "function_call"
)

// NewInvocationID returns a fresh tooluse_<hex> identifier.
func NewInvocationID() string {
	return IDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Route inspects the latest turn and decides between tool execution and termination.
// The latest turn is normalized in place so that, on DecisionInvokeTools, its ToolCalls field
// holds the canonical invocations.
func Route(messages []llm.Message) Decision {
	if len(messages) == 0 {
		return DecisionTerminate
	}
	shape, ok := Normalize(&messages[len(messages)-1])
	logx.Debug(context.Background(), "router", "latest turn shape=%s invoke=%v", shape, ok)
	if ok {
		return DecisionInvokeTools
	}
	return DecisionTerminate
}

// Invocations returns the canonical tool calls of a turn that Route sent to execution.
func Invocations(m *llm.Message) []ToolInvocation {
	return m.ToolCalls
}

// Normalize classifies a turn, checking shapes in priority order and stopping at the first match.
func Normalize(m *llm.Message) (Shape, bool) {
	if m == nil {
		return ShapeNone, false
	}

	if len(m.ToolCalls) > 0 {
		for i := range m.ToolCalls {
			if m.ToolCalls[i].ID == "" {
				m.ToolCalls[i].ID = NewInvocationID()
			}
			if m.ToolCalls[i].Arguments == nil {
				m.ToolCalls[i].Arguments = map[string]any{}
			}
		}
		return ShapeNative, true
	}

	if obj, shape, found := functionObjectFromText(m.Content); found {
		applyFunctionObject(m, obj)
		return shape, true
	}

	for _, block := range m.Blocks {
		t, _ := block["type"].(string)
		if (t == "function" || t == "tool_use") && nameOf(block) != "" {
			applyFunctionObject(m, block)
			return ShapeContentBlock, true
		}
	}

	if call, found := legacyFunctionCall(m); found {
		m.ToolCalls = []llm.ToolCall{call}
		return ShapeLegacyFunctionCall, true
	}

	return ShapeNone, false
}

// functionObjectFromText decodes a text turn that carries a {"type":"function"} object, either
// delimited or as the whole (trimmed) text.
func functionObjectFromText(text string) (map[string]any, Shape, bool) {
	if text == "" {
		return nil, ShapeNone, false
	}

	if s := strings.Index(text, delimStart); s >= 0 {
		if e := strings.Index(text[s+len(delimStart):], delimEnd); e >= 0 {
			inner := strings.TrimSpace(text[s+len(delimStart) : s+len(delimStart)+e])
			if obj, ok := decodeMap(inner); ok && isFunction(obj) {
				return obj, ShapeDelimited, true
			}
			return nil, ShapeNone, false
		}
	}

	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ShapeNone, false
	}
	if obj, ok := decodeMap(trimmed); ok && isFunction(obj) {
		return obj, ShapeTextJSON, true
	}
	return nil, ShapeNone, false
}

func isFunction(obj map[string]any) bool {
	t, _ := obj["type"].(string)
	return t == "function" && nameOf(obj) != ""
}

func nameOf(obj map[string]any) string {
	name, _ := obj["name"].(string)
	return name
}

// applyFunctionObject rewrites m to carry the canonical tool call and a tool_use content block.
func applyFunctionObject(m *llm.Message, obj map[string]any) {
	id, _ := obj["id"].(string)
	if id == "" {
		id = NewInvocationID()
	}

	var raw any
	for _, key := range []string{"parameters", "arguments", "input"} {
		if v, ok := obj[key]; ok {
			raw = v
			break
		}
	}
	args := decodeArguments(raw)

	m.ToolCalls = []llm.ToolCall{{ID: id, Name: nameOf(obj), Arguments: args}}
	m.Blocks = []map[string]any{{
		"type":  "tool_use",
		"id":    id,
		"name":  nameOf(obj),
		"input": args,
	}}
	m.Content = ""
}

func legacyFunctionCall(m *llm.Message) (llm.ToolCall, bool) {
	if fc := m.FunctionCall; fc != nil && fc.Name != "" {
		return llm.ToolCall{ID: NewInvocationID(), Name: fc.Name, Arguments: decodeArguments(fc.Arguments)}, true
	}
	if m.Metadata == nil {
		return llm.ToolCall{}, false
	}
	switch fc := m.Metadata[metadataFunctionCall].(type) {
	case map[string]any:
		if name := nameOf(fc); name != "" {
			return llm.ToolCall{ID: NewInvocationID(), Name: name, Arguments: decodeArguments(fc["arguments"])}, true
		}
	case *llm.FunctionCall:
		if fc != nil && fc.Name != "" {
			return llm.ToolCall{ID: NewInvocationID(), Name: fc.Name, Arguments: decodeArguments(fc.Arguments)}, true
		}
	case llm.FunctionCall:
		if fc.Name != "" {
			return llm.ToolCall{ID: NewInvocationID(), Name: fc.Name, Arguments: decodeArguments(fc.Arguments)}, true
		}
	}
	return llm.ToolCall{}, false
}

// decodeArguments turns an argument payload into an object. Strings are decoded as JSON, repaired
// if needed; anything that still is not an object is preserved under RawArgumentsKey.
func decodeArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]any{}
		}
		if obj, ok := decodeMap(v); ok {
			return obj
		}
		return map[string]any{RawArgumentsKey: v}
	default:
		return map[string]any{RawArgumentsKey: v}
	}
}

func decodeMap(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj, obj != nil
	}
	fixed, err := safeRepair(s)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		return nil, false
	}
	return obj, obj != nil
}

func safeRepair(s string) (fixed string, err error) {
	defer func() {
		if r := recover(); r != nil {
			fixed, err = "", errRepairPanicked
		}
	}()
	return jsonrepair.JSONRepair(s)
}

type repairError string

func (e repairError) Error() string { return string(e) }

const errRepairPanicked = repairError("json repair panicked")
