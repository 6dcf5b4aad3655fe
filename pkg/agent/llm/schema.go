package llm

import "encoding/json"

// SchemaMap renders the schema as a plain JSON-schema object for provider SDKs that take untyped maps.
func (s InputSchema) SchemaMap() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.schemaMap()
	}
	out := map[string]any{"type": "object", "properties": props}
	if s.Type != "" {
		out["type"] = s.Type
	}
	if len(s.Required) > 0 {
		out["required"] = append([]string(nil), s.Required...)
	}
	return out
}

func (p Property) schemaMap() map[string]any {
	out := map[string]any{"type": p.Type}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = append([]string(nil), p.Enum...)
	}
	if p.Items != nil {
		out["items"] = p.Items.schemaMap()
	}
	return out
}

// ArgumentsJSON encodes the call's arguments, "{}" when empty.
func (c ToolCall) ArgumentsJSON() string {
	if len(c.Arguments) == 0 {
		return "{}"
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}
