// Package answer extracts a session's structured terminal answer from free-form model output.
//
// Text is scanned for balanced JSON objects while tracking string and escape state, so braces
// inside quoted values never affect nesting. Only objects that decode to a JSON object are kept.
// Nothing in this package returns an error or panics on malformed input.
package answer

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"agentcoder/pkg/agent/llm"
)

// Sentinel values identifying a final-answer payload.
const (
	FinalAnswerTool = "final_answer"
	toolNameField   = "tool_name"
	toolCodeField   = "tool_code"
)

// ParseFailure is the default value for answer fields that could not be extracted.
const ParseFailure = "Error: Could not parse final output."

var finalAnswerTag = regexp.MustCompile(`(?is)<final_answer>(.*?)</final_answer>`)

// Candidates returns every balanced {...} span in text that decodes to an object, in order.
func Candidates(text string) []map[string]any {
	var out []map[string]any
	for _, span := range spans(text) {
		if obj, ok := decodeObject(span); ok {
			out = append(out, obj)
		}
	}
	return out
}

// repairedCandidates is the fallback used when no span is valid JSON as written.
func repairedCandidates(text string) []map[string]any {
	var out []map[string]any
	for _, span := range spans(text) {
		repaired, ok := repair(span)
		if !ok {
			continue
		}
		if obj, ok := decodeObject(repaired); ok {
			out = append(out, obj)
		}
	}
	return out
}

func repair(s string) (out string, ok bool) {
	defer func() {
		if recover() != nil {
			out, ok = "", false
		}
	}()
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return "", false
	}
	return repaired, true
}

// spans returns the top-level balanced brace spans of text.
func spans(text string) []string {
	var (
		out      []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			// quotes outside any object are prose, not JSON strings
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

func decodeObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// isFinalAnswer reports whether obj is a sentinel final-answer payload with an object body.
func isFinalAnswer(obj map[string]any) bool {
	if name, _ := obj[toolNameField].(string); name != FinalAnswerTool {
		return false
	}
	_, ok := obj[toolCodeField].(map[string]any)
	return ok
}

// FromText picks the answer object in text: the sentinel final-answer candidate if one exists,
// otherwise the first valid candidate. A <final_answer>...</final_answer> section, when present,
// is searched before the rest of the text. Spans that are not valid JSON are only considered,
// after repair, when no valid span exists.
func FromText(text string) (map[string]any, bool) {
	if m := finalAnswerTag.FindStringSubmatch(text); m != nil {
		if obj, ok := pick(Candidates(m[1])); ok {
			return obj, true
		}
	}
	if obj, ok := pick(Candidates(text)); ok {
		return obj, true
	}
	return pick(repairedCandidates(text))
}

func pick(candidates []map[string]any) (map[string]any, bool) {
	for _, c := range candidates {
		if isFinalAnswer(c) {
			return c, true
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return nil, false
}

// FromHistory scans turns newest-first and returns the terminal answer. System and user turns are
// never searched, so task input seeded into the conversation cannot be mistaken for an answer. The
// latest assistant turn may yield any candidate; tool results and older assistant turns only yield
// final-answer sentinels.
func FromHistory(messages []llm.Message) (map[string]any, bool) {
	latestAssistant := true
	for i := len(messages) - 1; i >= 0; i-- {
		m := &messages[i]
		switch m.Role {
		case llm.RoleAssistant:
			text := turnText(m)
			if latestAssistant {
				latestAssistant = false
				if obj, ok := FromText(text); ok {
					return obj, true
				}
				continue
			}
			if obj, ok := sentinel(text); ok {
				return obj, true
			}
		case llm.RoleTool:
			if obj, ok := sentinel(turnText(m)); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

func sentinel(text string) (map[string]any, bool) {
	for _, c := range Candidates(text) {
		if isFinalAnswer(c) {
			return c, true
		}
	}
	return nil, false
}

func turnText(m *llm.Message) string {
	var b strings.Builder
	b.WriteString(m.Text())
	for _, r := range m.ToolResults {
		b.WriteString("\n")
		b.WriteString(r.Content)
	}
	return b.String()
}

// Payload unwraps a final-answer sentinel to its tool_code body; other objects are returned as is.
func Payload(obj map[string]any) map[string]any {
	if isFinalAnswer(obj) {
		return obj[toolCodeField].(map[string]any)
	}
	return obj
}

// OrDefault returns Payload(found) when ok, otherwise a copy of defaults. Missing keys in a found
// answer are filled from defaults.
func OrDefault(found map[string]any, ok bool, defaults map[string]any) map[string]any {
	out := make(map[string]any, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	if !ok {
		return out
	}
	for k, v := range Payload(found) {
		out[k] = v
	}
	return out
}

// Defaults builds a default answer with every key set to ParseFailure.
func Defaults(keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = ParseFailure
	}
	return out
}
