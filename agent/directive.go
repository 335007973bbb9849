package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DirectiveKind classifies one model response.
type DirectiveKind int

const (
	// DirectiveInvalid is text that is neither a tool call nor a sentinel.
	DirectiveInvalid DirectiveKind = iota
	DirectiveEmpty
	DirectiveDone
	DirectiveWorking
	DirectiveNeedSkill
	DirectiveToolCall
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveEmpty:
		return "empty"
	case DirectiveDone:
		return "done"
	case DirectiveWorking:
		return "working"
	case DirectiveNeedSkill:
		return "need_skill"
	case DirectiveToolCall:
		return "tool_call"
	default:
		return "invalid"
	}
}

// Directive is a parsed model response.
type Directive struct {
	Kind DirectiveKind
	// Text is the trimmed remainder after a sentinel prefix.
	Text string
	// Call is set for DirectiveToolCall. Its ID is left empty.
	Call ToolCall
}

var sentinels = []struct {
	prefix string
	kind   DirectiveKind
}{
	{"DONE:", DirectiveDone},
	{"WORKING:", DirectiveWorking},
	{"NEED_SKILL:", DirectiveNeedSkill},
}

// ParseDirective classifies content. Sentinel prefixes match
// case-insensitively after leading whitespace.
func ParseDirective(content string) Directive {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Directive{Kind: DirectiveEmpty}
	}
	for _, s := range sentinels {
		if len(trimmed) >= len(s.prefix) && strings.EqualFold(trimmed[:len(s.prefix)], s.prefix) {
			return Directive{Kind: s.kind, Text: strings.TrimSpace(trimmed[len(s.prefix):])}
		}
	}
	if call, ok := ExtractToolCall(trimmed); ok {
		return Directive{Kind: DirectiveToolCall, Call: call}
	}
	return Directive{Kind: DirectiveInvalid, Text: trimmed}
}

type rawToolCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ExtractToolCall finds a {"tool": ..., "arguments": {...}} object in
// free text. It tries the whole body, then every balanced brace span that
// mentions "tool", then a lenient pattern for near-JSON.
func ExtractToolCall(content string) (ToolCall, bool) {
	body := stripFence(strings.TrimSpace(content))
	if call, ok := decodeToolCall(body); ok {
		return call, true
	}

	for i := 0; i < len(body); i++ {
		if body[i] != '{' {
			continue
		}
		end := matchBrace(body, i)
		if end < 0 {
			continue
		}
		span := body[i : end+1]
		if !strings.Contains(span, `"tool"`) {
			continue
		}
		if call, ok := decodeToolCall(span); ok {
			return call, true
		}
	}

	return matchToolPattern(body)
}

func decodeToolCall(text string) (ToolCall, bool) {
	var raw rawToolCall
	if err := json.Unmarshal([]byte(text), &raw); err != nil || raw.Tool == "" {
		return ToolCall{}, false
	}
	call := ToolCall{Name: raw.Tool, Args: map[string]any{}}
	args := strings.TrimSpace(string(raw.Arguments))
	switch {
	case args == "" || args == "null":
	case strings.HasPrefix(args, "{"):
		if err := json.Unmarshal(raw.Arguments, &call.Args); err != nil {
			call.Args, call.RawArgs = nil, args
		}
	default:
		// Stringified arguments are decoded at dispatch time.
		var s string
		if err := json.Unmarshal(raw.Arguments, &s); err == nil {
			call.Args, call.RawArgs = nil, s
		} else {
			call.Args, call.RawArgs = nil, args
		}
	}
	return call, true
}

// matchBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var toolPattern = regexp.MustCompile(`\{\s*["']tool["']\s*:\s*["'](\w+)["']\s*,\s*["']arguments["']\s*:\s*(\{[^}]*\})`)

func matchToolPattern(body string) (ToolCall, bool) {
	m := toolPattern.FindStringSubmatch(body)
	if m == nil {
		return ToolCall{}, false
	}
	call := ToolCall{Name: m[1]}
	args := m[2]
	if err := json.Unmarshal([]byte(args), &call.Args); err == nil {
		return call, true
	}
	// Single-quoted pseudo-JSON is common from small models.
	if err := json.Unmarshal([]byte(strings.ReplaceAll(args, "'", `"`)), &call.Args); err == nil {
		return call, true
	}
	call.Args, call.RawArgs = nil, args
	return call, true
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
