package judge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when no JSON object can be located in a completion.
var ErrNoJSON = errors.New("judge: no JSON object in completion")

// extractJSON pulls a JSON object out of an LLM completion. Models wrap JSON
// in prose or markdown fences despite instructions, so three strategies are
// tried in order: direct parse, fenced-block extraction, balanced-brace scan.
func extractJSON(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed), nil
	}

	if block, ok := fencedBlock(trimmed); ok && json.Valid([]byte(block)) {
		return json.RawMessage(block), nil
	}

	if block, ok := balancedBraces(trimmed); ok && json.Valid([]byte(block)) {
		return json.RawMessage(block), nil
	}

	return nil, fmt.Errorf("%w (%d bytes)", ErrNoJSON, len(raw))
}

// fencedBlock extracts the content of the first ```json or generic ``` fence.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", or empty).
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// balancedBraces returns the substring from the first '{' to its matching
// closing brace, tracking string literals and escapes.
func balancedBraces(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

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
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
