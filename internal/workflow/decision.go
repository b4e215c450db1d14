package workflow

import (
	"encoding/json"
	"strings"
)

// decisionInstruction is appended to the prompt of every decision step
const decisionInstruction = "\n\nRespond with a JSON object containing a boolean field \"decision\", for example: {\"decision\": true}"

// decisionFields are checked in priority order when parsing model output
var decisionFields = []string{"isValid", "approved", "decision"}

// ParseDecision interprets free-text model output as a boolean verdict.
// Fallback chain: structured JSON, then heuristic substring match. Lossy by
// design; prose containing an unrelated "true" can yield a false positive.
func ParseDecision(output string) bool {
	if obj := extractJSONObject(output); obj != nil {
		for _, field := range decisionFields {
			if v, ok := obj[field]; ok {
				if b, ok := v.(bool); ok {
					return b
				}
			}
		}
	}

	lower := strings.ToLower(output)
	return strings.Contains(lower, "yes") ||
		strings.Contains(lower, "true") ||
		strings.Contains(lower, "confirmed")
}

// extractJSONObject finds the first parseable JSON object embedded in text
func extractJSONObject(text string) map[string]interface{} {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end := matchingBrace(text, start); end > start {
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err == nil {
				return obj
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return nil
}

// ExtractJSON pulls the first JSON object or array out of free text.
// Returns nil when nothing parseable is found.
func ExtractJSON(text string) interface{} {
	trimmed := strings.TrimSpace(text)

	var direct interface{}
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return direct
	}

	if obj := extractJSONObject(text); obj != nil {
		return obj
	}

	if start := strings.IndexByte(text, '['); start >= 0 {
		if end := matchingBracket(text, start); end > start {
			var arr []interface{}
			if err := json.Unmarshal([]byte(text[start:end+1]), &arr); err == nil {
				return arr
			}
		}
	}

	return nil
}

func matchingBrace(text string, start int) int {
	return matchDelims(text, start, '{', '}')
}

func matchingBracket(text string, start int) int {
	return matchDelims(text, start, '[', ']')
}

// matchDelims walks forward from start tracking nesting depth, skipping
// string literals so braces inside values do not break matching
func matchDelims(text string, start int, open, close byte) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
