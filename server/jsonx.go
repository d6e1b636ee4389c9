package main

import (
	"fmt"
	"strings"
)

// ExtractJSON locates the first balanced JSON object or array inside free
// text. LLM replies routinely wrap the payload in prose or markdown fences,
// and generated code bodies can contain nested braces inside string values,
// so this is a real scanner rather than a regex: it tracks string literals
// and escape sequences while counting brackets.
func ExtractJSON(text string) (string, error) {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if text[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start == -1 {
		return "", fmt.Errorf("no JSON payload found in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
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
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON payload in response")
}

// sanitizeCode removes markdown fences and stray language headers from
// LLM-generated script bodies.
func sanitizeCode(text string) string {
	if text == "" {
		return text
	}
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		if idx := strings.Index(t, "\n"); idx != -1 {
			t = t[idx+1:]
		}
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	}
	lines := strings.Split(t, "\n")
	if len(lines) > 0 {
		switch strings.ToLower(strings.TrimSpace(lines[0])) {
		case "python", "py", "bash", "sh", "shell", "javascript", "js", "html":
			t = strings.Join(lines[1:], "\n")
		}
	}
	return strings.TrimSpace(t)
}
