package main

import (
	"encoding/json"
	"testing"
)

func TestExtractJSONPlainObject(t *testing.T) {
	out, err := ExtractJSON(`{"a": 1}`)
	if err != nil {
		t.Fatalf("Expected extraction to succeed: %v", err)
	}
	if out != `{"a": 1}` {
		t.Fatalf("Unexpected span: %s", out)
	}
}

func TestExtractJSONWrappedInProse(t *testing.T) {
	text := "Sure! Here is the widget you asked for:\n```json\n{\"html\": \"<div>hi</div>\"}\n```\nLet me know."
	out, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("Expected extraction to succeed: %v", err)
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("Extracted span does not parse: %v", err)
	}
	if parsed["html"] != "<div>hi</div>" {
		t.Fatalf("Unexpected html: %s", parsed["html"])
	}
}

func TestExtractJSONNestedBracesInsideStrings(t *testing.T) {
	// Braces inside string values must not terminate the span early.
	text := `reply: {"code": "function f() { return {a: 1}; }", "ok": true} trailing`
	out, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("Expected extraction to succeed: %v", err)
	}
	var parsed struct {
		Code string `json:"code"`
		OK   bool   `json:"ok"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("Extracted span does not parse: %v\nspan: %s", err, out)
	}
	if !parsed.OK || parsed.Code == "" {
		t.Fatalf("Unexpected parse result: %+v", parsed)
	}
}

func TestExtractJSONEscapedQuotes(t *testing.T) {
	text := `{"msg": "she said \"hi {there}\""}`
	out, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("Expected extraction to succeed: %v", err)
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("Extracted span does not parse: %v", err)
	}
}

func TestExtractJSONArray(t *testing.T) {
	out, err := ExtractJSON(`the tools are [1, 2, {"x": "}"}] done`)
	if err != nil {
		t.Fatalf("Expected extraction to succeed: %v", err)
	}
	var parsed []interface{}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("Extracted span does not parse: %v", err)
	}
	if len(parsed) != 3 {
		t.Fatalf("Expected 3 elements, got %d", len(parsed))
	}
}

func TestExtractJSONNoPayload(t *testing.T) {
	if _, err := ExtractJSON("no structured data here"); err == nil {
		t.Fatal("Expected an error for text without JSON")
	}
}

func TestExtractJSONUnbalanced(t *testing.T) {
	if _, err := ExtractJSON(`{"a": 1`); err == nil {
		t.Fatal("Expected an error for an unterminated object")
	}
}

func TestSanitizeCodeStripsFences(t *testing.T) {
	in := "```python\nprint('hi')\n```"
	out := sanitizeCode(in)
	if out != "print('hi')" {
		t.Fatalf("Unexpected sanitized code: %q", out)
	}
}
