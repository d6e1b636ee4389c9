package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMockProviderShapesAnswers(t *testing.T) {
	c := NewLLMClient(LLMConfig{Provider: "mock"})

	reply, err := c.Chat(context.Background(), "Determine the user's intent for this request.")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	span, err := ExtractJSON(reply)
	if err != nil {
		t.Fatalf("Mock intent reply must contain JSON: %v", err)
	}
	var intent IntentResult
	if err := json.Unmarshal([]byte(span), &intent); err != nil {
		t.Fatalf("Mock intent reply must parse: %v", err)
	}

	reply, err = c.Chat(context.Background(), "Verify that the widget fulfils the user's request.")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if !strings.Contains(reply, "verified") {
		t.Fatalf("Mock verification reply unexpected: %s", reply)
	}
}

func TestOpenAIProviderCallsEndpoint(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("Unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Bad request body: %v", err)
		}
		gotModel = req.Model
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "hello back"}},
			},
		})
	}))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{Provider: "openai", BaseURL: srv.URL, APIKey: "k", Model: "m1"})
	reply, err := c.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply != "hello back" {
		t.Fatalf("Unexpected reply: %q", reply)
	}
	if gotAuth != "Bearer k" || gotModel != "m1" {
		t.Fatalf("Request not shaped correctly: auth=%q model=%q", gotAuth, gotModel)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("ab", 10); got != "ab" {
		t.Fatalf("truncate = %q", got)
	}
}
