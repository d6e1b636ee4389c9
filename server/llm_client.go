package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// LLMChat is the single contract the planner needs from a model provider:
// send a prompt, get free text back. Replies may wrap JSON in prose.
type LLMChat interface {
	Chat(ctx context.Context, prompt string) (string, error)
}

// LLMClient talks to a chat-completion endpoint. Supported providers:
// "openai" (any OpenAI-compatible API, key optional), "ollama" (local
// /api/chat), and "mock" for tests and offline development.
type LLMClient struct {
	config     LLMConfig
	httpClient *http.Client
}

func NewLLMClient(config LLMConfig) *LLMClient {
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	// Dial timeout is separate from the HTTP timeout; the default is too
	// short for slow external model endpoints.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &LLMClient{
		config: config,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (c *LLMClient) Chat(ctx context.Context, prompt string) (string, error) {
	switch strings.ToLower(c.config.Provider) {
	case "mock":
		return c.mockResponse(prompt)
	case "ollama":
		return c.callOllama(ctx, prompt)
	default:
		return c.callOpenAI(ctx, prompt)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *LLMClient) callOpenAI(ctx context.Context, prompt string) (string, error) {
	base := strings.TrimSuffix(c.config.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	url := base + "/chat/completions"

	reqBody := map[string]interface{}{
		"model": c.config.Model,
		"messages": []chatMessage{
			{Role: "user", Content: prompt},
		},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read LLM response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse LLM response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("LLM response contained no choices")
	}

	log.Printf("🤖 [LLM] %s responded in %v (%d chars)", c.config.Model, time.Since(start).Round(time.Millisecond), len(parsed.Choices[0].Message.Content))
	return parsed.Choices[0].Message.Content, nil
}

func (c *LLMClient) callOllama(ctx context.Context, prompt string) (string, error) {
	base := strings.TrimSuffix(c.config.BaseURL, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	url := base + "/api/chat"

	reqBody := map[string]interface{}{
		"model":  c.config.Model,
		"stream": false,
		"messages": []chatMessage{
			{Role: "user", Content: prompt},
		},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed struct {
		Message chatMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse ollama response: %w", err)
	}
	return parsed.Message.Content, nil
}

// mockResponse returns schema-shaped answers so the service can run end to
// end without a model endpoint.
func (c *LLMClient) mockResponse(prompt string) (string, error) {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "determine the user's intent"):
		return `{"intent": "virtual_response", "targetAppId": "", "requiredTools": [], "newToolDescription": ""}`, nil
	case strings.Contains(lower, "review the following widget"):
		return `{"passed": true, "issues": []}`, nil
	case strings.Contains(lower, "verify that the widget"):
		return `{"verified": true, "issues": []}`, nil
	case strings.Contains(lower, "generate a responsive html"):
		return `{"html": "<div>mock widget</div>", "js": "", "css": "", "isLiveUpdating": false}`, nil
	default:
		return `{"content": "mock response", "contentType": "text/plain"}`, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
