package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestAPIServer(t *testing.T, respond func(string) (string, error)) (*APIServer, *machineFixture) {
	t.Helper()
	dir := t.TempDir()

	tools, err := NewToolManager(dir)
	if err != nil {
		t.Fatalf("Failed to create tool manager: %v", err)
	}
	runner := &fakeRunner{stdout: "ok"}
	tools.SetRunner(runner)

	ladder, err := NewRegexLadder(filepath.Join(dir, "regex_patterns.json"))
	if err != nil {
		t.Fatalf("Failed to create ladder: %v", err)
	}

	mr := miniredis.RunT(t)
	cache := NewAppCache(mr.Addr(), 1)
	t.Cleanup(func() { cache.Close() })
	sessions := NewSessionManager(mr.Addr(), 1)
	t.Cleanup(func() { sessions.Close() })

	chat := &scriptedChat{respond: respond}
	planner := NewAIPlanner(chat, tools)
	machine := NewRequestStateMachine(testLimits(), tools, ladder, cache, planner, nil)

	cfg := &ServerConfig{APIRoot: "/api/mono", DataDir: dir}
	api := NewAPIServer(cfg, machine, tools, ladder, cache, sessions, nil)
	fx := &machineFixture{machine: machine, tools: tools, ladder: ladder, cache: cache, chat: chat, runner: runner}
	return api, fx
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	api, _ := newTestAPIServer(t, nil)
	rec := doJSON(t, api.Router(), "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}
}

func TestMonoEndpointFastPath(t *testing.T) {
	api, fx := newTestAPIServer(t, func(prompt string) (string, error) {
		t.Fatal("Fast path must not call the model")
		return "", nil
	})
	fx.runner.stdout = `{"files": []}`
	tool := &ToolDefinition{Name: "get_files_tool", Command: "python3 tools/g.py --path {path}", Code: "x"}
	if err := fx.tools.RegisterTool(context.Background(), tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := fx.ladder.AddPattern(SuggestPattern("get_files_tool", "/api/mono/get_files")); err != nil {
		t.Fatalf("AddPattern failed: %v", err)
	}

	rec := doJSON(t, api.Router(), "GET", "/api/mono/get_files?path=/tmp", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if _, ok := resp["result"].(map[string]interface{}); !ok {
		t.Fatalf("Expected structured result: %v", resp)
	}
}

func TestMonoEndpointVirtualPassThrough(t *testing.T) {
	api, _ := newTestAPIServer(t, func(prompt string) (string, error) {
		lower := strings.ToLower(prompt)
		switch {
		case strings.Contains(lower, "determine the user's intent"):
			return `{"intent": "virtual_response"}`, nil
		case strings.Contains(lower, "generate the content"):
			return `{"content": "a,b\n1,2", "contentType": "text/csv", "filename": "d.csv"}`, nil
		}
		return "", fmt.Errorf("unexpected prompt")
	})

	rec := doJSON(t, api.Router(), "GET", "/api/mono/export+as+csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("Virtual content type not passed through: %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "d.csv") {
		t.Fatalf("Missing attachment filename: %q", cd)
	}
	if rec.Body.String() != "a,b\n1,2" {
		t.Fatalf("Virtual body must bypass JSON: %q", rec.Body.String())
	}
}

func TestPollEndpoint(t *testing.T) {
	api, fx := newTestAPIServer(t, nil)
	ctx := context.Background()
	if err := fx.cache.Set(ctx, &CachedApp{ID: "app_1", SessionID: "s1", IsLiveUpdating: true, HTML: "x"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := fx.cache.Set(ctx, &CachedApp{ID: "app_2", SessionID: "s1", HTML: "y"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	rec := doJSON(t, api.Router(), "POST", "/api/v1/poll", map[string]interface{}{
		"sessionId": "s1",
		"appIds":    []string{"app_1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	var res PollResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if len(res.RemovedAppIDs) != 1 || res.RemovedAppIDs[0] != "app_2" {
		t.Fatalf("Expected app_2 removed: %v", res.RemovedAppIDs)
	}
	if len(res.UpdatedApps) != 1 || res.UpdatedApps[0].ID != "app_1" {
		t.Fatalf("Expected app_1 updated: %v", res.UpdatedApps)
	}
}

func TestToolsCRUD(t *testing.T) {
	api, fx := newTestAPIServer(t, nil)
	router := api.Router()

	rec := doJSON(t, router, "POST", "/api/v1/tools", &ToolDefinition{
		Name:        "echo_tool",
		Description: "Echo",
		APIEndpoint: "/api/mono/echo",
		Command:     "python3 tools/echo_tool.py --text {text}",
		Code:        "print('hi')",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Register status: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, "GET", "/api/v1/tools", nil)
	var list struct {
		Tools []*ToolDefinition `json:"tools"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if list.Count != 1 || list.Tools[0].Name != "echo_tool" {
		t.Fatalf("Unexpected list: %+v", list)
	}
	if list.Tools[0].Code != "" {
		t.Fatal("Tool listing must not include script bodies")
	}

	fx.runner.stdout = "hi"
	rec = doJSON(t, router, "POST", "/api/v1/tools/echo_tool/invoke", map[string]interface{}{
		"args": map[string]string{"text": "hi"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Invoke status: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, "DELETE", "/api/v1/tools/echo_tool", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Delete status: %d", rec.Code)
	}
	if _, ok := fx.tools.GetTool("echo_tool"); ok {
		t.Fatal("Tool still registered after delete")
	}
	if len(fx.ladder.Patterns()) != 0 {
		t.Fatal("Ladder pattern should be removed with the tool")
	}

	rec = doJSON(t, router, "DELETE", "/api/v1/tools/echo_tool", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Deleting a missing tool should 404, got %d", rec.Code)
	}
}

func TestAppEndpointsServeMetaViews(t *testing.T) {
	api, fx := newTestAPIServer(t, nil)
	router := api.Router()
	ctx := context.Background()

	if err := fx.cache.Set(ctx, &CachedApp{ID: "app_1", SessionID: "s1", Prompt: "p", HTML: "<secret/>"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	rec := doJSON(t, router, "GET", "/api/v1/apps/app_1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "<secret/>") {
		t.Fatal("Meta view leaked html")
	}

	rec = doJSON(t, router, "GET", "/api/v1/apps/app_1?full=true", nil)
	if !strings.Contains(rec.Body.String(), "<secret/>") {
		t.Fatal("Full view should include html")
	}

	rec = doJSON(t, router, "GET", "/api/v1/sessions/s1/apps", nil)
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "<secret/>") {
		t.Fatalf("Session listing must be meta-only: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDesktopContextSyncAndHydrate(t *testing.T) {
	api, fx := newTestAPIServer(t, nil)
	router := api.Router()
	ctx := context.Background()

	if err := fx.cache.Set(ctx, &CachedApp{ID: "app_1", SessionID: "s1", HTML: "<div>w</div>"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := api.sessions.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := api.sessions.UpsertWidget(ctx, "s1", &Widget{ID: "w1", Title: "W", AppID: "app_1"}); err != nil {
		t.Fatalf("UpsertWidget failed: %v", err)
	}

	rec := doJSON(t, router, "POST", "/api/v1/desktop?sessionId=s1", map[string]interface{}{
		"intent":  "context_sync",
		"context": map[string]string{"theme": "dark"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("context_sync status: %d (%s)", rec.Code, rec.Body.String())
	}
	var state DesktopState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if state.Context["theme"] != "dark" || len(state.Widgets) != 1 {
		t.Fatalf("Unexpected desktop state: %+v", state)
	}

	rec = doJSON(t, router, "POST", "/api/v1/desktop?sessionId=s1", map[string]interface{}{
		"intent":   "hydrate_widget",
		"widgetId": "w1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("hydrate_widget status: %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "<div>w</div>") {
		t.Fatal("Hydration must include the app html")
	}

	rec = doJSON(t, router, "POST", "/api/v1/desktop?sessionId=s1", map[string]interface{}{
		"intent":   "close_widget",
		"widgetId": "w1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close_widget status: %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if len(state.Widgets) != 0 {
		t.Fatal("Widget should be gone after close")
	}
}

func TestDesktopUnknownIntent(t *testing.T) {
	api, _ := newTestAPIServer(t, nil)
	rec := doJSON(t, api.Router(), "POST", "/api/v1/desktop", map[string]interface{}{"intent": "dance"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Unknown intent should 400, got %d", rec.Code)
	}
}

func TestMonoEndpointErrorMapsTo500(t *testing.T) {
	api, _ := newTestAPIServer(t, func(prompt string) (string, error) {
		lower := strings.ToLower(prompt)
		if strings.Contains(lower, "determine the user's intent") {
			return `{"intent": "new_app", "requiredTools": []}`, nil
		}
		return "", fmt.Errorf("model exploded")
	})
	rec := doJSON(t, api.Router(), "POST", "/api/mono/x", map[string]interface{}{"prompt": "widget"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Hard failures must map to 500, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Error body not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("Error body must carry a message")
	}
}
