package main

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestLoop(t *testing.T, respond func(string) (string, error)) (*BackgroundLoop, *AppCache, *SessionManager, *scriptedChat) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := NewAppCache(mr.Addr(), 1)
	t.Cleanup(func() { cache.Close() })
	sessions := NewSessionManager(mr.Addr(), 1)
	t.Cleanup(func() { sessions.Close() })

	tools, err := NewToolManager(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create tool manager: %v", err)
	}
	tools.SetRunner(&fakeRunner{})
	chat := &scriptedChat{respond: respond}
	planner := NewAIPlanner(chat, tools)
	loop := NewBackgroundLoop(15, planner, cache, sessions, tools, nil)
	return loop, cache, sessions, chat
}

func TestRefreshUpdatesCacheAndStatus(t *testing.T) {
	loop, cache, sessions, chat := newTestLoop(t, func(prompt string) (string, error) {
		return `{"title": "T", "html": "<div>fresh</div>", "isLiveUpdating": true}`, nil
	})
	ctx := context.Background()

	if _, err := sessions.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := sessions.MergeContext(ctx, "s1", map[string]string{"city": "Oslo"}); err != nil {
		t.Fatalf("MergeContext failed: %v", err)
	}
	app := &CachedApp{ID: "app_1", SessionID: "s1", Prompt: "weather widget", IsLiveUpdating: true, HTML: "<div>stale</div>"}
	if err := cache.Set(ctx, app); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	loop.TrackWidget(app, "w1")
	loop.refresh(ctx, loop.tasks["app_1"])

	full, err := cache.GetFull(ctx, "app_1")
	if err != nil || full == nil {
		t.Fatalf("GetFull failed: %v", err)
	}
	if full.HTML != "<div>fresh</div>" {
		t.Fatalf("Refresh did not update content: %q", full.HTML)
	}

	state, err := sessions.BuildState(ctx, "s1", "")
	if err != nil {
		t.Fatalf("BuildState failed: %v", err)
	}
	if state.Processes["w1"] == nil || state.Processes["w1"].Status != "ready" {
		t.Fatalf("Expected ready status: %+v", state.Processes)
	}

	// The regeneration prompt carries the session context and current HTML.
	prompt := chat.prompts[len(chat.prompts)-1]
	if !strings.Contains(prompt, "city=Oslo") {
		t.Fatal("Session context missing from refresh prompt")
	}
	if !strings.Contains(prompt, "CURRENT_WIDGET_HTML") || !strings.Contains(prompt, "<div>stale</div>") {
		t.Fatal("Current widget HTML missing from refresh prompt")
	}
}

func TestRefreshUntracksEvictedApps(t *testing.T) {
	loop, _, _, _ := newTestLoop(t, func(prompt string) (string, error) {
		t.Fatal("Evicted apps must not be regenerated")
		return "", nil
	})
	app := &CachedApp{ID: "gone", SessionID: "s1", IsLiveUpdating: true}
	loop.Track(app)
	loop.refresh(context.Background(), loop.tasks["gone"])
	if _, tracked := loop.tasks["gone"]; tracked {
		t.Fatal("Evicted app should be untracked")
	}
}

func TestRefreshRecordsErrorStatus(t *testing.T) {
	loop, cache, sessions, _ := newTestLoop(t, func(prompt string) (string, error) {
		return "no json at all", nil
	})
	ctx := context.Background()
	if _, err := sessions.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	app := &CachedApp{ID: "app_1", SessionID: "s1", Prompt: "p", IsLiveUpdating: true, HTML: "x"}
	if err := cache.Set(ctx, app); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	loop.TrackWidget(app, "w1")
	loop.refresh(ctx, loop.tasks["app_1"])

	state, err := sessions.BuildState(ctx, "s1", "")
	if err != nil {
		t.Fatalf("BuildState failed: %v", err)
	}
	if state.Processes["w1"] == nil || state.Processes["w1"].Status != "error" {
		t.Fatalf("Expected error status: %+v", state.Processes)
	}
	full, _ := cache.GetFull(ctx, "app_1")
	if full.HTML != "x" {
		t.Fatal("Failed refresh must leave content untouched")
	}
}
