package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestAppCache(t *testing.T) *AppCache {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := NewAppCache(mr.Addr(), 1)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestAppCacheSetAndGet(t *testing.T) {
	cache := newTestAppCache(t)
	ctx := context.Background()

	app := &CachedApp{
		ID:        "app_1",
		SessionID: "s1",
		Prompt:    "make me a clock",
		HTML:      "<div>clock</div>",
		JS:        "tick()",
		ToolsUsed: []string{"get_files_tool"},
	}
	if err := cache.Set(ctx, app); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if app.LastUpdated.IsZero() {
		t.Fatal("Set must stamp LastUpdated")
	}

	full, err := cache.GetFull(ctx, "app_1")
	if err != nil {
		t.Fatalf("GetFull failed: %v", err)
	}
	if full == nil || full.HTML != "<div>clock</div>" {
		t.Fatalf("Unexpected app: %+v", full)
	}

	missing, err := cache.GetFull(ctx, "nope")
	if err != nil {
		t.Fatalf("GetFull of unknown id must not error: %v", err)
	}
	if missing != nil {
		t.Fatal("Unknown id must return nil")
	}
}

func TestAppCacheMetaNeverLeaksContent(t *testing.T) {
	cache := newTestAppCache(t)
	ctx := context.Background()

	app := &CachedApp{ID: "app_1", SessionID: "s1", Prompt: "p", HTML: "<div/>", JS: "x", CSS: "y"}
	if err := cache.Set(ctx, app); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	meta, err := cache.GetMeta(ctx, "app_1")
	if err != nil || meta == nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if meta.Prompt != "p" || meta.ID != "app_1" {
		t.Fatalf("Meta fields missing: %+v", meta)
	}

	metas, err := cache.GetSessionMeta(ctx, "s1")
	if err != nil || len(metas) != 1 {
		t.Fatalf("GetSessionMeta failed: %v (%d)", err, len(metas))
	}
}

func TestAppCacheUpdateContent(t *testing.T) {
	cache := newTestAppCache(t)
	ctx := context.Background()

	app := &CachedApp{ID: "app_1", SessionID: "s1", HTML: "old", JS: "oldjs", CSS: "oldcss"}
	if err := cache.Set(ctx, app); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ok, err := cache.UpdateContent(ctx, "app_1", "new", "", "")
	if err != nil || !ok {
		t.Fatalf("UpdateContent failed: ok=%v err=%v", ok, err)
	}
	full, _ := cache.GetFull(ctx, "app_1")
	if full.HTML != "new" {
		t.Fatalf("HTML not updated: %q", full.HTML)
	}
	if full.JS != "oldjs" || full.CSS != "oldcss" {
		t.Fatal("Empty js/css must leave stored values untouched")
	}

	ok, err = cache.UpdateContent(ctx, "unknown", "x", "", "")
	if err != nil {
		t.Fatalf("UpdateContent of unknown id must not error: %v", err)
	}
	if ok {
		t.Fatal("UpdateContent of unknown id must report false")
	}
}

func TestAppCacheRemoveStale(t *testing.T) {
	cache := newTestAppCache(t)
	ctx := context.Background()

	for _, id := range []string{"app_1", "app_2", "app_3"} {
		if err := cache.Set(ctx, &CachedApp{ID: id, SessionID: "s1", HTML: "<div/>"}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	removed, err := cache.RemoveStale(ctx, "s1", []string{"app_1", "app_3"})
	if err != nil {
		t.Fatalf("RemoveStale failed: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "app_2" {
		t.Fatalf("Expected app_2 removed, got %v", removed)
	}

	// Evicting with the full active set removes nothing.
	removed, err = cache.RemoveStale(ctx, "s1", []string{"app_1", "app_3"})
	if err != nil {
		t.Fatalf("RemoveStale failed: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("Expected no removals, got %v", removed)
	}

	// Evicting with an empty active set drains the session.
	removed, err = cache.RemoveStale(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("RemoveStale failed: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("Expected 2 removals, got %d", len(removed))
	}
	apps, err := cache.GetSessionFull(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSessionFull failed: %v", err)
	}
	if len(apps) != 0 {
		t.Fatalf("Session should be empty, got %d apps", len(apps))
	}
}

func TestAppCacheLiveUpdatingFilter(t *testing.T) {
	cache := newTestAppCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, &CachedApp{ID: "live", SessionID: "s1", IsLiveUpdating: true, HTML: "x"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Set(ctx, &CachedApp{ID: "static", SessionID: "s1", HTML: "y"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	live, err := cache.GetLiveUpdatingApps(ctx, "s1")
	if err != nil {
		t.Fatalf("GetLiveUpdatingApps failed: %v", err)
	}
	if len(live) != 1 || live[0].ID != "live" {
		t.Fatalf("Unexpected live set: %v", live)
	}

	ids, err := cache.GetAllIDs(ctx)
	if err != nil {
		t.Fatalf("GetAllIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 ids, got %v", ids)
	}
}
