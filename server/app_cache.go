package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedApp is the full stored form of a generated app.
type CachedApp struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	Title          string    `json:"title,omitempty"`
	Prompt         string    `json:"prompt"`
	IsLiveUpdating bool      `json:"isLiveUpdating"`
	LastUpdated    time.Time `json:"lastUpdated"`
	ToolsUsed      []string  `json:"toolsUsed"`
	HTML           string    `json:"html"`
	JS             string    `json:"js,omitempty"`
	CSS            string    `json:"css,omitempty"`
}

// CachedAppMeta is the content-free view handed to prompts and list APIs.
// It deliberately has no html/js/css fields.
type CachedAppMeta struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	Title          string    `json:"title,omitempty"`
	Prompt         string    `json:"prompt"`
	IsLiveUpdating bool      `json:"isLiveUpdating"`
	LastUpdated    time.Time `json:"lastUpdated"`
	ToolsUsed      []string  `json:"toolsUsed"`
}

func (a *CachedApp) meta() *CachedAppMeta {
	return &CachedAppMeta{
		ID:             a.ID,
		SessionID:      a.SessionID,
		Title:          a.Title,
		Prompt:         a.Prompt,
		IsLiveUpdating: a.IsLiveUpdating,
		LastUpdated:    a.LastUpdated,
		ToolsUsed:      a.ToolsUsed,
	}
}

// AppCache stores generated apps in Redis, one JSON value per app plus a
// per-session id set and a global index.
type AppCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAppCache(redisAddr string, ttlHours int) *AppCache {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return &AppCache{
		client: client,
		ttl:    time.Duration(ttlHours) * time.Hour,
	}
}

func appKey(id string) string         { return "app:" + id }
func sessionAppsKey(sid string) string { return "session_apps:" + sid }

const appIndexKey = "apps:index"

// Set upserts an app and stamps lastUpdated.
func (c *AppCache) Set(ctx context.Context, app *CachedApp) error {
	app.LastUpdated = time.Now()
	data, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("failed to marshal app: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, appKey(app.ID), data, c.ttl)
	pipe.SAdd(ctx, appIndexKey, app.ID)
	if app.SessionID != "" {
		pipe.SAdd(ctx, sessionAppsKey(app.SessionID), app.ID)
		pipe.Expire(ctx, sessionAppsKey(app.SessionID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store app %s: %w", app.ID, err)
	}
	return nil
}

// GetFull returns the complete app record, or nil when unknown.
func (c *AppCache) GetFull(ctx context.Context, id string) (*CachedApp, error) {
	data, err := c.client.Get(ctx, appKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app %s: %w", id, err)
	}
	var app CachedApp
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("failed to unmarshal app %s: %w", id, err)
	}
	return &app, nil
}

// GetMeta returns the content-free view, or nil when unknown.
func (c *AppCache) GetMeta(ctx context.Context, id string) (*CachedAppMeta, error) {
	app, err := c.GetFull(ctx, id)
	if err != nil || app == nil {
		return nil, err
	}
	return app.meta(), nil
}

// UpdateContent replaces an app's html/js/css in place. Empty js/css leave
// the stored values untouched. Returns false for an unknown id.
func (c *AppCache) UpdateContent(ctx context.Context, id, html, js, css string) (bool, error) {
	app, err := c.GetFull(ctx, id)
	if err != nil {
		return false, err
	}
	if app == nil {
		return false, nil
	}
	app.HTML = html
	if js != "" {
		app.JS = js
	}
	if css != "" {
		app.CSS = css
	}
	if err := c.Set(ctx, app); err != nil {
		return false, err
	}
	return true, nil
}

// GetSessionMeta lists the content-free views of a session's apps.
func (c *AppCache) GetSessionMeta(ctx context.Context, sessionID string) ([]*CachedAppMeta, error) {
	apps, err := c.GetSessionFull(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	metas := make([]*CachedAppMeta, 0, len(apps))
	for _, app := range apps {
		metas = append(metas, app.meta())
	}
	return metas, nil
}

// GetSessionFull lists a session's complete app records. Ids whose value has
// expired are pruned from the session set as a side effect.
func (c *AppCache) GetSessionFull(ctx context.Context, sessionID string) ([]*CachedApp, error) {
	ids, err := c.client.SMembers(ctx, sessionAppsKey(sessionID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list session apps: %w", err)
	}
	apps := make([]*CachedApp, 0, len(ids))
	for _, id := range ids {
		app, err := c.GetFull(ctx, id)
		if err != nil {
			return nil, err
		}
		if app == nil {
			c.client.SRem(ctx, sessionAppsKey(sessionID), id)
			c.client.SRem(ctx, appIndexKey, id)
			continue
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// RemoveStale deletes every cached app in the session that is not present in
// activeIDs and returns the removed records. Called from the polling endpoint
// to reconcile server cache with what the client still has open.
func (c *AppCache) RemoveStale(ctx context.Context, sessionID string, activeIDs []string) ([]*CachedApp, error) {
	active := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}

	apps, err := c.GetSessionFull(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var removed []*CachedApp
	for _, app := range apps {
		if active[app.ID] {
			continue
		}
		if err := c.Remove(ctx, app.ID, sessionID); err != nil {
			return removed, err
		}
		removed = append(removed, app)
	}
	if len(removed) > 0 {
		log.Printf("🗑️ [CACHE] Evicted %d stale apps for session %s", len(removed), sessionID)
	}
	return removed, nil
}

// Remove deletes one app and its index entries.
func (c *AppCache) Remove(ctx context.Context, id, sessionID string) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, appKey(id))
	pipe.SRem(ctx, appIndexKey, id)
	if sessionID != "" {
		pipe.SRem(ctx, sessionAppsKey(sessionID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove app %s: %w", id, err)
	}
	return nil
}

// GetLiveUpdatingApps returns the session's apps flagged for background
// refresh.
func (c *AppCache) GetLiveUpdatingApps(ctx context.Context, sessionID string) ([]*CachedApp, error) {
	apps, err := c.GetSessionFull(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var live []*CachedApp
	for _, app := range apps {
		if app.IsLiveUpdating {
			live = append(live, app)
		}
	}
	return live, nil
}

// GetAllIDs returns every cached app id across sessions.
func (c *AppCache) GetAllIDs(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, appIndexKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list app ids: %w", err)
	}
	return ids, nil
}

func (c *AppCache) Close() error { return c.client.Close() }
