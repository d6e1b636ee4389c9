package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"aidesk/eventbus"
)

// refreshTask is one live widget tracked for periodic regeneration.
type refreshTask struct {
	AppID     string
	SessionID string
	WidgetID  string
	Prompt    string
}

// BackgroundLoop regenerates live-updating widgets on a fixed interval so
// the polling endpoint has fresh content to hand back. One refresh is in
// flight per app at a time; failures are recorded on the session and never
// fatal.
type BackgroundLoop struct {
	cron     *cron.Cron
	planner  *AIPlanner
	cache    *AppCache
	sessions *SessionManager
	tools    *ToolManager
	bus      EventPublisher
	interval int

	mu       sync.Mutex
	tasks    map[string]*refreshTask
	inflight map[string]bool
}

func NewBackgroundLoop(intervalSecs int, planner *AIPlanner, cache *AppCache, sessions *SessionManager, tools *ToolManager, bus EventPublisher) *BackgroundLoop {
	return &BackgroundLoop{
		cron:     cron.New(cron.WithSeconds()),
		planner:  planner,
		cache:    cache,
		sessions: sessions,
		tools:    tools,
		bus:      bus,
		interval: intervalSecs,
		tasks:    make(map[string]*refreshTask),
		inflight: make(map[string]bool),
	}
}

func (l *BackgroundLoop) Start() error {
	spec := fmt.Sprintf("@every %ds", l.interval)
	if _, err := l.cron.AddFunc(spec, l.tick); err != nil {
		return fmt.Errorf("failed to schedule refresh loop: %w", err)
	}
	l.cron.Start()
	log.Printf("🔄 [LOOP] Background refresh every %ds", l.interval)
	return nil
}

func (l *BackgroundLoop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
}

// Track registers a live app for refresh. WidgetID falls back to the app id
// when the app was created outside a desktop widget.
func (l *BackgroundLoop) Track(app *CachedApp) {
	l.TrackWidget(app, app.ID)
}

func (l *BackgroundLoop) TrackWidget(app *CachedApp, widgetID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks[app.ID] = &refreshTask{
		AppID:     app.ID,
		SessionID: app.SessionID,
		WidgetID:  widgetID,
		Prompt:    app.Prompt,
	}
	log.Printf("🔄 [LOOP] Tracking app %s (widget %s)", app.ID, widgetID)
}

func (l *BackgroundLoop) Untrack(appID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tasks, appID)
}

func (l *BackgroundLoop) tick() {
	l.mu.Lock()
	pending := make([]*refreshTask, 0, len(l.tasks))
	for id, task := range l.tasks {
		if l.inflight[id] {
			continue
		}
		l.inflight[id] = true
		pending = append(pending, task)
	}
	l.mu.Unlock()

	for _, task := range pending {
		go func(t *refreshTask) {
			defer func() {
				l.mu.Lock()
				delete(l.inflight, t.AppID)
				l.mu.Unlock()
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			l.refresh(ctx, t)
		}(task)
	}
}

func (l *BackgroundLoop) refresh(ctx context.Context, t *refreshTask) {
	app, err := l.cache.GetFull(ctx, t.AppID)
	if err != nil {
		log.Printf("⚠️ [LOOP] Failed to load app %s: %v", t.AppID, err)
		return
	}
	if app == nil || !app.IsLiveUpdating {
		l.Untrack(t.AppID)
		return
	}

	l.setStatus(ctx, t, "running", "")

	var depTools []*ToolDefinition
	for _, name := range app.ToolsUsed {
		if tool, ok := l.tools.GetTool(name); ok {
			depTools = append(depTools, tool)
		}
	}
	request := t.Prompt + "\n\nRefresh the widget with current data." + l.contextSnapshot(ctx, t.SessionID, app.HTML)

	generated, err := l.planner.GenerateApp(ctx, request, depTools, nil, app)
	if err != nil {
		log.Printf("⚠️ [LOOP] Refresh of %s failed: %v", t.AppID, err)
		l.setStatus(ctx, t, "error", err.Error())
		return
	}

	ok, err := l.cache.UpdateContent(ctx, t.AppID, generated.HTML, generated.JS, generated.CSS)
	if err != nil {
		log.Printf("⚠️ [LOOP] Failed to store refreshed app %s: %v", t.AppID, err)
		l.setStatus(ctx, t, "error", err.Error())
		return
	}
	if !ok {
		l.Untrack(t.AppID)
		return
	}

	l.setStatus(ctx, t, "ready", "")
	if l.bus != nil {
		evt := eventbus.DesktopEvent{
			EventID:   eventbus.NewEventID("evt_", time.Now()),
			Source:    "background-loop",
			Type:      eventbus.TypeAppRefreshed,
			Timestamp: time.Now(),
			SessionID: t.SessionID,
			Payload:   eventbus.EventPayload{AppID: t.AppID},
		}
		if err := l.bus.Publish(ctx, evt); err != nil {
			log.Printf("⚠️ [LOOP] Event publish failed: %v", err)
		}
	}
	log.Printf("✅ [LOOP] Refreshed app %s", t.AppID)
}

// contextSnapshot renders the session context plus the widget's current HTML
// for the regeneration prompt.
func (l *BackgroundLoop) contextSnapshot(ctx context.Context, sessionID, currentHTML string) string {
	var b strings.Builder
	if l.sessions != nil && sessionID != "" {
		if state, err := l.sessions.BuildState(ctx, sessionID, ""); err == nil {
			keys := make([]string, 0, len(state.Context))
			for k := range state.Context {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if len(keys) > 0 {
				b.WriteString("\n\nSession context:\n")
				for _, k := range keys {
					fmt.Fprintf(&b, "%s=%s\n", k, state.Context[k])
				}
			}
		}
	}
	fmt.Fprintf(&b, "\nCURRENT_WIDGET_HTML:\n%s\n", truncate(currentHTML, 4000))
	return b.String()
}

func (l *BackgroundLoop) setStatus(ctx context.Context, t *refreshTask, status, detail string) {
	if l.sessions == nil || t.SessionID == "" {
		return
	}
	if err := l.sessions.SetProcessStatus(ctx, t.SessionID, t.WidgetID, status, detail); err != nil {
		log.Printf("⚠️ [LOOP] Failed to record status for %s: %v", t.WidgetID, err)
	}
}
