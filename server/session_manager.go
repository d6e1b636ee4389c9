package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Widget is one open window on the client desktop.
type Widget struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AppID        string    `json:"appId,omitempty"`
	LiveUpdating bool      `json:"liveUpdating"`
	CreatedAt    time.Time `json:"createdAt"`
}

// BackgroundProcess tracks the refresh status of a live widget.
type BackgroundProcess struct {
	WidgetID  string    `json:"widgetId"`
	Status    string    `json:"status"` // pending, running, ready, error
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionState is everything the server remembers about one desktop session.
type SessionState struct {
	ID        string                        `json:"id"`
	Widgets   map[string]*Widget            `json:"widgets"`
	Context   map[string]string             `json:"context"`
	Processes map[string]*BackgroundProcess `json:"processes"`
	CreatedAt time.Time                     `json:"createdAt"`
	UpdatedAt time.Time                     `json:"updatedAt"`
}

// DesktopState is the payload returned to the client after every desktop
// command. Widgets are ordered newest first.
type DesktopState struct {
	SessionID string                        `json:"sessionId"`
	Widgets   []*Widget                     `json:"widgets"`
	Context   map[string]string             `json:"context"`
	Processes map[string]*BackgroundProcess `json:"processes"`
	Notice    string                        `json:"notice,omitempty"`
}

// SessionManager holds per-session desktop state in Redis. A process-wide
// mutex serializes the read-modify-write cycles.
type SessionManager struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.Mutex
}

func NewSessionManager(redisAddr string, ttlHours int) *SessionManager {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return &SessionManager{
		client: client,
		ttl:    time.Duration(ttlHours) * time.Hour,
	}
}

func sessionKey(id string) string { return "session:" + id }

func (m *SessionManager) load(ctx context.Context, id string) (*SessionState, error) {
	data, err := m.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &s, nil
}

func (m *SessionManager) store(ctx context.Context, s *SessionState) error {
	s.UpdatedAt = time.Now()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.client.Set(ctx, sessionKey(s.ID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session %s: %w", s.ID, err)
	}
	return nil
}

// GetOrCreate loads a session, creating it when id is empty or unknown.
func (m *SessionManager) GetOrCreate(ctx context.Context, id string) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		s, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	s := &SessionState{
		ID:        id,
		Widgets:   make(map[string]*Widget),
		Context:   make(map[string]string),
		Processes: make(map[string]*BackgroundProcess),
		CreatedAt: time.Now(),
	}
	if err := m.store(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// MergeContext overlays key/value pairs onto the session context.
func (m *SessionManager) MergeContext(ctx context.Context, id string, kv map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("unknown session %s", id)
	}
	for k, v := range kv {
		s.Context[k] = v
	}
	return m.store(ctx, s)
}

// UpsertWidget adds or replaces a widget in the session.
func (m *SessionManager) UpsertWidget(ctx context.Context, id string, w *Widget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("unknown session %s", id)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	s.Widgets[w.ID] = w
	return m.store(ctx, s)
}

// RemoveWidget drops a widget plus its context key and background process
// entry.
func (m *SessionManager) RemoveWidget(ctx context.Context, id, widgetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("unknown session %s", id)
	}
	delete(s.Widgets, widgetID)
	delete(s.Context, widgetID)
	delete(s.Processes, widgetID)
	return m.store(ctx, s)
}

// SetProcessStatus records the refresh state of a live widget.
func (m *SessionManager) SetProcessStatus(ctx context.Context, id, widgetID, status, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("unknown session %s", id)
	}
	s.Processes[widgetID] = &BackgroundProcess{
		WidgetID:  widgetID,
		Status:    status,
		Detail:    detail,
		UpdatedAt: time.Now(),
	}
	return m.store(ctx, s)
}

// BuildState assembles the client-facing desktop payload.
func (m *SessionManager) BuildState(ctx context.Context, id, notice string) (*DesktopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("unknown session %s", id)
	}
	widgets := make([]*Widget, 0, len(s.Widgets))
	for _, w := range s.Widgets {
		widgets = append(widgets, w)
	}
	sort.Slice(widgets, func(i, j int) bool {
		return widgets[i].CreatedAt.After(widgets[j].CreatedAt)
	})
	return &DesktopState{
		SessionID: s.ID,
		Widgets:   widgets,
		Context:   s.Context,
		Processes: s.Processes,
		Notice:    notice,
	}, nil
}

// Remove deletes the whole session.
func (m *SessionManager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (m *SessionManager) Close() error { return m.client.Close() }
