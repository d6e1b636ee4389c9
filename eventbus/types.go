package eventbus

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Event types published by the dispatcher.
const (
	TypeStateTransition = "desktop.state_transition"
	TypeToolRegistered  = "desktop.tool_registered"
	TypeToolRepaired    = "desktop.tool_repaired"
	TypeAppGenerated    = "desktop.app_generated"
	TypeAppRefreshed    = "desktop.app_refreshed"
	TypeAppEvicted      = "desktop.app_evicted"
)

// DesktopEvent is the uniform envelope for everything the dispatcher emits.
type DesktopEvent struct {
	EventID   string       `json:"event_id"`
	Source    string       `json:"source"`
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	SessionID string       `json:"session_id,omitempty"`
	Payload   EventPayload `json:"payload"`
}

type EventPayload struct {
	AppID     string                 `json:"app_id,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	FromState string                 `json:"from_state,omitempty"`
	ToState   string                 `json:"to_state,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEventID generates a compact unique event id with a date prefix.
func NewEventID(prefix string, t time.Time) string {
	// 8 random bytes -> 16 hex chars
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + t.UTC().Format("20060102") + "_" + hex.EncodeToString(b)
}

// MinimalValidate checks required fields.
func (e *DesktopEvent) MinimalValidate() bool {
	return e.EventID != "" && e.Source != "" && e.Type != "" && !e.Timestamp.IsZero()
}
