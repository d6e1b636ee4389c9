package eventbus

import (
	"strings"
	"testing"
	"time"
)

func TestNewEventIDUnique(t *testing.T) {
	now := time.Now()
	a := NewEventID("evt_", now)
	b := NewEventID("evt_", now)
	if a == b {
		t.Fatal("Event ids must be unique")
	}
	if !strings.HasPrefix(a, "evt_") {
		t.Fatalf("Missing prefix: %s", a)
	}
	if !strings.Contains(a, now.UTC().Format("20060102")) {
		t.Fatalf("Missing date component: %s", a)
	}
}

func TestMinimalValidate(t *testing.T) {
	evt := DesktopEvent{
		EventID:   NewEventID("evt_", time.Now()),
		Source:    "dispatcher",
		Type:      TypeStateTransition,
		Timestamp: time.Now(),
	}
	if !evt.MinimalValidate() {
		t.Fatal("Complete event must validate")
	}
	evt.Source = ""
	if evt.MinimalValidate() {
		t.Fatal("Event without a source must not validate")
	}
}
