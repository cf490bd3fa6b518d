package events

import (
	"testing"
	"time"
)

func TestEmitterDeliversEvents(t *testing.T) {
	e := NewEmitter(10)
	defer e.Close()

	e.Emit(Event{Type: EventHierarchyRegistered, AgentID: "agent-1"})

	select {
	case got := <-e.Events():
		if got.Type != EventHierarchyRegistered {
			t.Errorf("expected %q, got %q", EventHierarchyRegistered, got.Type)
		}
		if got.AgentID != "agent-1" {
			t.Errorf("expected agent-1, got %q", got.AgentID)
		}
		if got.Timestamp.IsZero() {
			t.Error("expected timestamp to be stamped on emit")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	e := NewEmitter(1)
	defer e.Close()

	e.Emit(Event{Type: EventCacheSet})
	// Buffer is full and nobody is draining; this one should be dropped
	// after the internal timeout.
	e.Emit(Event{Type: EventCacheSet})

	if got := e.DroppedCount(); got != 1 {
		t.Errorf("expected 1 dropped event, got %d", got)
	}
}

func TestNilEmitterIsSafe(t *testing.T) {
	var e *Emitter
	// Components treat the emitter as optional; a nil emitter must not panic.
	e.Emit(Event{Type: EventPoolCheckout})
}
