package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// TestEventBus_BasicPublishSubscribe tests basic publish and subscribe functionality.
func TestEventBus_BasicPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ctx := context.Background()

	events, cleanup := bus.Subscribe(ctx, Filter{}, 10)
	defer cleanup()

	event := Event{
		Type:      EventStepStarted,
		Timestamp: time.Now(),
		SessionID: types.NewID(),
		StepID:    "windows.pslist",
	}

	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case received := <-events:
		if received.Type != event.Type {
			t.Errorf("Expected event type %v, got %v", event.Type, received.Type)
		}
		if received.SessionID != event.SessionID {
			t.Errorf("Expected session ID %v, got %v", event.SessionID, received.SessionID)
		}
		if received.StepID != event.StepID {
			t.Errorf("Expected step ID %v, got %v", event.StepID, received.StepID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestEventBus_FilterByEventType tests filtering by event type.
func TestEventBus_FilterByEventType(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ctx := context.Background()

	events, cleanup := bus.Subscribe(ctx, Filter{
		Types: []EventType{EventStepCompleted},
	}, 10)
	defer cleanup()

	// Should not be received.
	bus.Publish(ctx, Event{Type: EventStepStarted, Timestamp: time.Now()})
	// Should be received.
	bus.Publish(ctx, Event{Type: EventStepCompleted, Timestamp: time.Now()})

	select {
	case received := <-events:
		if received.Type != EventStepCompleted {
			t.Errorf("Expected step.completed, got %v", received.Type)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}

	select {
	case unexpected := <-events:
		t.Errorf("Received unexpected event: %v", unexpected.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestEventBus_FilterBySession tests filtering by session ID.
func TestEventBus_FilterBySession(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ctx := context.Background()
	wantSession := types.NewID()

	events, cleanup := bus.Subscribe(ctx, Filter{SessionID: wantSession}, 10)
	defer cleanup()

	bus.Publish(ctx, Event{Type: EventStepStarted, SessionID: types.NewID()})
	bus.Publish(ctx, Event{Type: EventStepStarted, SessionID: wantSession})

	select {
	case received := <-events:
		if received.SessionID != wantSession {
			t.Errorf("Expected session %v, got %v", wantSession, received.SessionID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestEventBus_SlowSubscriberDropsEvents verifies a full subscriber buffer
// never blocks the publisher.
func TestEventBus_SlowSubscriberDropsEvents(t *testing.T) {
	var mu sync.Mutex
	var droppedCount int

	bus := NewEventBus(WithErrorHandler(func(err error, ctx map[string]interface{}) {
		mu.Lock()
		droppedCount++
		mu.Unlock()
	}))
	defer bus.Close()

	ctx := context.Background()

	// Buffer of 1, never drained.
	_, cleanup := bus.Subscribe(ctx, Filter{}, 1)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(ctx, Event{Type: EventStepStarted, Timestamp: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publisher blocked on slow subscriber")
	}

	mu.Lock()
	defer mu.Unlock()
	if droppedCount != 9 {
		t.Errorf("Expected 9 dropped events, got %d", droppedCount)
	}
}

// TestEventBus_OverflowKeepsNewestEvent verifies overflow evicts the oldest
// queued event rather than discarding the incoming one.
func TestEventBus_OverflowKeepsNewestEvent(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{}, 1)
	defer cleanup()

	bus.Publish(ctx, Event{Type: EventStepStarted, StepID: "first", Timestamp: time.Now()})
	bus.Publish(ctx, Event{Type: EventStepStarted, StepID: "second", Timestamp: time.Now()})
	bus.Publish(ctx, Event{Type: EventStepStarted, StepID: "third", Timestamp: time.Now()})

	select {
	case event := <-ch:
		if event.StepID != "third" {
			t.Errorf("Expected newest event %q to survive overflow, got %q", "third", event.StepID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestEventBus_MultipleSubscribersIndependent verifies one slow subscriber
// does not starve another.
func TestEventBus_MultipleSubscribersIndependent(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ctx := context.Background()

	_, cleanupSlow := bus.Subscribe(ctx, Filter{}, 1)
	defer cleanupSlow()

	fast, cleanupFast := bus.Subscribe(ctx, Filter{}, 20)
	defer cleanupFast()

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, Event{Type: EventStepCompleted, Timestamp: time.Now()})
	}

	received := 0
	timeout := time.After(1 * time.Second)
	for received < 10 {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("Fast subscriber received only %d/10 events", received)
		}
	}
}

// TestEventBus_PublishAfterClose verifies publish fails after close.
func TestEventBus_PublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	err := bus.Publish(context.Background(), Event{Type: EventSessionCreated})
	if err == nil {
		t.Fatal("Expected error publishing to closed bus")
	}
}

// TestEventBus_CloseIdempotent verifies multiple Close calls are safe.
func TestEventBus_CloseIdempotent(t *testing.T) {
	bus := NewEventBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}

// TestEventBus_UnsubscribeRemovesSubscriber verifies cleanup removes the subscription.
func TestEventBus_UnsubscribeRemovesSubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	_, cleanup := bus.Subscribe(context.Background(), Filter{}, 10)
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", got)
	}

	cleanup()
	if got := bus.SubscriberCount(); got != 0 {
		t.Fatalf("Expected 0 subscribers after cleanup, got %d", got)
	}
}

// TestFilter_Matches tests filter matching logic directly.
func TestFilter_Matches(t *testing.T) {
	sessionID := types.NewID()

	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{
			name:   "empty filter matches everything",
			filter: Filter{},
			event:  Event{Type: EventStepStarted, SessionID: sessionID},
			want:   true,
		},
		{
			name:   "type match",
			filter: Filter{Types: []EventType{EventStepStarted, EventStepCompleted}},
			event:  Event{Type: EventStepCompleted},
			want:   true,
		},
		{
			name:   "type mismatch",
			filter: Filter{Types: []EventType{EventSessionFailed}},
			event:  Event{Type: EventStepStarted},
			want:   false,
		},
		{
			name:   "session and step both match",
			filter: Filter{SessionID: sessionID, StepID: "windows.netscan"},
			event:  Event{Type: EventStepStarted, SessionID: sessionID, StepID: "windows.netscan"},
			want:   true,
		},
		{
			name:   "step mismatch",
			filter: Filter{StepID: "windows.netscan"},
			event:  Event{Type: EventStepStarted, StepID: "windows.pslist"},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
