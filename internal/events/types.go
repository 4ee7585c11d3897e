package events

import (
	"time"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// EventType identifies the category and nature of an event in the Oroitz system.
type EventType string

// Session Lifecycle Events
// These events track the overall session execution lifecycle.
const (
	EventSessionCreated   EventType = "session.created"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventSessionCancelled EventType = "session.cancelled"
)

// Step Execution Events
// These events track individual workflow step execution within a session.
const (
	EventStepStarted       EventType = "step.started"
	EventStepAttemptFailed EventType = "step.attempt_failed"
	EventStepFallback      EventType = "step.fallback"
	EventStepCompleted     EventType = "step.completed"
)

// Data Quality Events
// These events track records dropped during normalization.
const (
	EventRecordDropped EventType = "record.dropped"
)

// Cache Events
// These events track cache hits and degraded cache I/O.
const (
	EventCacheHit      EventType = "cache.hit"
	EventCacheDegraded EventType = "cache.degraded"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event represents an observability event in the Oroitz system.
//
// The Event struct is JSON-serializable and includes the context front ends
// need for filtering and display without reaching back into the session.
type Event struct {
	// Type identifies the category and nature of the event
	Type EventType `json:"type"`

	// Timestamp records when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// SessionID associates the event with a session (empty for system events)
	SessionID types.ID `json:"session_id,omitempty"`

	// StepID identifies which workflow step emitted the event, when any
	StepID string `json:"step_id,omitempty"`

	// TraceID is the OpenTelemetry trace ID for correlation
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID for the specific operation
	SpanID string `json:"span_id,omitempty"`

	// Payload contains event-specific typed data (use type assertion to access)
	Payload any `json:"payload,omitempty"`
}

// Filter defines criteria for filtering events in subscriptions.
// All filter fields use AND logic; empty fields act as wildcards.
type Filter struct {
	// Types filters by event types (empty = all types)
	Types []EventType `json:"types,omitempty"`

	// SessionID filters by session (empty = all sessions)
	SessionID types.ID `json:"session_id,omitempty"`

	// StepID filters by workflow step (empty = all steps)
	StepID string `json:"step_id,omitempty"`
}

// Matches determines if the given event matches this filter's criteria.
func (f *Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.SessionID != "" && event.SessionID != f.SessionID {
		return false
	}

	if f.StepID != "" && event.StepID != f.StepID {
		return false
	}

	return true
}

// Payload Types
// These structs define the typed payload data for each event type.

// SessionCreatedPayload contains data for session.created events.
type SessionCreatedPayload struct {
	SessionID    types.ID `json:"session_id"`
	WorkflowName string   `json:"workflow_name,omitempty"`
	ImagePath    string   `json:"image_path"`
	StepCount    int      `json:"step_count,omitempty"`
}

// StepStartedPayload contains data for step.started events.
type StepStartedPayload struct {
	SessionID types.ID `json:"session_id"`
	StepID    string   `json:"step_id"`
	Plugin    string   `json:"plugin"`
	Attempt   int      `json:"attempt"`
}

// StepAttemptFailedPayload contains data for step.attempt_failed events.
type StepAttemptFailedPayload struct {
	SessionID types.ID             `json:"session_id"`
	StepID    string               `json:"step_id"`
	Attempt   int                  `json:"attempt"`
	Outcome   types.AttemptOutcome `json:"outcome"`
	Reason    string               `json:"reason"`
}

// StepFallbackPayload contains data for step.fallback events.
type StepFallbackPayload struct {
	SessionID types.ID `json:"session_id"`
	StepID    string   `json:"step_id"`
	Attempts  int      `json:"attempts"`
	Reason    string   `json:"reason"`
}

// StepCompletedPayload contains data for step.completed events.
type StepCompletedPayload struct {
	SessionID   types.ID          `json:"session_id"`
	StepID      string            `json:"step_id"`
	Outcome     types.StepOutcome `json:"outcome"`
	CacheHit    bool              `json:"cache_hit"`
	RecordCount int               `json:"record_count"`
	Duration    time.Duration     `json:"duration"`
}

// RecordDroppedPayload contains data for record.dropped events.
type RecordDroppedPayload struct {
	SessionID types.ID `json:"session_id"`
	StepID    string   `json:"step_id"`
	Reason    string   `json:"reason"`
	Dropped   int      `json:"dropped"`
	Total     int      `json:"total"`
}

// CacheHitPayload contains data for cache.hit events.
type CacheHitPayload struct {
	SessionID types.ID `json:"session_id"`
	StepID    string   `json:"step_id"`
	Key       string   `json:"key"`
}

// CacheDegradedPayload contains data for cache.degraded events.
type CacheDegradedPayload struct {
	SessionID types.ID `json:"session_id"`
	StepID    string   `json:"step_id"`
	Operation string   `json:"operation"`
	Error     string   `json:"error"`
}

// SessionCompletedPayload contains data for session.completed events.
type SessionCompletedPayload struct {
	SessionID     types.ID      `json:"session_id"`
	Duration      time.Duration `json:"duration"`
	StepsExecuted int           `json:"steps_executed"`
	FallbackSteps int           `json:"fallback_steps"`
	CacheHits     int           `json:"cache_hits"`
}

// SessionFailedPayload contains data for session.failed events.
type SessionFailedPayload struct {
	SessionID     types.ID      `json:"session_id"`
	Error         string        `json:"error"`
	Duration      time.Duration `json:"duration"`
	StepsExecuted int           `json:"steps_executed"`
}

// SessionCancelledPayload contains data for session.cancelled events.
type SessionCancelledPayload struct {
	SessionID     types.ID      `json:"session_id"`
	Duration      time.Duration `json:"duration"`
	StepsExecuted int           `json:"steps_executed"`
}
