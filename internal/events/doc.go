// Package events provides the in-process publish/subscribe channel carrying
// lifecycle events from the orchestration core to any listener.
//
// Producers never block on consumers: each subscriber owns a bounded buffer
// and overflowing events are dropped for that subscriber only. Front ends,
// loggers, and telemetry sinks subscribe with filters and are fully
// decoupled from step execution.
package events
