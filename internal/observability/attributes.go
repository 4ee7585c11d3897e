package observability

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys shared across the orchestration core, so traces
// stay queryable by consistent names.
const (
	AttrSessionID    = attribute.Key("oroitz.session.id")
	AttrWorkflowName = attribute.Key("oroitz.workflow.name")
	AttrStepID       = attribute.Key("oroitz.step.id")
	AttrStepPlugin   = attribute.Key("oroitz.step.plugin")
	AttrStepOutcome  = attribute.Key("oroitz.step.outcome")
	AttrCacheHit     = attribute.Key("oroitz.cache.hit")
	AttrUsedFallback = attribute.Key("oroitz.step.used_fallback")
	AttrImagePath    = attribute.Key("oroitz.image.path")
)
