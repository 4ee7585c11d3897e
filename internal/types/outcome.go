package types

// AttemptOutcome classifies one execution attempt of the external tool.
// Expected failure paths are carried as values rather than errors so the
// retry loop can branch without unwinding.
type AttemptOutcome string

const (
	// AttemptSuccess means the tool exited zero and produced parseable output.
	AttemptSuccess AttemptOutcome = "success"
	// AttemptTransient means the attempt failed in a way that may succeed on
	// retry: timeout, tool busy, resource contention.
	AttemptTransient AttemptOutcome = "transient-failure"
	// AttemptFatal means retrying cannot help: malformed arguments,
	// incompatible image, tool crash on input.
	AttemptFatal AttemptOutcome = "fatal-failure"
)

// StepOutcome is the final disposition of a workflow step.
type StepOutcome string

const (
	// StepOK means the step produced a genuine normalized result.
	StepOK StepOutcome = "ok"
	// StepFailed means the step exhausted its options without a usable result.
	StepFailed StepOutcome = "failed"
	// StepUsedFallback means a deterministic mock payload was substituted
	// after real execution could not succeed. Never silently equivalent to ok:
	// every consumer sees this flag.
	StepUsedFallback StepOutcome = "used-fallback"
)

// Succeeded reports whether the outcome counts as a completed step for
// session state purposes (ok or used-fallback).
func (o StepOutcome) Succeeded() bool {
	return o == StepOK || o == StepUsedFallback
}
