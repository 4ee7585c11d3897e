package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/tears-mysthrala/Oroitz/internal/events"
	"github.com/tears-mysthrala/Oroitz/internal/types"
	"github.com/tears-mysthrala/Oroitz/internal/workflow"
)

// stderrExcerptLimit bounds the stderr excerpt kept per attempt.
const stderrExcerptLimit = 1024

// Attempt is the audit record for one subprocess invocation.
type Attempt struct {
	Number    int                  `json:"number"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   time.Time            `json:"ended_at"`
	ExitCode  int                  `json:"exit_code"`
	Stderr    string               `json:"stderr,omitempty"`
	Outcome   types.AttemptOutcome `json:"outcome"`
}

// Request describes one step execution against one image.
type Request struct {
	SessionID types.ID
	Step      workflow.StepSpec
	ImagePath string
}

// Result is the raw outcome of executing one step: the tool's stdout (or
// the mock substitute), the full attempt trail, and the final disposition.
// Normalization and caching are the caller's concern.
type Result struct {
	StepID       string             `json:"step_id"`
	Plugin       string             `json:"plugin"`
	Outcome      types.StepOutcome  `json:"outcome"`
	Attempts     []Attempt          `json:"attempts"`
	Raw          []byte             `json:"-"`
	UsedFallback bool               `json:"used_fallback"`
	Duration     time.Duration      `json:"duration"`
	FailureCause *types.OroitzError `json:"failure_cause,omitempty"`
}

// Executor invokes the external analysis tool as a subprocess, one
// invocation per attempt, with per-attempt timeout, exponential-backoff
// retry for transient failures, and a deterministic mock fallback when
// real execution cannot succeed.
type Executor struct {
	toolPath          string
	retryAttempts     int
	retryBackoff      time.Duration
	perAttemptTimeout time.Duration
	mockFallback      bool

	bus    events.EventBus
	logger *slog.Logger

	versionOnce sync.Once
	version     string
}

// Option is a functional option for configuring the Executor.
type Option func(*Executor)

// WithRetryPolicy sets the transient-failure retry count and the
// exponential backoff base delay.
func WithRetryPolicy(attempts int, backoff time.Duration) Option {
	return func(e *Executor) {
		if attempts >= 0 {
			e.retryAttempts = attempts
		}
		if backoff > 0 {
			e.retryBackoff = backoff
		}
	}
}

// WithPerAttemptTimeout bounds each subprocess invocation.
func WithPerAttemptTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.perAttemptTimeout = timeout
		}
	}
}

// WithMockFallback enables or disables the deterministic mock payload
// substituted when real execution is exhausted or the tool is absent.
func WithMockFallback(enabled bool) Option {
	return func(e *Executor) {
		e.mockFallback = enabled
	}
}

// WithEventBus wires lifecycle event publication.
func WithEventBus(bus events.EventBus) Option {
	return func(e *Executor) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithLogger configures the executor to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Executor invoking the tool at toolPath.
func New(toolPath string, opts ...Option) *Executor {
	e := &Executor{
		toolPath:          toolPath,
		retryAttempts:     2,
		retryBackoff:      time.Second,
		perAttemptTimeout: 5 * time.Minute,
		mockFallback:      true,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Available reports whether the tool binary can be located.
func (e *Executor) Available() bool {
	_, err := exec.LookPath(e.toolPath)
	return err == nil
}

// Version probes the tool once per Executor and caches the answer. An
// unreachable or unversioned tool reports "unknown"; cache keys stay
// stable either way.
func (e *Executor) Version(ctx context.Context) string {
	e.versionOnce.Do(func() {
		e.version = "unknown"

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		out, err := exec.CommandContext(probeCtx, e.toolPath, "--version").Output()
		if err != nil {
			return
		}
		if line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n"); line != "" {
			e.version = line
		}
	})
	return e.version
}

// Execute runs one step to completion: up to retry_attempts+1 subprocess
// invocations for transient failures, then the mock fallback if enabled.
// Fatal failures are never retried. The returned Result carries the full
// attempt trail; an error return is reserved for cancellation.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	plugin := req.Step.PluginName()

	result := &Result{
		StepID: req.Step.ID,
		Plugin: plugin,
	}

	e.publish(ctx, events.EventStepStarted, req, events.StepStartedPayload{
		SessionID: req.SessionID,
		StepID:    req.Step.ID,
		Plugin:    plugin,
		Attempt:   1,
	})

	// A missing binary triggers fallback immediately, without an attempt.
	if _, err := exec.LookPath(e.toolPath); err != nil {
		cause := types.WrapError(types.EXEC_TOOL_NOT_FOUND,
			fmt.Sprintf("analysis tool %q not found", e.toolPath), err)
		e.logger.Warn("analysis tool not found, using fallback", "tool", e.toolPath, "step", req.Step.ID)
		return e.finish(ctx, req, result, start, cause), nil
	}

	var fatal *types.OroitzError

	backoff := retry.WithMaxRetries(uint64(e.retryAttempts), retry.NewExponential(e.retryBackoff))
	retryErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt := e.runAttempt(ctx, req, len(result.Attempts)+1)
		result.Attempts = append(result.Attempts, attempt.Attempt)

		switch attempt.Outcome {
		case types.AttemptSuccess:
			result.Raw = attempt.stdout
			return nil
		case types.AttemptTransient:
			e.publish(ctx, events.EventStepAttemptFailed, req, events.StepAttemptFailedPayload{
				SessionID: req.SessionID,
				StepID:    req.Step.ID,
				Attempt:   attempt.Number,
				Outcome:   types.AttemptTransient,
				Reason:    attempt.reason,
			})
			e.logger.Warn("step attempt failed",
				"step", req.Step.ID,
				"attempt", attempt.Number,
				"reason", attempt.reason)
			return retry.RetryableError(attempt.err)
		default:
			e.publish(ctx, events.EventStepAttemptFailed, req, events.StepAttemptFailedPayload{
				SessionID: req.SessionID,
				StepID:    req.Step.ID,
				Attempt:   attempt.Number,
				Outcome:   types.AttemptFatal,
				Reason:    attempt.reason,
			})
			fatal = types.WrapError(types.EXEC_FAILED,
				fmt.Sprintf("step %s failed fatally: %s", req.Step.ID, attempt.reason), attempt.err)
			return fatal
		}
	})

	if retryErr == nil {
		result.Outcome = types.StepOK
		result.Duration = time.Since(start)
		return result, nil
	}

	if ctx.Err() != nil {
		return nil, types.WrapError(types.EXEC_CANCELLED,
			fmt.Sprintf("step %s cancelled", req.Step.ID), ctx.Err())
	}

	if fatal != nil {
		// Retrying cannot help and the mock would mask a real defect in the
		// step's arguments or image.
		result.Outcome = types.StepFailed
		result.FailureCause = fatal
		result.Duration = time.Since(start)
		return result, nil
	}

	cause := types.WrapRetryableError(types.EXEC_FAILED,
		fmt.Sprintf("step %s exhausted %d attempts", req.Step.ID, len(result.Attempts)), retryErr)
	return e.finish(ctx, req, result, start, cause), nil
}

// finish resolves an unrecoverable execution to either the mock fallback
// or a failed result.
func (e *Executor) finish(ctx context.Context, req Request, result *Result, start time.Time, cause *types.OroitzError) *Result {
	result.Duration = time.Since(start)
	result.FailureCause = cause

	if !e.mockFallback {
		result.Outcome = types.StepFailed
		return result
	}

	result.Raw = MockPayload(result.Plugin)
	result.Outcome = types.StepUsedFallback
	result.UsedFallback = true

	e.publish(ctx, events.EventStepFallback, req, events.StepFallbackPayload{
		SessionID: req.SessionID,
		StepID:    req.Step.ID,
		Attempts:  len(result.Attempts),
		Reason:    cause.Message,
	})
	e.logger.Warn("step fell back to mock payload",
		"step", req.Step.ID,
		"attempts", len(result.Attempts),
		"reason", cause.Message)
	return result
}

// attemptResult carries one attempt's audit record plus the transient
// details the retry loop needs.
type attemptResult struct {
	Attempt
	stdout []byte
	reason string
	err    error
}

// runAttempt performs one bounded subprocess invocation and classifies it.
func (e *Executor) runAttempt(ctx context.Context, req Request, number int) attemptResult {
	attemptCtx, cancel := context.WithTimeout(ctx, e.perAttemptTimeout)
	defer cancel()

	args := buildArgs(req.Step, req.ImagePath)
	cmd := exec.CommandContext(attemptCtx, e.toolPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := attemptResult{Attempt: Attempt{Number: number, StartedAt: time.Now()}}
	e.logger.Debug("running analysis tool", "tool", e.toolPath, "args", strings.Join(args, " "))

	runErr := cmd.Run()
	res.EndedAt = time.Now()
	res.Stderr = excerpt(stderr.String())

	// Streams are fully drained by cmd.Run before classification.
	switch {
	case attemptCtx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Outcome = types.AttemptTransient
		res.reason = fmt.Sprintf("timed out after %v", e.perAttemptTimeout)
		res.err = types.WrapRetryableError(types.EXEC_TIMEOUT, res.reason, attemptCtx.Err())
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Outcome = types.AttemptTransient
		res.reason = "cancelled"
		res.err = ctx.Err()
	case runErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			res.ExitCode = -1
			res.Outcome = types.AttemptTransient
			res.reason = "cannot spawn tool process"
			res.err = types.WrapRetryableError(types.EXEC_SPAWN_FAILED, res.reason, runErr)
			break
		}
		res.ExitCode = exitErr.ExitCode()
		res.Outcome = classifyExit(res.ExitCode)
		res.reason = fmt.Sprintf("exit code %d: %s", res.ExitCode, res.Stderr)
		res.err = runErr
	default:
		res.ExitCode = 0
		res.Outcome = types.AttemptSuccess
		res.stdout = stdout.Bytes()
	}

	return res
}

// classifyExit maps a tool exit code to an attempt outcome. Exit code 2 is
// the tool's usage error: the arguments are malformed and retrying cannot
// help. Everything else non-zero is treated as potentially transient, the
// way timeouts and resource contention surface.
func classifyExit(code int) types.AttemptOutcome {
	if code == 2 {
		return types.AttemptFatal
	}
	return types.AttemptTransient
}

// buildArgs assembles the tool command line:
//
//	<tool> <plugin> --input <imagePath> [--key=value ...]
//
// Plugin arguments are emitted in sorted key order so identical steps
// always produce identical command lines.
func buildArgs(step workflow.StepSpec, imagePath string) []string {
	args := []string{step.PluginName(), "--input", imagePath}

	keys := make([]string, 0, len(step.Args))
	for k := range step.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := step.Args[k].(type) {
		case bool:
			if v {
				args = append(args, "--"+k)
			}
		default:
			args = append(args, fmt.Sprintf("--%s=%v", k, v))
		}
	}
	return args
}

// excerpt truncates stderr to the audit-trail bound, backing off to a rune
// boundary so the cut never produces invalid UTF-8.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrExcerptLimit {
		return s
	}
	cut := stderrExcerptLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (e *Executor) publish(ctx context.Context, eventType events.EventType, req Request, payload any) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, events.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: req.SessionID,
		StepID:    req.Step.ID,
		Payload:   payload,
	})
}
