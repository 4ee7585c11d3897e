package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tears-mysthrala/Oroitz/internal/cache"
	"github.com/tears-mysthrala/Oroitz/internal/config"
	"github.com/tears-mysthrala/Oroitz/internal/events"
	"github.com/tears-mysthrala/Oroitz/internal/executor"
	"github.com/tears-mysthrala/Oroitz/internal/normalizer"
	"github.com/tears-mysthrala/Oroitz/internal/observability"
	"github.com/tears-mysthrala/Oroitz/internal/types"
	"github.com/tears-mysthrala/Oroitz/internal/workflow"
)

const tracerName = "oroitz/session"

// Store persists session snapshots. Persistence failures are logged and
// never fail orchestration.
type Store interface {
	SaveSession(ctx context.Context, snapshot Snapshot) error
}

// Orchestrator drives sessions to completion: it resolves workflows,
// schedules steps on a bounded worker pool, and folds cache, executor,
// and normalizer results into the session in declared order.
type Orchestrator struct {
	cfg      config.Config
	registry *workflow.Registry
	exec     *executor.Executor
	norm     *normalizer.Normalizer
	cache    *cache.Cache
	bus      events.EventBus
	store    Store
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option is a functional option for configuring the Orchestrator.
type Option func(*Orchestrator)

// WithEventBus wires lifecycle event publication.
func WithEventBus(bus events.EventBus) Option {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithStore wires session persistence.
func WithStore(store Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithLogger configures the orchestrator to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithExecutor replaces the config-derived executor.
func WithExecutor(exec *executor.Executor) Option {
	return func(o *Orchestrator) {
		if exec != nil {
			o.exec = exec
		}
	}
}

// NewOrchestrator builds an Orchestrator from a validated configuration
// and a populated workflow registry.
func NewOrchestrator(cfg config.Config, registry *workflow.Registry, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		opt(o)
	}

	norm, err := normalizer.New(
		normalizer.WithDropThreshold(cfg.Normalize.DropThreshold),
		normalizer.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	o.norm = norm

	if cfg.Cache.Enabled {
		c, err := cache.New(cfg.Cache.Root, cache.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		o.cache = c
	}

	// The executor is config-derived unless the caller supplied one.
	if o.exec == nil {
		toolPath := cfg.Executor.ToolPath
		if toolPath == "" {
			toolPath = "vol"
		}
		o.exec = executor.New(toolPath,
			executor.WithRetryPolicy(cfg.Executor.RetryAttempts, cfg.Executor.RetryBackoff),
			executor.WithPerAttemptTimeout(cfg.Executor.PerAttemptTimeout),
			executor.WithMockFallback(cfg.Executor.MockFallbackEnabled),
			executor.WithEventBus(o.bus),
			executor.WithLogger(o.logger))
	}

	return o, nil
}

// NewSession creates a session bound to an image and workflow. Workflow
// compatibility is checked here, before any subprocess could be spawned.
// Extra capabilities supplement those inferred from the image itself.
func (o *Orchestrator) NewSession(ctx context.Context, imagePath, workflowName string, caps ...types.Capability) (*Session, error) {
	image, err := types.NewImageRef(imagePath, caps...)
	if err != nil {
		return nil, err
	}

	wf, err := o.registry.Resolve(workflowName, image.Capabilities)
	if err != nil {
		return nil, err
	}

	sess := newSession(image, workflowName, o.cfg)

	o.publish(ctx, events.EventSessionCreated, sess, "", events.SessionCreatedPayload{
		SessionID:    sess.ID(),
		WorkflowName: workflowName,
		ImagePath:    imagePath,
		StepCount:    len(wf.Steps),
	})
	o.persist(ctx, sess)

	o.logger.Info("session created",
		"session", sess.ID(),
		"workflow", workflowName,
		"image", imagePath,
		"steps", len(wf.Steps))
	return sess, nil
}

// Run executes the session's workflow to a terminal state. It may be
// called exactly once per session; re-invocation fails with an
// invalid-state error. Step failures do not surface as a Run error: they
// are recorded on the session so partial success stays inspectable.
func (o *Orchestrator) Run(ctx context.Context, sess *Session) error {
	if err := sess.transition(StateRunning); err != nil {
		return err
	}
	o.persist(ctx, sess)

	wf, err := o.registry.Resolve(sess.WorkflowName(), sess.Image().Capabilities)
	if err != nil {
		// Registry contents changed since creation.
		sess.setFailure(asOroitzError(err))
		_ = sess.transition(StateFailed)
		o.persist(ctx, sess)
		return err
	}

	ctx, span := o.tracer.Start(ctx, "session.run",
		trace.WithAttributes(
			observability.AttrSessionID.String(sess.ID().String()),
			observability.AttrWorkflowName.String(wf.Name)))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.setCancelFunc(cancel)

	start := time.Now()
	o.schedule(runCtx, cancel, sess, wf)

	state := o.finalState(sess)
	_ = sess.transition(state)
	o.persist(ctx, sess)
	o.publishTerminal(ctx, sess, state, time.Since(start))

	o.logger.Info("session finished",
		"session", sess.ID(),
		"state", state,
		"steps", len(sess.Results(ResultFilter{})),
		"duration", time.Since(start))
	return nil
}

// Cancel requests cancellation. An in-flight subprocess is terminated
// through context propagation; the session reaches cancelled once no
// workers remain active. Cancelling a created session is immediate.
func (o *Orchestrator) Cancel(ctx context.Context, sess *Session) error {
	switch sess.State() {
	case StateCreated:
		sess.requestCancel()
		if err := sess.transition(StateCancelled); err != nil {
			return err
		}
		o.persist(ctx, sess)
		o.publishTerminal(ctx, sess, StateCancelled, 0)
		return nil
	case StateRunning:
		sess.requestCancel()
		return nil
	default:
		return types.NewError(types.SESSION_INVALID_STATE,
			fmt.Sprintf("cannot cancel session %s in state %s", sess.ID(), sess.State()))
	}
}

// Export encodes the session's accumulated records in the given format.
// Fails when no step has completed yet.
func (o *Orchestrator) Export(sess *Session, format normalizer.Format) ([]byte, error) {
	results := sess.Results(ResultFilter{})
	if len(results) == 0 {
		return nil, types.NewError(types.SESSION_NO_RESULTS,
			fmt.Sprintf("session %s has no step results to export", sess.ID()))
	}

	var records []normalizer.Record
	for _, r := range results {
		records = append(records, r.Records...)
	}
	return o.norm.Export(records, format)
}

// schedule runs workflow steps on a bounded worker pool. Dependent steps
// wait for their dependencies; completed-but-out-of-order results are
// buffered and flushed to the session in declared order.
func (o *Orchestrator) schedule(ctx context.Context, abort context.CancelFunc, sess *Session, wf workflow.Workflow) {
	steps := wf.Steps
	indexByID := make(map[string]int, len(steps))
	for i, step := range steps {
		indexByID[step.ID] = i
	}

	sem := semaphore.NewWeighted(int64(o.cfg.Core.MaxWorkers))
	done := make([]chan struct{}, len(steps))
	results := make([]*StepResult, len(steps))
	for i := range done {
		done[i] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for i := range steps {
		wg.Add(1)
		go func(i int, step workflow.StepSpec) {
			defer wg.Done()
			defer close(done[i])

			// record applies failure propagation no matter how the step
			// reached its result: a failed step without continue_on_error
			// fails the session, even when the failure was inherited from
			// a dependency.
			record := func(result *StepResult) {
				results[i] = result
				failed := result.Outcome == types.StepFailed
				scopeWorkflow := o.cfg.Normalize.FailureScope == config.FailureScopeWorkflow &&
					result.Error != nil && result.Error.Code == types.NORMALIZE_THRESHOLD
				if failed && (!step.ContinueOnError || scopeWorkflow) {
					sess.setFailure(result.Error)
					abort()
				}
			}

			// Dependencies resolve strictly before dispatch.
			for _, depID := range step.DependsOn {
				depIdx, ok := indexByID[depID]
				if !ok {
					continue
				}
				select {
				case <-done[depIdx]:
				case <-ctx.Done():
					return
				}
				dep := results[depIdx]
				if dep == nil || !dep.Outcome.Succeeded() {
					record(&StepResult{
						StepID:  step.ID,
						Outcome: types.StepFailed,
						Error: types.NewError(types.EXEC_FAILED,
							fmt.Sprintf("dependency %s did not succeed", depID)),
					})
					return
				}
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			if ctx.Err() != nil {
				return
			}

			result := o.runStep(ctx, sess, step)
			if result == nil {
				return
			}
			record(result)
		}(i, steps[i])
	}

	// Ordered flush: results are appended in declared order regardless of
	// completion order, so the result set is deterministic.
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for i := range steps {
			<-done[i]
			if results[i] != nil {
				sess.appendResult(*results[i])
				o.persist(ctx, sess)
			}
		}
	}()

	wg.Wait()
	<-flushDone
}

// runStep resolves one step: cache, then real execution, then
// normalization. Returns nil when the step was cancelled before producing
// a result.
func (o *Orchestrator) runStep(ctx context.Context, sess *Session, step workflow.StepSpec) *StepResult {
	ctx, span := o.tracer.Start(ctx, "step.execute",
		trace.WithAttributes(
			observability.AttrStepID.String(step.ID),
			observability.AttrStepPlugin.String(step.PluginName())))
	defer span.End()

	start := time.Now()

	key := cache.Key{
		ImageFingerprint: sess.Image().Fingerprint,
		StepID:           step.ID,
		Args:             step.Args,
		ToolVersion:      o.exec.Version(ctx),
	}

	if cached := o.tryCache(ctx, sess, step, key); cached != nil {
		cached.Duration = time.Since(start)
		o.publishStepCompleted(ctx, sess, *cached)
		return cached
	}

	execResult, err := o.exec.Execute(ctx, executor.Request{
		SessionID: sess.ID(),
		Step:      step,
		ImagePath: sess.Image().Path,
	})
	if err != nil {
		// Cancelled mid-attempt; no result to record.
		return nil
	}

	result := StepResult{
		StepID:       step.ID,
		Outcome:      execResult.Outcome,
		Attempts:     execResult.Attempts,
		UsedFallback: execResult.UsedFallback,
		Error:        execResult.FailureCause,
	}

	if execResult.Outcome == types.StepFailed {
		result.Duration = time.Since(start)
		o.publishStepCompleted(ctx, sess, result)
		return &result
	}

	norm, err := o.norm.Normalize(step.ID, step.SchemaID, execResult.Raw)
	if err != nil {
		result.Outcome = types.StepFailed
		result.Error = asOroitzError(err)
		result.Duration = time.Since(start)
		o.publishStepCompleted(ctx, sess, result)
		return &result
	}

	result.Records = norm.Records
	result.Dropped = norm.Dropped

	if norm.Dropped > 0 {
		o.publish(ctx, events.EventRecordDropped, sess, step.ID, events.RecordDroppedPayload{
			SessionID: sess.ID(),
			StepID:    step.ID,
			Reason:    firstReason(norm.DropReasons),
			Dropped:   norm.Dropped,
			Total:     norm.Total,
		})
	}

	if norm.ThresholdBreached {
		// Distinguishes "legitimately no results" from output the
		// normalizer could not understand.
		result.Outcome = types.StepFailed
		result.Error = types.NewError(types.NORMALIZE_THRESHOLD,
			fmt.Sprintf("step %s: %d of %d records dropped", step.ID, norm.Dropped, norm.Total))
		result.Duration = time.Since(start)
		o.publishStepCompleted(ctx, sess, result)
		return &result
	}

	// Genuine results for idempotent steps are cached; mock payloads are
	// not, so a fallback can never resurface as a cache hit.
	if o.cache != nil && step.Idempotent && result.Outcome == types.StepOK {
		o.storeInCache(ctx, sess, step, key, norm.Records)
	}

	result.Duration = time.Since(start)
	o.publishStepCompleted(ctx, sess, result)
	return &result
}

// tryCache returns a cache-backed StepResult, or nil on miss. Cache I/O
// failures degrade to recomputation.
func (o *Orchestrator) tryCache(ctx context.Context, sess *Session, step workflow.StepSpec, key cache.Key) *StepResult {
	if o.cache == nil || !step.Idempotent {
		return nil
	}

	entry, ok := o.cache.Get(key)
	if !ok {
		return nil
	}

	records, err := normalizer.Import(entry.Payload)
	if err != nil {
		o.logger.Warn("cache entry undecodable, recomputing", "key", key.String(), "error", err)
		o.publish(ctx, events.EventCacheDegraded, sess, step.ID, events.CacheDegradedPayload{
			SessionID: sess.ID(),
			StepID:    step.ID,
			Operation: "get",
			Error:     err.Error(),
		})
		return nil
	}

	o.publish(ctx, events.EventCacheHit, sess, step.ID, events.CacheHitPayload{
		SessionID: sess.ID(),
		StepID:    step.ID,
		Key:       key.String(),
	})

	return &StepResult{
		StepID:   step.ID,
		Outcome:  types.StepOK,
		Records:  records,
		CacheHit: true,
	}
}

// storeInCache persists normalized records, degrading on failure.
func (o *Orchestrator) storeInCache(ctx context.Context, sess *Session, step workflow.StepSpec, key cache.Key, records []normalizer.Record) {
	payload, err := o.norm.Export(records, normalizer.FormatJSON)
	if err == nil {
		err = o.cache.Put(key, payload)
	}
	if err != nil {
		o.logger.Warn("cache write failed", "key", key.String(), "error", err)
		o.publish(ctx, events.EventCacheDegraded, sess, step.ID, events.CacheDegradedPayload{
			SessionID: sess.ID(),
			StepID:    step.ID,
			Operation: "put",
			Error:     err.Error(),
		})
	}
}

// finalState decides the terminal state once all workers have stopped.
func (o *Orchestrator) finalState(sess *Session) State {
	if sess.cancelWasRequested() {
		return StateCancelled
	}
	if sess.Failure() != nil {
		return StateFailed
	}
	return StateCompleted
}

func (o *Orchestrator) publishTerminal(ctx context.Context, sess *Session, state State, duration time.Duration) {
	results := sess.Results(ResultFilter{})
	executed := len(results)

	switch state {
	case StateCompleted:
		fallbacks, hits := 0, 0
		for _, r := range results {
			if r.UsedFallback {
				fallbacks++
			}
			if r.CacheHit {
				hits++
			}
		}
		o.publish(ctx, events.EventSessionCompleted, sess, "", events.SessionCompletedPayload{
			SessionID:     sess.ID(),
			Duration:      duration,
			StepsExecuted: executed,
			FallbackSteps: fallbacks,
			CacheHits:     hits,
		})
	case StateFailed:
		msg := ""
		if f := sess.Failure(); f != nil {
			msg = f.Error()
		}
		o.publish(ctx, events.EventSessionFailed, sess, "", events.SessionFailedPayload{
			SessionID:     sess.ID(),
			Error:         msg,
			Duration:      duration,
			StepsExecuted: executed,
		})
	case StateCancelled:
		o.publish(ctx, events.EventSessionCancelled, sess, "", events.SessionCancelledPayload{
			SessionID:     sess.ID(),
			Duration:      duration,
			StepsExecuted: executed,
		})
	}
}

func (o *Orchestrator) publishStepCompleted(ctx context.Context, sess *Session, result StepResult) {
	o.publish(ctx, events.EventStepCompleted, sess, result.StepID, events.StepCompletedPayload{
		SessionID:   sess.ID(),
		StepID:      result.StepID,
		Outcome:     result.Outcome,
		CacheHit:    result.CacheHit,
		RecordCount: len(result.Records),
		Duration:    result.Duration,
	})
}

func (o *Orchestrator) publish(ctx context.Context, eventType events.EventType, sess *Session, stepID string, payload any) {
	if o.bus == nil {
		return
	}

	event := events.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sess.ID(),
		StepID:    stepID,
		Payload:   payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.SpanID = sc.SpanID().String()
	}
	_ = o.bus.Publish(ctx, event)
}

// persist saves the session snapshot. Persistence is best-effort.
func (o *Orchestrator) persist(ctx context.Context, sess *Session) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveSession(ctx, sess.Snapshot()); err != nil {
		o.logger.Warn("session persistence failed", "session", sess.ID(), "error", err)
	}
}

func asOroitzError(err error) *types.OroitzError {
	var oerr *types.OroitzError
	if errors.As(err, &oerr) {
		return oerr
	}
	return types.WrapError(types.EXEC_FAILED, "execution failed", err)
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[0]
}
