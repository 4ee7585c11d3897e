package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tears-mysthrala/Oroitz/internal/config"
	"github.com/tears-mysthrala/Oroitz/internal/events"
	"github.com/tears-mysthrala/Oroitz/internal/normalizer"
	"github.com/tears-mysthrala/Oroitz/internal/types"
	"github.com/tears-mysthrala/Oroitz/internal/workflow"
)

// writeTool installs a fake analysis tool and returns its path. The
// script receives the plugin identifier as its first argument.
func writeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

// writeImage creates a fake memory image. The .vmem suffix infers the
// windows capability.
func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memdump.vmem")
	require.NoError(t, os.WriteFile(path, []byte("fake image contents"), 0o644))
	return path
}

func testConfig(t *testing.T, toolPath string) config.Config {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.Core.MaxWorkers = 2
	cfg.Executor.ToolPath = toolPath
	cfg.Executor.RetryAttempts = 1
	cfg.Executor.RetryBackoff = time.Millisecond
	cfg.Executor.PerAttemptTimeout = 5 * time.Second
	cfg.Cache.Root = t.TempDir()
	return cfg
}

func testRegistry(t *testing.T, workflows ...workflow.Workflow) *workflow.Registry {
	t.Helper()
	r := workflow.NewRegistry()
	for _, wf := range workflows {
		require.NoError(t, r.Register(wf))
	}
	return r
}

func processStep(id string) workflow.StepSpec {
	return workflow.StepSpec{ID: id, SchemaID: "process", Idempotent: true}
}

func TestOrchestrator_RunHappyPath(t *testing.T) {
	tool := writeTool(t, `echo '[{"PID": 4, "ImageFileName": "System"}]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "triage")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, sess.State())

	require.NoError(t, o.Run(context.Background(), sess))
	assert.Equal(t, StateCompleted, sess.State())

	results := sess.Results(ResultFilter{})
	require.Len(t, results, 1)
	assert.Equal(t, types.StepOK, results[0].Outcome)
	assert.False(t, results[0].CacheHit)
	assert.False(t, results[0].UsedFallback)
	require.Len(t, results[0].Records, 1)
	assert.Equal(t, 4, results[0].Records[0].Fields["pid"])
}

func TestOrchestrator_ResultsOrderedByDeclaration(t *testing.T) {
	// The first declared step is the slowest; with two workers the second
	// independent step finishes first, and the dependent third step runs
	// strictly after its dependency.
	tool := writeTool(t, `
case "$1" in
  slow.pslist) sleep 0.3 ;;
esac
echo '[{"PID": 4, "ImageFileName": "System"}]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name: "ordered",
		Steps: []workflow.StepSpec{
			processStep("slow.pslist"),
			processStep("fast.psscan"),
			{ID: "dependent.pstree", SchemaID: "process", Idempotent: true, DependsOn: []string{"slow.pslist"}},
		},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "ordered")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), sess))

	require.Equal(t, StateCompleted, sess.State())
	results := sess.Results(ResultFilter{})
	require.Len(t, results, 3)
	assert.Equal(t, "slow.pslist", results[0].StepID)
	assert.Equal(t, "fast.psscan", results[1].StepID)
	assert.Equal(t, "dependent.pstree", results[2].StepID)
}

func TestOrchestrator_RerunFailsWithInvalidState(t *testing.T) {
	tool := writeTool(t, `echo '[]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "triage")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), sess))

	err = o.Run(context.Background(), sess)
	require.Error(t, err)

	var oerr *types.OroitzError
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, types.SESSION_INVALID_STATE, oerr.Code)
}

func TestOrchestrator_CancelMidRun(t *testing.T) {
	tool := writeTool(t, `sleep 10`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "slow",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	cfg := testConfig(t, tool)
	cfg.Executor.RetryAttempts = 0
	o, err := NewOrchestrator(cfg, registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "slow")
	require.NoError(t, err)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = o.Run(context.Background(), sess)
	}()

	require.Eventually(t, func() bool { return sess.State() == StateRunning },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, o.Cancel(context.Background(), sess))

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after cancellation")
	}

	assert.Equal(t, StateCancelled, sess.State())
}

func TestOrchestrator_CancelCreatedSession(t *testing.T) {
	tool := writeTool(t, `echo '[]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "triage")
	require.NoError(t, err)

	require.NoError(t, o.Cancel(context.Background(), sess))
	assert.Equal(t, StateCancelled, sess.State())

	err = o.Cancel(context.Background(), sess)
	require.Error(t, err, "terminal states are immutable")
}

func TestOrchestrator_SecondRunHitsCache(t *testing.T) {
	tool := writeTool(t, `echo '[{"PID": 4, "ImageFileName": "System"}]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	cfg := testConfig(t, tool)
	o, err := NewOrchestrator(cfg, registry)
	require.NoError(t, err)

	image := writeImage(t)

	first, err := o.NewSession(context.Background(), image, "triage")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), first))
	firstResults := first.Results(ResultFilter{})
	require.Len(t, firstResults, 1)
	require.False(t, firstResults[0].CacheHit)

	second, err := o.NewSession(context.Background(), image, "triage")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), second))

	secondResults := second.Results(ResultFilter{})
	require.Len(t, secondResults, 1)
	assert.True(t, secondResults[0].CacheHit)
	assert.Empty(t, secondResults[0].Attempts, "a cache hit makes no execution attempt")
	assert.False(t, secondResults[0].UsedFallback)
	assert.Equal(t, firstResults[0].Records, secondResults[0].Records,
		"cached output must be identical to the original run")
}

func TestOrchestrator_FallbackResultIsNotCached(t *testing.T) {
	tool := writeTool(t, `exit 1`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	cfg := testConfig(t, tool)
	o, err := NewOrchestrator(cfg, registry)
	require.NoError(t, err)

	image := writeImage(t)

	first, err := o.NewSession(context.Background(), image, "triage")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), first))
	require.True(t, first.Results(ResultFilter{})[0].UsedFallback)

	second, err := o.NewSession(context.Background(), image, "triage")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), second))

	result := second.Results(ResultFilter{})[0]
	assert.False(t, result.CacheHit, "fallback payloads must not resurface as cache hits")
	assert.True(t, result.UsedFallback)
}

func TestOrchestrator_FullyInvalidOutputFailsStep(t *testing.T) {
	tool := writeTool(t, `echo '[{"PID": "garbage"}, {"PID": "noise"}]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "triage")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), sess))

	assert.Equal(t, StateFailed, sess.State())
	results := sess.Results(ResultFilter{})
	require.Len(t, results, 1)
	assert.Equal(t, types.StepFailed, results[0].Outcome)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, types.NORMALIZE_THRESHOLD, results[0].Error.Code)
}

func TestOrchestrator_ContinueOnError(t *testing.T) {
	tool := writeTool(t, `
case "$1" in
  bad.step) echo "boom" >&2; exit 2 ;;
esac
echo '[{"PID": 4, "ImageFileName": "System"}]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name: "tolerant",
		Steps: []workflow.StepSpec{
			{ID: "bad.step", SchemaID: "process", Idempotent: true, ContinueOnError: true},
			processStep("windows.pslist"),
		},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "tolerant")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), sess))

	assert.Equal(t, StateCompleted, sess.State())
	results := sess.Results(ResultFilter{})
	require.Len(t, results, 2)
	assert.Equal(t, types.StepFailed, results[0].Outcome)
	assert.Equal(t, types.StepOK, results[1].Outcome)
}

func TestOrchestrator_DependentStepSkippedOnFailedDependency(t *testing.T) {
	tool := writeTool(t, `echo "bad args" >&2; exit 2`)
	registry := testRegistry(t, workflow.Workflow{
		Name: "chained",
		Steps: []workflow.StepSpec{
			{ID: "root.step", SchemaID: "process", Idempotent: true, ContinueOnError: true},
			{ID: "child.step", SchemaID: "process", Idempotent: true,
				DependsOn: []string{"root.step"}, ContinueOnError: true},
		},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "chained")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), sess))

	results := sess.Results(ResultFilter{})
	require.Len(t, results, 2)
	assert.Equal(t, types.StepFailed, results[1].Outcome)
	assert.Empty(t, results[1].Attempts, "a skipped dependent step must not run")
	assert.Equal(t, StateCompleted, sess.State())
}

func TestOrchestrator_InheritedFailureFailsSessionWithoutContinueOnError(t *testing.T) {
	// The root step tolerates its own failure, but the dependent does not
	// tolerate the inherited one: the session must end failed.
	tool := writeTool(t, `echo "bad args" >&2; exit 2`)
	registry := testRegistry(t, workflow.Workflow{
		Name: "strict-chain",
		Steps: []workflow.StepSpec{
			{ID: "root.step", SchemaID: "process", Idempotent: true, ContinueOnError: true},
			{ID: "child.step", SchemaID: "process", Idempotent: true,
				DependsOn: []string{"root.step"}},
		},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "strict-chain")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), sess))

	assert.Equal(t, StateFailed, sess.State())
	require.NotNil(t, sess.Failure())
	assert.Equal(t, types.EXEC_FAILED, sess.Failure().Code)

	results := sess.Results(ResultFilter{})
	require.Len(t, results, 2)
	assert.Equal(t, types.StepFailed, results[1].Outcome)
	assert.Empty(t, results[1].Attempts)
}

func TestOrchestrator_ExportBeforeResults(t *testing.T) {
	tool := writeTool(t, `echo '[]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "triage")
	require.NoError(t, err)

	_, err = o.Export(sess, normalizer.FormatJSON)
	require.Error(t, err)

	var oerr *types.OroitzError
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, types.SESSION_NO_RESULTS, oerr.Code)
}

func TestOrchestrator_ExportAfterRun(t *testing.T) {
	tool := writeTool(t, `echo '[{"PID": 4, "ImageFileName": "System"}]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	sess, err := o.NewSession(context.Background(), writeImage(t), "triage")
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), sess))

	data, err := o.Export(sess, normalizer.FormatJSON)
	require.NoError(t, err)

	records, err := normalizer.Import(data)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "windows.pslist", records[0].SourceStep)

	csvData, err := o.Export(sess, normalizer.FormatCSV)
	require.NoError(t, err)
	assert.Contains(t, string(csvData), "pid")
}

func TestOrchestrator_NewSessionUnknownWorkflow(t *testing.T) {
	tool := writeTool(t, `echo '[]'`)
	o, err := NewOrchestrator(testConfig(t, tool), testRegistry(t))
	require.NoError(t, err)

	_, err = o.NewSession(context.Background(), writeImage(t), "no-such-workflow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrUnknownWorkflow))
}

func TestOrchestrator_NewSessionIncompatibleWorkflow(t *testing.T) {
	tool := writeTool(t, `echo '[]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name: "linux-only",
		Steps: []workflow.StepSpec{{
			ID: "linux.pslist", SchemaID: "process", Idempotent: true,
			Requires: []types.Capability{types.CapabilityLinux},
		}},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry)
	require.NoError(t, err)

	// A .vmem image infers windows, not linux.
	_, err = o.NewSession(context.Background(), writeImage(t), "linux-only")
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrIncompatibleWorkflow))
}

func TestOrchestrator_PublishesLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, events.Filter{}, 64)
	defer cleanup()

	tool := writeTool(t, `echo '[{"PID": 4, "ImageFileName": "System"}]'`)
	registry := testRegistry(t, workflow.Workflow{
		Name:  "triage",
		Steps: []workflow.StepSpec{processStep("windows.pslist")},
	})

	o, err := NewOrchestrator(testConfig(t, tool), registry, WithEventBus(bus))
	require.NoError(t, err)

	sess, err := o.NewSession(ctx, writeImage(t), "triage")
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, sess))

	seen := map[events.EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[events.EventSessionCompleted] {
		select {
		case ev := <-ch:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing session.completed; saw %v", seen)
		}
	}

	assert.True(t, seen[events.EventSessionCreated])
	assert.True(t, seen[events.EventStepStarted])
	assert.True(t, seen[events.EventStepCompleted])
}

func TestSessionStateMachine(t *testing.T) {
	cases := []struct {
		from State
		to   State
		ok   bool
	}{
		{StateCreated, StateRunning, true},
		{StateCreated, StateCancelled, true},
		{StateCreated, StateCompleted, false},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateRunning, false},
		{StateCancelled, StateRunning, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StateCreated.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
}

func TestResultFilter(t *testing.T) {
	results := []StepResult{
		{StepID: "a", Outcome: types.StepOK},
		{StepID: "b", Outcome: types.StepFailed},
		{StepID: "c", Outcome: types.StepUsedFallback},
	}

	sess := &Session{results: results, state: StateCompleted}

	assert.Len(t, sess.Results(ResultFilter{}), 3)
	assert.Len(t, sess.Results(ResultFilter{StepIDs: []string{"a", "c"}}), 2)
	assert.Len(t, sess.Results(ResultFilter{Outcomes: []types.StepOutcome{types.StepFailed}}), 1)
	assert.Len(t, sess.Results(ResultFilter{
		StepIDs:  []string{"a"},
		Outcomes: []types.StepOutcome{types.StepFailed},
	}), 0)
}
