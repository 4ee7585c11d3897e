package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tears-mysthrala/Oroitz/internal/config"
	"github.com/tears-mysthrala/Oroitz/internal/events"
	"github.com/tears-mysthrala/Oroitz/internal/normalizer"
	"github.com/tears-mysthrala/Oroitz/internal/session"
	"github.com/tears-mysthrala/Oroitz/internal/types"
)

var (
	runMaxWorkers int
	runToolPath   string
	runNoFallback bool
	runOSCap      string
	runExportPath string
	runFormat     string
	runProgress   bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow> <image>",
	Short: "Run an analysis workflow against a memory image",
	Long: `Create a session binding the image to the named workflow and run it
to completion. Step results stream to the session record as they
complete; interrupting the run cancels the active subprocess and leaves
the session in the cancelled state.`,
	Example: `  # Run the seeded triage workflow
  oroitz run quick-triage /evidence/memdump.vmem

  # Run with more workers and export the results
  oroitz run quick-triage /evidence/memdump.vmem --max-workers 4 \
    --export results.csv --format csv

  # A Linux image needs its capability stated when the filename is ambiguous
  oroitz run quick-triage /evidence/host.raw --os linux`,
	Args: cobra.ExactArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxWorkers, "max-workers", 0, "worker pool size (0 = configured default)")
	runCmd.Flags().StringVar(&runToolPath, "tool", "", "analysis tool binary (overrides config)")
	runCmd.Flags().BoolVar(&runNoFallback, "no-fallback", false, "fail steps instead of substituting mock data")
	runCmd.Flags().StringVar(&runOSCap, "os", "", "image OS capability (windows, linux, mac)")
	runCmd.Flags().StringVar(&runExportPath, "export", "", "write results to this file after the run")
	runCmd.Flags().StringVar(&runFormat, "format", "json", "export format (json, csv)")
	runCmd.Flags().BoolVar(&runProgress, "progress", true, "print step progress")
}

func runRun(cmd *cobra.Command, args []string) error {
	workflowName, imagePath := args[0], args[1]
	ctx := cmd.Context()

	var overrides []config.Override
	if runMaxWorkers > 0 {
		overrides = append(overrides, config.WithMaxWorkers(runMaxWorkers))
	}
	if runToolPath != "" {
		overrides = append(overrides, config.WithToolPath(runToolPath))
	}
	if runNoFallback {
		overrides = append(overrides, config.WithMockFallback(false))
	}

	format, err := normalizer.ParseFormat(runFormat)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, overrides...)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	var caps []types.Capability
	if runOSCap != "" {
		caps = append(caps, types.Capability(runOSCap))
	}

	sess, err := a.orch.NewSession(ctx, imagePath, workflowName, caps...)
	if err != nil {
		return err
	}
	cmd.Printf("Session %s created for workflow %q\n", sess.ID(), workflowName)

	stopProgress := func() {}
	if runProgress {
		stopProgress = watchProgress(ctx, cmd, a, sess)
	}

	// Interrupt cancels the session rather than abandoning the subprocess.
	runCtx := context.Background()
	go func() {
		<-ctx.Done()
		_ = a.orch.Cancel(runCtx, sess)
	}()

	if err := a.orch.Run(runCtx, sess); err != nil {
		stopProgress()
		return err
	}
	stopProgress()

	printSummary(cmd, sess)

	if sess.State() == session.StateFailed {
		if f := sess.Failure(); f != nil {
			return f
		}
		return types.NewError(types.EXEC_FAILED, "workflow failed")
	}

	if runExportPath != "" {
		data, err := a.orch.Export(sess, format)
		if err != nil {
			return err
		}
		if err := os.WriteFile(runExportPath, data, 0o644); err != nil {
			return err
		}
		cmd.Printf("Results written to %s\n", runExportPath)
	}
	return nil
}

// watchProgress subscribes to the event bus and prints step lifecycle
// lines until stopped.
func watchProgress(ctx context.Context, cmd *cobra.Command, a *app, sess *session.Session) func() {
	ch, cleanup := a.bus.Subscribe(ctx, events.Filter{
		SessionID: sess.ID(),
		Types: []events.EventType{
			events.EventStepStarted,
			events.EventStepAttemptFailed,
			events.EventStepFallback,
			events.EventStepCompleted,
		},
	}, 64)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			switch p := ev.Payload.(type) {
			case events.StepStartedPayload:
				cmd.Printf("  > %s started\n", p.StepID)
			case events.StepAttemptFailedPayload:
				cmd.Printf("  ! %s attempt %d failed: %s\n", p.StepID, p.Attempt, p.Reason)
			case events.StepFallbackPayload:
				cmd.Printf("  ~ %s using mock fallback after %d attempts\n", p.StepID, p.Attempts)
			case events.StepCompletedPayload:
				marker := "ok"
				switch {
				case p.CacheHit:
					marker = "cached"
				case p.Outcome == types.StepUsedFallback:
					marker = "fallback"
				case p.Outcome == types.StepFailed:
					marker = "FAILED"
				}
				cmd.Printf("  = %s %s (%d records, %s)\n",
					p.StepID, marker, p.RecordCount, p.Duration.Round(time.Millisecond))
			}
		}
	}()

	return func() {
		cleanup()
		<-done
	}
}

func printSummary(cmd *cobra.Command, sess *session.Session) {
	results := sess.Results(session.ResultFilter{})

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tOUTCOME\tRECORDS\tDROPPED\tCACHE\tATTEMPTS")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%d\n",
			r.StepID, r.Outcome, len(r.Records), r.Dropped, r.CacheHit, len(r.Attempts))
	}
	w.Flush()

	cmd.Printf("Session %s: %s\n", sess.ID(), sess.State())
}
