package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted analysis sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's step results",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	snapshots, err := a.dao.ListSessions(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATE\tSTEPS\tIMAGE\tUPDATED")
	for _, s := range snapshots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.WorkflowName, s.State, len(s.Results), s.ImagePath,
			s.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	id, err := types.ParseID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	snapshot, err := a.dao.GetSession(cmd.Context(), id)
	if err != nil {
		return err
	}

	cmd.Printf("Session:   %s\n", snapshot.ID)
	cmd.Printf("Workflow:  %s\n", snapshot.WorkflowName)
	cmd.Printf("Image:     %s (%s)\n", snapshot.ImagePath, snapshot.Fingerprint[:12])
	cmd.Printf("State:     %s\n", snapshot.State)
	cmd.Printf("Created:   %s\n", snapshot.CreatedAt.Local().Format(time.RFC3339))
	cmd.Printf("Updated:   %s\n", snapshot.UpdatedAt.Local().Format(time.RFC3339))
	if snapshot.Failure != nil {
		cmd.Printf("Failure:   %s\n", snapshot.Failure.Error())
	}
	cmd.Println()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tOUTCOME\tRECORDS\tDROPPED\tCACHE\tATTEMPTS\tDURATION")
	for _, r := range snapshot.Results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%d\t%s\n",
			r.StepID, r.Outcome, len(r.Records), r.Dropped, r.CacheHit,
			len(r.Attempts), r.Duration.Round(time.Millisecond))
	}
	return w.Flush()
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	id, err := types.ParseID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	if err := a.dao.DeleteSession(cmd.Context(), id); err != nil {
		return err
	}
	cmd.Printf("Session %s deleted\n", id)
	return nil
}
