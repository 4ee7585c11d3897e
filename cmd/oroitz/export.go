package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tears-mysthrala/Oroitz/internal/normalizer"
	"github.com/tears-mysthrala/Oroitz/internal/types"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a persisted session's normalized records",
	Long: `Export the normalized record set of a stored session. JSON keeps the
full nested record shape and can be imported back losslessly; CSV
flattens records into rows with a stable column order.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format (json, csv)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	id, err := types.ParseID(args[0])
	if err != nil {
		return err
	}

	format, err := normalizer.ParseFormat(exportFormat)
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
	if len(snapshot.Results) == 0 {
		return types.NewError(types.SESSION_NO_RESULTS,
			fmt.Sprintf("session %s has no step results to export", id))
	}

	var records []normalizer.Record
	for _, r := range snapshot.Results {
		records = append(records, r.Records...)
	}

	norm, err := normalizer.New()
	if err != nil {
		return err
	}
	data, err := norm.Export(records, format)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
		return err
	}
	cmd.Printf("Exported %d records to %s\n", len(records), exportOutput)
	return nil
}
