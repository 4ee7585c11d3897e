package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List registered analysis workflows",
	Long: `List every workflow in the catalog: the seeded built-ins plus any
YAML definitions under the home directory's workflows/ folder.`,
	Args: cobra.NoArgs,
	RunE: runWorkflows,
}

func runWorkflows(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTEPS\tREQUIRES\tDESCRIPTION")
	for _, wf := range a.registry.List() {
		caps := make([]string, 0, 4)
		for _, c := range wf.RequiredCapabilities() {
			caps = append(caps, string(c))
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			wf.Name, len(wf.Steps), strings.Join(caps, ","), wf.Description)
	}
	return w.Flush()
}
