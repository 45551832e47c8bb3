package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a run would do, without writing anything",
	Long: `Plan collects and sequences the item set, checks the target for
already-migrated items, and prints the intended action per item in
migration order. No writes are issued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, err := buildOrchestrator(cmd.Context(), false)
		if err != nil {
			return err
		}
		actions, err := orch.DryRun(cmd.Context(), runIDs)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tID\tTYPE\tTARGET TYPE\tACTION\tDETAIL")
		for i, a := range actions {
			detail := a.Reason
			if detail == "" && len(a.ChangedFields) > 0 {
				detail = strings.Join(a.ChangedFields, ", ")
			}
			if detail == "" && a.TargetID != 0 {
				detail = fmt.Sprintf("work item %d", a.TargetID)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, a.ID, a.Type, a.TargetType, a.Action, detail)
		}
		return w.Flush()
	},
}

func init() {
	planCmd.Flags().StringSliceVar(&runIDs, "ids", nil, "plan only these source ids (plus their dependencies)")
	planCmd.Flags().StringVar(&runMapping, "mapping", "", "field mapping yaml file (default: built-in mapping)")
	rootCmd.AddCommand(planCmd)
}
