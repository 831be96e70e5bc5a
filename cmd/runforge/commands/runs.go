package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsAuditCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		graphID string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			runs, err := rt.store.ListRuns(ctx, stores.RunFilter{
				GraphID: graphID,
				Status:  status,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}
			for _, run := range runs {
				mode := "live"
				if run.DryRun {
					mode = "dry"
				}
				fmt.Printf("%s  %-20s %-18s %-4s %s\n",
					run.ID, run.GraphID, run.Status, mode, run.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&graphID, "graph", "", "filter by graph ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")

	return cmd
}

func newRunsAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <run-id>",
		Short: "Print a run's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if _, err := rt.store.GetRun(ctx, args[0]); err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("run %s not found", args[0])
				}
				return err
			}

			events, err := rt.store.ListAuditEvents(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}

			for _, event := range events {
				stepID := "-"
				if event.StepID != nil {
					stepID = *event.StepID
				}
				fmt.Printf("%s  %-20s %-16s %s\n",
					event.Timestamp.Format("15:04:05.000"), event.EventType, stepID, event.Details)
			}
			return nil
		},
	}

	return cmd
}
