package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/contract"
	"github.com/runforge/runforge/pkg/stores"
)

func newReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <contract-id>",
		Short: "Replay a finalized contract in dry-run mode",
		Long: `Replay a finalized contract's graph with dry-run forced, then compare the
replayed outcome against the sealed one.

The replay runs through the same governor as a live run, so budget and
policy decisions are re-made. Divergences between the recorded and
replayed outcomes are listed; a rolled-back live run will diverge from
its replay because the dry-run replay never triggers a rollback sweep.`,
		Example: `  runforge replay 7c9e6679-7425-40de-963d-1a8f0b1c2d3e`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			record, err := rt.store.GetContract(ctx, args[0])
			if err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("contract %s not found", args[0])
				}
				return err
			}

			c, err := stores.RecordToContract(record)
			if err != nil {
				return err
			}

			replayer := contract.NewReplayer(rt.newRunner(), rt.logger)
			report, err := replayer.Replay(ctx, c)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(report)
			}

			if report.Matched {
				fmt.Printf("Replay of %s matched the sealed outcome\n", c.ContractID)
				return nil
			}

			fmt.Printf("Replay of %s diverged (%d differences):\n", c.ContractID, len(report.Divergences))
			for _, d := range report.Divergences {
				fmt.Printf("  - %s\n", d)
			}
			return fmt.Errorf("replay diverged from sealed outcome")
		},
	}

	return cmd
}
