package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/stores"
)

func newContractsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Inspect stored run contracts",
	}

	cmd.AddCommand(newContractsListCommand())
	cmd.AddCommand(newContractsShowCommand())

	return cmd
}

func newContractsListCommand() *cobra.Command {
	var graphID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored contracts",
		Example: `  # All contracts
  runforge contracts list

  # Contracts for one graph
  runforge contracts list --graph billing-sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			contracts, err := rt.store.ListContracts(ctx, graphID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(contracts)
			}

			if len(contracts) == 0 {
				fmt.Println("No contracts stored")
				return nil
			}
			for _, record := range contracts {
				state := "open"
				if record.FinalizedAt != nil {
					state = "finalized"
				}
				fmt.Printf("%s  %-20s %-9s %s\n",
					record.ID, record.GraphID, state, record.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&graphID, "graph", "", "filter by graph ID")

	return cmd
}

func newContractsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Print one contract as JSON",
		Args:  cobra.ExactArgs(1),
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
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(c)
		},
	}

	return cmd
}
