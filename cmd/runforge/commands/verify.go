package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/stores"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <contract-id>",
		Short: "Verify a stored contract's hashes",
		Long: `Recompute a stored contract's spec and outcome hashes and compare them
against the sealed values. A mismatch means the contract was altered after
sealing.`,
		Args: cobra.ExactArgs(1),
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

			if err := c.Verify(); err != nil {
				return fmt.Errorf("contract %s failed verification: %w", c.ContractID, err)
			}

			fmt.Printf("Contract %s verified\n", c.ContractID)
			fmt.Printf("  spec hash:    %s\n", c.SpecHash)
			if c.OutcomeHash != "" {
				fmt.Printf("  outcome hash: %s\n", c.OutcomeHash)
			} else {
				fmt.Println("  outcome: not finalized")
			}
			return nil
		},
	}

	return cmd
}
