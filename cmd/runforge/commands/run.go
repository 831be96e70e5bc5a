package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/contract"
	"github.com/runforge/runforge/pkg/engine"
	"github.com/runforge/runforge/pkg/stores"
)

func newRunCommand() *cobra.Command {
	var (
		dryRun   bool
		approve  []string
		noRecord bool
	)

	cmd := &cobra.Command{
		Use:   "run <graph-file>",
		Short: "Execute a graph",
		Long: `Execute a graph definition through the governed runner.

Every step passes through the governor (budget ceilings and policy rules)
before execution. Collaborator steps are routed through the resilience
layer. The run and its sealed contract are persisted to the store unless
--no-record is set.

Steps that a policy rule escalates to approval run only when a matching
--approve token is supplied; without one the run parks as
awaiting_approval and can be resumed by re-running with the token.`,
		Example: `  # Execute a graph
  runforge run graphs/deploy.yaml

  # Simulate without side effects
  runforge run --dry-run graphs/deploy.yaml

  # Supply an approval token for an escalated step
  runforge run --approve push-prod=chg-4412 graphs/deploy.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			spec, err := rt.parser.ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("graph does not validate: %w", err)
			}

			graph, err := engine.NewGraphCompiler().Compile(spec)
			if err != nil {
				return fmt.Errorf("graph does not compile: %w", err)
			}

			tokens, err := parseApprovals(approve)
			if err != nil {
				return err
			}

			c, err := contract.New(spec)
			if err != nil {
				return fmt.Errorf("failed to seal contract: %w", err)
			}

			result, err := rt.newRunner().Run(ctx, graph, engine.RunOptions{
				ApprovalTokens: tokens,
				ForceDryRun:    dryRun,
			})
			if err != nil {
				return err
			}

			if !noRecord {
				if err := record(ctx, rt, c, result); err != nil {
					rt.logger.Error().Err(err).Msg("failed to record run")
				}
			}

			if err := printResult(result, c); err != nil {
				return err
			}

			switch result.Status {
			case engine.RunStatusFailed:
				return fmt.Errorf("run %s failed", result.RunID)
			case engine.RunStatusAwaitingApproval:
				return fmt.Errorf("run %s is awaiting approval", result.RunID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the run without side effects")
	cmd.Flags().StringArrayVar(&approve, "approve", nil, "approval token as step=token (repeatable)")
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "skip persisting the run and contract")

	return cmd
}

func parseApprovals(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tokens := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		stepID, token, ok := strings.Cut(pair, "=")
		if !ok || stepID == "" || token == "" {
			return nil, fmt.Errorf("invalid approval %q, expected step=token", pair)
		}
		tokens[stepID] = token
	}
	return tokens, nil
}

// record persists the run, its audit trail, and the contract. A parked run
// has no final outcome yet, so its contract stays unfinalized.
func record(ctx context.Context, rt *runtime, c *contract.RunContract, result *engine.ExecutionResult) error {
	runRecord, err := stores.RunToRecord(result)
	if err != nil {
		return err
	}
	if err := rt.store.SaveRun(ctx, runRecord); err != nil {
		return err
	}

	auditRecords, err := stores.AuditEventRecords(result.RunID, result.AuditEvents)
	if err != nil {
		return err
	}
	if err := rt.store.AppendAuditEvents(ctx, auditRecords); err != nil {
		return err
	}

	if result.Status != engine.RunStatusAwaitingApproval {
		if err := c.Finalize(result); err != nil {
			return err
		}
	}

	contractRecord, err := stores.ContractToRecord(c)
	if err != nil {
		return err
	}
	if err := rt.store.SaveContract(ctx, contractRecord); err != nil {
		return err
	}

	if rt.archiver != nil && c.FinalizedAt != nil {
		if err := rt.archiver.Archive(c.ContractID, c.GraphID, []byte(contractRecord.Payload)); err != nil {
			rt.logger.Warn().Err(err).Str("contract_id", c.ContractID).Msg("contract archive failed")
		}
	}

	rt.logger.Info().
		Str("run_id", result.RunID).
		Str("contract_id", c.ContractID).
		Msg("run recorded")
	return nil
}

func printResult(result *engine.ExecutionResult, c *contract.RunContract) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"run":      result,
			"contract": c.ContractID,
		})
	}

	fmt.Printf("Run %s: %s", result.RunID, result.Status)
	if result.DryRun {
		fmt.Print(" (dry run)")
	}
	fmt.Println()

	for _, sr := range result.Steps {
		line := fmt.Sprintf("  %-10s %s", sr.Status, sr.StepID)
		if sr.Error != nil {
			line += "  " + sr.Error.Message
		}
		fmt.Println(line)
	}
	if result.Rollback != nil && result.Rollback.Attempted {
		fmt.Printf("Rollback: %d rolled back, %d failed\n",
			len(result.Rollback.RolledBack), len(result.Rollback.Failed))
	}
	if result.Error != nil {
		fmt.Printf("Error: [%s] %s\n", result.Error.Code, result.Error.Message)
	}
	fmt.Printf("Contract: %s\n", c.ContractID)
	return nil
}
