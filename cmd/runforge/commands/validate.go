package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/engine"
	"github.com/runforge/runforge/pkg/executors"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Validate a graph definition",
		Long: `Validate a graph definition file (YAML or CUE).

This command checks:
  - Schema conformance
  - Step kinds against the built-in executor registry
  - Dependency references and cycles
  - Rollback capability declarations

On success it prints the compiled execution order.`,
		Example: `  # Validate a YAML graph
  runforge validate graphs/deploy.yaml

  # Validate a CUE graph, printing the order as JSON
  runforge validate --json graphs/deploy.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := config.NewGraphParser()
			if err != nil {
				return err
			}

			spec, err := parser.ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("graph does not validate: %w", err)
			}

			graph, err := engine.NewGraphCompiler().Compile(spec)
			if err != nil {
				return fmt.Errorf("graph does not compile: %w", err)
			}

			registry, err := executors.DefaultRegistry()
			if err != nil {
				return err
			}
			if err := registry.Validate(graph); err != nil {
				return fmt.Errorf("graph references unavailable executors: %w", err)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"graph_id": spec.GraphID,
					"steps":    len(spec.Steps),
					"order":    graph.Order,
				})
			}

			fmt.Printf("Graph %s is valid (%d steps)\n", spec.GraphID, len(spec.Steps))
			fmt.Println("Execution order:")
			for i, stepID := range graph.Order {
				fmt.Printf("  %2d. %s\n", i+1, stepID)
			}
			return nil
		},
	}

	return cmd
}
