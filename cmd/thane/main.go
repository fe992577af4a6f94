// Command thane is the automation runtime's CLI surface:
// serve starts the runtime and its status server, mcp exposes the
// scheduling and execution tool suites over stdio JSON-RPC, evals
// runs the evaluation harness, and dump-bug-report writes a
// diagnostic bundle.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "thane",
		Short: "Agentic home-automation runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: search DefaultSearchPaths)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newEvalsCmd())
	root.AddCommand(newBugReportCmd())
	return root
}
