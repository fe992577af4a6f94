package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-ai-agent/internal/config"
	"github.com/nugget/thane-ai-agent/internal/evalharness"
)

// newEvalsCmd wires the evaluation harness: it runs the
// builtin scenario catalog against a chosen provider+model and prints
// a score summary, optionally the full transcripts for debugging.
func newEvalsCmd() *cobra.Command {
	var (
		driverModel string
		driverFlag  string
		mocksDir    string
		quick       bool
		num         int
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "evals",
		Short: "Run the builtin evaluation scenarios against a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			level, err := config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := newLogger(level)

			spec := driverModel
			if spec == "" {
				spec = cfg.Providers.Default
			}
			driver, model := splitDriverModel(spec)
			if driverFlag != "" {
				driver = driverFlag
			}

			factory := buildFactory(cfg, logger)
			provider, err := factory.New(driver, model)
			if err != nil {
				return fmt.Errorf("resolve provider %q: %w", spec, err)
			}

			if mocksDir == "" {
				mocksDir = evalharness.DefaultMocksDir
			}
			scenarios, _, err := evalharness.BuiltinScenarios(mocksDir)
			if err != nil {
				return fmt.Errorf("load builtin scenarios: %w", err)
			}

			if quick && len(scenarios) > 1 {
				scenarios = scenarios[:1]
			}
			if num > 0 && num < len(scenarios) {
				scenarios = scenarios[:num]
			}

			harness := evalharness.New(provider, model, logger)
			results := harness.RunAll(cmd.Context(), scenarios)

			var totalScore, totalPossible float64
			for _, r := range results {
				totalScore += r.FinalScore
				totalPossible += r.FinalScorePossible

				status := "ok"
				if r.Err != "" {
					status = "error: " + r.Err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %5.2f / %-5.2f  %s\n", r.Name, r.FinalScore, r.FinalScorePossible, status)

				if verbose {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					_ = enc.Encode(r)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "total            %5.2f / %-5.2f\n", totalScore, totalPossible)

			if totalPossible > 0 && totalScore < totalPossible {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&driverModel, "model", "", "driver/model to evaluate, e.g. anthropic/claude-sonnet-4-20250514 (default: config's default provider)")
	cmd.Flags().StringVar(&driverFlag, "driver", "", "driver to evaluate with, overriding the driver part of --model")
	cmd.Flags().StringVar(&mocksDir, "mocks-dir", "", "directory holding states.json/services.json fixtures (default: ./mocks)")
	cmd.Flags().BoolVar(&quick, "quick", false, "run only the first scenario")
	cmd.Flags().IntVar(&num, "num", 0, "run only the first N scenarios (0 = all)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the full scenario transcript and grade detail")
	return cmd
}
