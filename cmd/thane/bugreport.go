package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/config"
	"github.com/nugget/thane-ai-agent/internal/homeassistant"
	"github.com/nugget/thane-ai-agent/internal/notebook"
	"github.com/nugget/thane-ai-agent/internal/opstate"
)

// newBugReportCmd wires dump-bug-report: a timestamped bundle of
// the hub's current states and services, the notebook's automations
// and cues, and the alive signal store, written as a directory of
// JSON files a maintainer can attach to an issue.
func newBugReportCmd() *cobra.Command {
	var (
		dbPath string
		outDir string
	)

	cmd := &cobra.Command{
		Use:   "dump-bug-report",
		Short: "Write a diagnostic bundle of hub state, automations, and signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}

			level, err := config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := newLogger(level)

			if outDir == "" {
				outDir = filepath.Join("bug-reports", time.Now().UTC().Format("20060102-150405"))
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create bug report directory: %w", err)
			}

			ctx := cmd.Context()

			if cfg.Hub.URL != "" {
				hub := homeassistant.NewClient(cfg.Hub.URL, cfg.Hub.Token, logger, cfg.Hub.InsecureSkipVerify)
				if err := dumpHubSnapshot(ctx, hub, outDir); err != nil {
					logger.Warn("hub snapshot incomplete", "error", err)
				}
			} else {
				logger.Warn("no hub configured, skipping states/services snapshot")
			}

			book := notebook.New(cfg.Notebook, logger)
			if err := dumpNotebookSnapshot(book, outDir); err != nil {
				logger.Warn("notebook snapshot incomplete", "error", err)
			}

			if err := dumpSignalSnapshot(cfg.DBPath, outDir); err != nil {
				logger.Warn("signal store snapshot incomplete", "error", err)
			}

			opstatePath := filepath.Join(cfg.DataDir, "opstate.db")
			if err := dumpOpstateSnapshot(opstatePath, outDir); err != nil {
				logger.Warn("operational state snapshot incomplete", "error", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), outDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db-path", "", "signal store database path (overrides config)")
	cmd.Flags().StringVar(&outDir, "out", "", "bundle directory (default: bug-reports/<timestamp>)")
	return cmd
}

func dumpHubSnapshot(ctx context.Context, hub *homeassistant.Client, outDir string) error {
	states, statesErr := hub.GetStates(ctx)
	if statesErr == nil {
		if err := writeJSON(filepath.Join(outDir, "states.json"), states); err != nil {
			return err
		}
	}

	services, servicesErr := hub.GetServices(ctx)
	if servicesErr == nil {
		if err := writeJSON(filepath.Join(outDir, "services.json"), services); err != nil {
			return err
		}
	}

	if statesErr != nil {
		return statesErr
	}
	return servicesErr
}

func dumpNotebookSnapshot(book *notebook.Loader, outDir string) error {
	automations, err := book.Scan()
	if err != nil {
		return err
	}

	var regular, cues []automation.Automation
	for _, a := range automations {
		if a.Cue {
			cues = append(cues, a)
		} else {
			regular = append(regular, a)
		}
	}

	if err := writeJSON(filepath.Join(outDir, "automations.json"), regular); err != nil {
		return err
	}
	return writeJSON(filepath.Join(outDir, "cues.json"), cues)
}

func dumpSignalSnapshot(dbPath, outDir string) error {
	store, err := automation.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	signals, err := store.AllAliveSignals()
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(outDir, "signals.json"), signals); err != nil {
		return err
	}

	logs, err := store.RecentAutomationLogs(50)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(outDir, "automation-logs.json"), logs)
}

// dumpOpstateSnapshot writes every namespace in the operational-state
// store (email poll high-water marks and similar small persisted
// state) to its own JSON file, named after the namespace. A missing
// database (no opstate-backed feature configured) is not an error.
func dumpOpstateSnapshot(dbPath, outDir string) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}

	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	namespaces, err := store.Namespaces()
	if err != nil {
		return err
	}

	opstateDir := filepath.Join(outDir, "opstate")
	if err := os.MkdirAll(opstateDir, 0o755); err != nil {
		return err
	}

	for _, ns := range namespaces {
		entries, err := store.List(ns)
		if err != nil {
			return fmt.Errorf("list namespace %s: %w", ns, err)
		}
		if err := writeJSON(filepath.Join(opstateDir, ns+".json"), entries); err != nil {
			return fmt.Errorf("write namespace %s: %w", ns, err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
