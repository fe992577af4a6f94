package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/config"
	"github.com/nugget/thane-ai-agent/internal/email"
	"github.com/nugget/thane-ai-agent/internal/exectools"
	"github.com/nugget/thane-ai-agent/internal/homeassistant"
	"github.com/nugget/thane-ai-agent/internal/mcp"
	"github.com/nugget/thane-ai-agent/internal/notebook"
	"github.com/nugget/thane-ai-agent/internal/opstate"
	"github.com/nugget/thane-ai-agent/internal/schedtools"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// nopArmer satisfies schedtools.Armer for the standalone mcp server:
// without a running trigger engine there is nothing to arm live, but
// the create-*-trigger tools still persist into the signal store so a
// subsequent `thane serve` picks them up on boot.
type nopArmer struct{}

func (nopArmer) Arm(ctx context.Context, sig automation.Signal) error { return nil }
func (nopArmer) Disarm(id int64)                                      {}

func newMCPCmd() *cobra.Command {
	var testMode bool
	var notebookDir string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Expose the scheduling and execution tool suites over stdio JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if notebookDir != "" {
				cfg.Notebook = notebookDir
			}
			if testMode {
				cfg.TestMode = true
			}

			level, err := config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := newLogger(level)

			store, err := automation.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			book := notebook.New(cfg.Notebook, logger)

			var hub exectools.Hub
			if cfg.Hub.URL != "" {
				hub = homeassistant.NewClient(cfg.Hub.URL, cfg.Hub.Token, logger, cfg.Hub.InsecureSkipVerify)
			}

			var emailPoller *email.Poller
			if cfg.Email.Configured() {
				opstateStore, err := opstate.NewStore(filepath.Join(cfg.DataDir, "opstate.db"))
				if err != nil {
					return err
				}
				defer opstateStore.Close()
				emailPoller = email.NewPoller(email.NewManager(cfg.Email, logger), opstateStore, logger)
			}

			schedServer := &schedtools.Server{Store: store, Engine: nopArmer{}}
			execServer := &exectools.Server{
				Hub:         hub,
				TestMode:    cfg.TestMode,
				MemoryPath:  book.MemoryPath(),
				Email:       &cfg.Email,
				EmailPoller: emailPoller,
			}

			registry := toolkit.NewRegistry(schedServer, execServer)

			srv := mcp.NewServer("thane", registry, logger)
			return srv.Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&testMode, "test-mode", false, "reject call-service invocations whose entity domain mismatches")
	cmd.Flags().StringVar(&notebookDir, "notebook", "", "notebook directory (overrides config)")
	return cmd
}
