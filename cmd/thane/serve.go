package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/config"
	"github.com/nugget/thane-ai-agent/internal/connwatch"
	"github.com/nugget/thane-ai-agent/internal/email"
	"github.com/nugget/thane-ai-agent/internal/events"
	"github.com/nugget/thane-ai-agent/internal/exectools"
	"github.com/nugget/thane-ai-agent/internal/homeassistant"
	"github.com/nugget/thane-ai-agent/internal/mqtt"
	"github.com/nugget/thane-ai-agent/internal/notebook"
	"github.com/nugget/thane-ai-agent/internal/opstate"
	"github.com/nugget/thane-ai-agent/internal/runtime"
	"github.com/nugget/thane-ai-agent/internal/statusapi"
	"github.com/nugget/thane-ai-agent/internal/trigger"
)

func newServeCmd() *cobra.Command {
	var (
		port       int
		notebookDir string
		dbPath     string
		testMode   bool
		evalMode   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the automation runtime and its status server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Listen.Port = port
			}
			if notebookDir != "" {
				cfg.Notebook = notebookDir
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if testMode {
				cfg.TestMode = true
			}
			if evalMode {
				cfg.EvalMode = true
			}

			level, err := config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := newLogger(level)

			return runServe(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "status server listen port (overrides config)")
	cmd.Flags().StringVar(&notebookDir, "notebook", "", "notebook directory (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "signal store database path (overrides config)")
	cmd.Flags().BoolVar(&testMode, "test-mode", false, "reject call-service invocations whose entity domain mismatches")
	cmd.Flags().BoolVar(&evalMode, "eval-mode", false, "skip live hub/MQTT connections, for scripted evaluation runs")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := automation.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open signal store: %w", err)
	}
	defer store.Close()

	book := notebook.New(cfg.Notebook, logger)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, defaulting to UTC", "timezone", cfg.Timezone, "error", err)
		loc = time.UTC
	}

	bus := events.New()
	connMgr := connwatch.NewManager(logger)

	var emailPoller *email.Poller
	if cfg.Email.Configured() {
		opstatePath := filepath.Join(cfg.DataDir, "opstate.db")
		opstateStore, err := opstate.NewStore(opstatePath)
		if err != nil {
			return fmt.Errorf("open opstate store: %w", err)
		}
		defer opstateStore.Close()

		mailManager := email.NewManager(cfg.Email, logger)
		emailPoller = email.NewPoller(mailManager, opstateStore, logger)
	}

	var hub *homeassistant.Client
	var hubForExecTools exectools.Hub
	var hubEventSource trigger.HubEventSource
	var mqttSource trigger.MQTTSource

	if !cfg.EvalMode && cfg.Hub.URL != "" {
		hub = homeassistant.NewClient(cfg.Hub.URL, cfg.Hub.Token, logger, cfg.Hub.InsecureSkipVerify)
		ws := homeassistant.NewWSClient(cfg.Hub.URL, cfg.Hub.Token, logger, cfg.Hub.InsecureSkipVerify)
		hub.SetWatcher(connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "hub",
			Probe:   hub.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
			OnReady: func() { bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceHub, Kind: events.KindHubConnected}) },
			OnDown:  func(err error) { bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceHub, Kind: events.KindHubDisconnected}) },
		}))

		if err := ws.Connect(ctx); err != nil {
			logger.Warn("hub websocket connect failed, state-regex/state-range triggers will not fire until it reconnects", "error", err)
		} else if err := ws.Subscribe(ctx, "state_changed"); err != nil {
			logger.Warn("hub event subscription failed", "error", err)
		}

		adapter := runtime.NewHubEventAdapter(ws, logger)
		go adapter.Run(ctx)
		hubEventSource = adapter

		hubForExecTools = hub
		if cfg.TestMode {
			// Belt-and-suspenders on top of Server.TestMode's own
			// check: even if call-service validation in exectools were
			// ever bypassed, this wrapper guarantees --test-mode with a
			// configured hub URL can never issue a live service call.
			hubForExecTools = exectools.NoCallHub{Hub: hub}
		}
	}

	if !cfg.EvalMode && cfg.MQTT.Configured() {
		broker := mqtt.New(mqtt.Config{Broker: cfg.MQTT.Broker, Username: cfg.MQTT.Username, Password: cfg.MQTT.Password}, logger)
		if err := broker.Connect(ctx); err != nil {
			logger.Warn("mqtt connect failed, mqtt triggers will not fire until it reconnects", "error", err)
		}
		mqttSource = runtime.NewMQTTSourceAdapter(broker)
	}

	engine := trigger.New(trigger.Config{
		Store:    store,
		Hub:      hubEventSource,
		MQTT:     mqttSource,
		Location: loc,
		Logger:   logger,
	})

	factory := buildFactory(cfg, logger)
	defaultDriverModel := cfg.Providers.Default

	rt := runtime.New(runtime.Config{
		Store:              store,
		Notebook:           book,
		Engine:             engine,
		Factory:            factory,
		Hub:                hubForExecTools,
		Email:              &cfg.Email,
		EmailPoller:        emailPoller,
		MCPServers:         buildMCPServers(cfg, logger),
		DefaultDriverModel: defaultDriverModel,
		TestMode:           cfg.TestMode,
		Events:             bus,
		Logger:             logger,
	})

	if err := rt.Boot(ctx); err != nil {
		return fmt.Errorf("boot runtime: %w", err)
	}

	statusSrv := statusapi.New(bus, connMgr.Status, logger)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler: statusSrv.Handler(),
	}

	go func() {
		logger.Info("status server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", "error", err)
		}
	}()

	runErr := rt.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	connMgr.Stop()
	rt.Stop()

	logger.Info("thane stopped")
	return runErr
}
