// Package runtime implements the automation runtime: the
// top-level coordinator that watches the notebook, schedules
// unscheduled automations, reacts to trigger events, runs the
// execution loop, and writes every outcome to the signal store.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/email"
	"github.com/nugget/thane-ai-agent/internal/events"
	"github.com/nugget/thane-ai-agent/internal/exectools"
	"github.com/nugget/thane-ai-agent/internal/llmprovider"
	"github.com/nugget/thane-ai-agent/internal/notebook"
)

// DefaultQueueDepth bounds how many fired signals one automation hash
// may have pending before the oldest is dropped in favor of the
// latest (coalesce-to-latest).
const DefaultQueueDepth = 16

// DefaultShutdownGrace is how long Stop waits for in-flight jobs to
// finish before cancelling their context.
const DefaultShutdownGrace = 5 * time.Second

// Armer is the slice of the trigger engine the runtime needs to arm
// and disarm signals as the notebook and scheduling passes change
// them.
type Armer interface {
	Arm(ctx context.Context, sig automation.Signal) error
	Disarm(id int64)
}

// Engine is the slice of the trigger engine the runtime drives: start
// it, read its fired-signal stream, and arm/disarm signals live.
type Engine interface {
	Armer
	Events() <-chan automation.FiredSignal
	Start(ctx context.Context) error
	Stop()
}

// Config wires together every component the runtime coordinates. Hub
// and Email are passed straight through to each execution pass's
// exectools.Server.
type Config struct {
	Store    *automation.Store
	Notebook *notebook.Loader
	Engine   Engine
	Factory  llmprovider.Factory
	Hub      exectools.Hub
	Email    *email.Config
	// EmailPoller, if non-nil, enables the check-new-email execution
	// tool: an automation can ask to check configured mail accounts
	// for anything new since the last check.
	EmailPoller *email.Poller

	// MCPServers names external MCP tool servers to bridge into every
	// execution pass's tool suite.
	MCPServers []MCPServerConfig

	// DefaultDriverModel is "driver/model", used when an automation
	// carries no leading model directive.
	DefaultDriverModel string

	TestMode bool

	Events *events.Bus
	Logger *slog.Logger

	// WorkerCount bounds total concurrent tool-loop invocations across
	// every automation. Defaults to runtime.NumCPU(), minimum 2.
	WorkerCount int
	// QueueDepth bounds per-automation pending fired signals. Defaults
	// to DefaultQueueDepth.
	QueueDepth int
	// ShutdownGrace bounds how long Stop waits for in-flight jobs.
	// Defaults to DefaultShutdownGrace.
	ShutdownGrace time.Duration
}

// Runtime is the automation runtime coordinator.
type Runtime struct {
	cfg    Config
	store  *automation.Store
	book   *notebook.Loader
	engine Engine
	bus    *events.Bus
	log    *slog.Logger

	sem chan struct{}
	bridge mcpBridge

	mu          sync.Mutex
	automations map[string]automation.Automation // hash -> automation
	hashByFile  map[string]string                // file name -> current hash
	queues      map[string]*hashQueue            // hash -> pending fired signals

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds a Runtime from cfg, applying defaults for unset fields.
func New(cfg Config) *Runtime {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.WorkerCount < 2 {
		cfg.WorkerCount = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Runtime{
		cfg:         cfg,
		store:       cfg.Store,
		book:        cfg.Notebook,
		engine:      cfg.Engine,
		bus:         cfg.Events,
		log:         cfg.Logger.With("component", "runtime"),
		sem:         make(chan struct{}, cfg.WorkerCount),
		automations: make(map[string]automation.Automation),
		hashByFile:  make(map[string]string),
		queues:      make(map[string]*hashQueue),
	}
}

// Boot scans the notebook, reconciles unscheduled automations against
// the signal store, and starts the trigger engine. Call Start
// afterward to begin consuming the event stream and watching the
// notebook for changes.
func (r *Runtime) Boot(ctx context.Context) error {
	automations, err := r.book.Scan()
	if err != nil {
		return fmt.Errorf("scan notebook: %w", err)
	}

	r.mu.Lock()
	for _, a := range automations {
		r.automations[a.Hash] = a
		r.hashByFile[a.FileName] = a.Hash
	}
	r.mu.Unlock()

	if err := r.engine.Start(ctx); err != nil {
		return fmt.Errorf("start trigger engine: %w", err)
	}

	r.connectMCPServers(ctx)

	r.reconcile(ctx, automations)
	return nil
}

// reconcile schedules every non-cue automation that has no alive
// signal yet, one scheduling job each.
func (r *Runtime) reconcile(ctx context.Context, automations []automation.Automation) {
	for _, a := range automations {
		if a.Cue {
			continue
		}
		alive, err := r.store.AliveSignalsForHash(a.Hash)
		if err != nil {
			r.log.Error("check alive signals during reconcile", "hash", a.Hash, "error", err)
			continue
		}
		if len(alive) > 0 {
			continue
		}
		r.enqueueScheduling(ctx, a)
	}
}

// enqueueScheduling runs a scheduling job for a on a worker, bounded
// by the global semaphore.
func (r *Runtime) enqueueScheduling(ctx context.Context, a automation.Automation) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-r.sem }()
		r.runScheduling(ctx, a)
	}()
}

// Start begins consuming the trigger engine's fired-signal stream and
// watching the notebook for changes. It blocks until ctx is cancelled
// or Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	defer close(r.done)

	watchEvents, err := r.book.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch notebook: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		case fired, ok := <-r.engine.Events():
			if !ok {
				r.wg.Wait()
				return nil
			}
			r.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceTrigger,
				Kind:      events.KindSignalFired,
				Data: map[string]any{
					"automation_hash": fired.AutomationHash,
					"signal_id":       fired.Signal.ID,
					"kind":            string(fired.Signal.Kind),
				},
			})
			r.enqueueFired(ctx, fired)
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			r.handleNotebookEvent(ctx, ev)
		}
	}
}

// Stop cancels the runtime's context, waits up to ShutdownGrace for
// in-flight jobs to drain, stops the trigger engine, and checkpoints
// the store.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}

		waited := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(waited)
		}()

		select {
		case <-waited:
		case <-time.After(r.cfg.ShutdownGrace):
			r.log.Warn("shutdown grace period elapsed with jobs still running")
		}

		r.engine.Stop()
		r.closeMCPServers()

		if err := r.store.Checkpoint(); err != nil {
			r.log.Error("checkpoint on shutdown", "error", err)
		}
	})
}

// handleNotebookEvent diffs a fresh notebook scan against the
// runtime's known automations: a file whose hash changed retires the
// old revision's schedule and reschedules the new one (unless it is a
// cue); a file that disappeared retires its schedule with no
// replacement.
func (r *Runtime) handleNotebookEvent(ctx context.Context, ev notebook.Event) {
	seen := make(map[string]automation.Automation, len(ev.Automations))
	for _, a := range ev.Automations {
		seen[a.FileName] = a
	}

	r.mu.Lock()
	var retired []string
	var toSchedule []automation.Automation
	for file, oldHash := range r.hashByFile {
		newA, stillPresent := seen[file]
		if !stillPresent || newA.Hash != oldHash {
			retired = append(retired, oldHash)
			delete(r.automations, oldHash)
			delete(r.hashByFile, file)
		}
	}
	for file, a := range seen {
		if _, known := r.hashByFile[file]; !known {
			r.automations[a.Hash] = a
			r.hashByFile[file] = a.Hash
			if !a.Cue {
				toSchedule = append(toSchedule, a)
			}
		}
	}
	r.mu.Unlock()

	for _, hash := range retired {
		r.retireHash(hash)
	}
	for _, a := range toSchedule {
		r.log.Info("notebook change detected new automation", "file", a.FileName, "hash", a.Hash)
		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceNotebook,
			Kind:      events.KindNotebookChanged,
			Data:      map[string]any{"file_name": a.FileName, "automation_hash": a.Hash},
		})
		r.enqueueScheduling(ctx, a)
	}
}

// retireHash kills and disarms every alive signal for a hash that no
// longer has a corresponding notebook file (removed, renamed, or
// superseded by a content edit).
func (r *Runtime) retireHash(hash string) {
	alive, err := r.store.AliveSignalsForHash(hash)
	if err != nil {
		r.log.Error("load alive signals to retire", "hash", hash, "error", err)
		return
	}
	for _, sig := range alive {
		r.engine.Disarm(sig.ID)
	}
	if err := r.store.KillAllForHash(hash); err != nil {
		r.log.Error("retire automation signals", "hash", hash, "error", err)
	}
}

// lookupAutomation returns the current in-memory snapshot for hash,
// or false if it is no longer known (a notebook change raced with an
// in-flight signal firing for the revision it just retired).
func (r *Runtime) lookupAutomation(hash string) (automation.Automation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.automations[hash]
	return a, ok
}

// parseDriverModel splits a "driver/model" directive into its parts.
// An empty spec falls back to def.
func parseDriverModel(spec, def string) (driver, model string) {
	if spec == "" {
		spec = def
	}
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return spec[:i], spec[i+1:]
		}
	}
	return "", spec
}
