package runtime

import (
	"context"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/events"
	"github.com/nugget/thane-ai-agent/internal/hainject"
	"github.com/nugget/thane-ai-agent/internal/prompts"
	"github.com/nugget/thane-ai-agent/internal/schedtools"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
	"github.com/nugget/thane-ai-agent/internal/toolloop"
)

// runScheduling drives the scheduling pass for one
// automation: the model reads the automation's prose and calls
// create-*-trigger tools to persist whatever signals it needs.
func (r *Runtime) runScheduling(ctx context.Context, a automation.Automation) {
	start := time.Now()
	r.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceRuntime,
		Kind:      events.KindSchedulingStart,
		Data:      map[string]any{"automation_hash": a.Hash, "file_name": a.FileName},
	})

	schedServer := &schedtools.Server{
		AutomationHash: a.Hash,
		Store:          r.store,
		Engine:         r.engine,
		KnownEntities:  r.knownEntities,
	}
	registry := toolkit.NewRegistry(schedServer)

	driver, model := parseDriverModel(a.Model, r.cfg.DefaultDriverModel)
	provider, err := r.cfg.Factory.New(driver, model)
	if err != nil {
		r.log.Error("build provider for scheduling pass", "automation_hash", a.Hash, "driver", driver, "error", err)
		return
	}

	memory, err := r.book.ReadMemory()
	if err != nil {
		r.log.Warn("read shared memory for scheduling pass", "error", err)
	}

	var fetcher hainject.StateFetcher
	if sf, ok := r.cfg.Hub.(hainject.StateFetcher); ok {
		fetcher = sf
	}
	content := hainject.Resolve(ctx, []byte(a.Contents), fetcher, r.log)

	loop := toolloop.New(provider, model, registry, "")
	prompt := prompts.SchedulingPrompt(string(content), memory)
	messages := toolloop.Drain(loop.Run(ctx, prompt, nil))

	entry := &automation.AutomationLogEntry{
		AutomationHash: a.Hash,
		Type:           automation.LogDetermineSignal,
		Messages:       messages,
	}
	if _, err := r.store.AppendAutomationLog(entry); err != nil {
		r.log.Error("append scheduling log", "automation_hash", a.Hash, "error", err)
	}

	signalCount, err := r.store.AliveSignalsForHash(a.Hash)
	count := 0
	if err == nil {
		count = len(signalCount)
	}

	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRuntime,
		Kind:      events.KindSchedulingComplete,
		Data: map[string]any{
			"automation_hash": a.Hash,
			"signal_count":    count,
			"elapsed_ms":      time.Since(start).Milliseconds(),
		},
	})
}

// knownEntities returns the hub's current entity ids, best-effort, for
// schedtools' soft validation of state-regex/state-range triggers. A
// nil Hub (no hub configured) yields no validation.
func (r *Runtime) knownEntities() []string {
	if r.cfg.Hub == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entities, err := r.cfg.Hub.GetEntities(ctx, "")
	if err != nil {
		r.log.Debug("fetch known entities for trigger validation", "error", err)
		return nil
	}
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.EntityID
	}
	return ids
}
