package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/events"
	"github.com/nugget/thane-ai-agent/internal/exectools"
	"github.com/nugget/thane-ai-agent/internal/hainject"
	"github.com/nugget/thane-ai-agent/internal/prompts"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
	"github.com/nugget/thane-ai-agent/internal/toolloop"
)

// runExecution drives the execution pass for one
// fired signal: the model carries out the automation that owns it,
// then every buffered service-call/notification record is flushed
// against the automation_log row this run produces.
func (r *Runtime) runExecution(ctx context.Context, fired automation.FiredSignal) {
	a, ok := r.lookupAutomation(fired.AutomationHash)
	if !ok {
		r.log.Warn("fired signal for unknown automation, dropping",
			"automation_hash", fired.AutomationHash,
			"signal_id", fired.Signal.ID,
		)
		return
	}

	start := time.Now()
	r.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceRuntime,
		Kind:      events.KindExecutionStart,
		Data:      map[string]any{"automation_hash": a.Hash},
	})

	execServer := &exectools.Server{
		Hub:         r.cfg.Hub,
		TestMode:    r.cfg.TestMode,
		MemoryPath:  r.book.MemoryPath(),
		Email:       r.cfg.Email,
		EmailPoller: r.cfg.EmailPoller,
	}
	servers := []toolkit.ToolServer{execServer}
	if bridged := r.bridgedToolServer(); bridged != nil {
		servers = append(servers, bridged)
	}
	registry := toolkit.NewRegistry(servers...)

	driver, model := parseDriverModel(a.Model, r.cfg.DefaultDriverModel)
	provider, err := r.cfg.Factory.New(driver, model)
	if err != nil {
		r.log.Error("build provider for execution pass", "automation_hash", a.Hash, "driver", driver, "error", err)
		return
	}

	memory, err := r.book.ReadMemory()
	if err != nil {
		r.log.Warn("read shared memory for execution pass", "error", err)
	}

	var fetcher hainject.StateFetcher
	if sf, ok := r.cfg.Hub.(hainject.StateFetcher); ok {
		fetcher = sf
	}
	content := hainject.Resolve(ctx, []byte(a.Contents), fetcher, r.log)

	loop := toolloop.New(provider, model, registry, "")
	prompt := prompts.ExecutionPrompt(string(content), describeSignal(fired.Signal), memory)
	messages := toolloop.Drain(loop.Run(ctx, prompt, nil))

	signaledBy := &automation.SignalData{
		SignalID: fired.Signal.ID,
		Kind:     fired.Signal.Kind,
		Data:     fired.Signal.Data,
		FiredAt:  fired.FiredAt,
	}
	entry := &automation.AutomationLogEntry{
		AutomationHash: a.Hash,
		Type:           automation.LogExecuteSignal,
		Messages:       messages,
		SignaledBy:     signaledBy,
	}

	var logID int64
	if isOneShot(fired.Signal) {
		logID, err = r.store.FireOneShot(fired.Signal.ID, entry)
	} else {
		logID, err = r.store.AppendAutomationLog(entry)
	}
	if err != nil {
		r.log.Error("append execution log", "automation_hash", a.Hash, "error", err)
		return
	}

	r.flushBufferedRecords(a.Hash, logID, execServer)

	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRuntime,
		Kind:      events.KindExecutionComplete,
		Data: map[string]any{
			"automation_hash":   a.Hash,
			"automation_log_id": logID,
			"elapsed_ms":        time.Since(start).Milliseconds(),
		},
	})
}

// isOneShot reports whether a fired signal's kind retires itself
// atomically with the execution log it produces: absolute `time`
// signals always do, `offset` signals do unless RepeatForever.
func isOneShot(sig automation.Signal) bool {
	switch sig.Kind {
	case automation.SignalTime:
		return true
	case automation.SignalOffset:
		var data automation.OffsetData
		if err := json.Unmarshal(sig.Data, &data); err != nil {
			return false
		}
		return !data.RepeatForever
	default:
		return false
	}
}

// flushBufferedRecords writes every call-service and
// send-notification-email invocation exectools buffered during the
// run against the automation_log row logID now that it exists.
func (r *Runtime) flushBufferedRecords(hash string, logID int64, s *exectools.Server) {
	for _, call := range s.ServiceCalls {
		if err := r.store.RecordServiceCall(logID, call.Service, call.Target, call.Data); err != nil {
			r.log.Error("record service call", "automation_log_id", logID, "error", err)
			continue
		}
		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceRuntime,
			Kind:      events.KindServiceCalled,
			Data:      map[string]any{"automation_hash": hash, "service": call.Service},
		})
	}

	for _, n := range s.Notifications {
		if err := r.store.RecordNotification(logID, n.To, n.Subject, n.Body, n.ErrText); err != nil {
			r.log.Error("record notification", "automation_log_id", logID, "error", err)
			continue
		}
		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceEmail,
			Kind:      events.KindNotificationSent,
			Data:      map[string]any{"automation_hash": hash, "to": n.To, "ok": n.ErrText == ""},
		})
	}
}

// describeSignal renders a fired signal as a short human-readable
// string for the execution prompt.
func describeSignal(sig automation.Signal) string {
	switch sig.Kind {
	case automation.SignalCron:
		var d automation.CronData
		_ = json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("cron trigger %q fired", d.Expr)
	case automation.SignalState:
		var d automation.StateData
		_ = json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("state trigger matched regex %q against entities %v", d.Regex, d.EntityIDs)
	case automation.SignalOffset:
		var d automation.OffsetData
		_ = json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("relative-time trigger fired (offset %ds, repeat=%v)", d.OffsetSeconds, d.RepeatForever)
	case automation.SignalTime:
		var d automation.TimeData
		_ = json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("absolute-time trigger %q fired", d.ISO8601)
	case automation.SignalStateRange:
		var d automation.StateRangeData
		_ = json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("state-range trigger fired: entity %q stayed in range for %ds", d.EntityID, d.ForSeconds)
	case automation.SignalMQTT:
		var d automation.MQTTData
		_ = json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("mqtt trigger fired: topic %q", d.Topic)
	default:
		return fmt.Sprintf("%s trigger fired", sig.Kind)
	}
}
