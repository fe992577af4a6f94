// Package schedtools implements the scheduling tool suite (C4): the
// concrete tools exposed to the LLM that turns one automation's prose
// into persisted signals.
package schedtools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
	"github.com/nugget/thane-ai-agent/internal/trigger"
)

// Armer is the slice of the trigger engine the scheduling tools need:
// arm a freshly inserted signal (or disarm a killed one) without
// waiting for a process restart.
type Armer interface {
	Arm(ctx context.Context, sig automation.Signal) error
	Disarm(id int64)
}

// Server is the scheduling ToolServer, scoped to one automation hash
// — every create-*-trigger call during a scheduling pass is attached
// to that hash.
type Server struct {
	AutomationHash string
	Store          *automation.Store
	Engine         Armer
	// KnownEntities, if set, returns the hub's current entity ids for
	// soft validation in create-state-regex-trigger /
	// create-state-range-trigger.
	KnownEntities func() []string
}

// Tools implements toolkit.ToolServer.
func (s *Server) Tools() []toolkit.Tool {
	return []toolkit.Tool{
		{
			Name:        "list-scheduled-triggers",
			Description: "List every currently alive trigger scheduled for this automation.",
			InputSchema: objectSchema(nil, nil),
			Handler:     s.handleList,
		},
		{
			Name:        "cancel-all-scheduled-triggers",
			Description: "Cancel every currently alive trigger scheduled for this automation.",
			InputSchema: objectSchema(nil, nil),
			Handler:     s.handleCancelAll,
		},
		{
			Name:        "create-cron-trigger",
			Description: "Schedule this automation on a standard 5-field cron expression (minute hour day-of-month month day-of-week), evaluated in the hub's configured timezone.",
			InputSchema: objectSchema(map[string]any{
				"expr": stringProp("Standard 5-field cron expression, e.g. \"0 7 * * *\" for every day at 7am."),
			}, []string{"expr"}),
			Handler: s.handleCreateCron,
		},
		{
			Name:        "create-state-regex-trigger",
			Description: "Schedule this automation to fire when any of the given entities transitions to a new state matching a regular expression (unanchored/partial match).",
			InputSchema: objectSchema(map[string]any{
				"entity_ids": arrayOfStringsProp("Entity ids to watch, e.g. [\"binary_sensor.front_door\"]."),
				"regex":      stringProp("Regular expression matched against the new state string, e.g. \"open\"."),
			}, []string{"entity_ids", "regex"}),
			Handler: s.handleCreateStateRegex,
		},
		{
			Name:        "create-state-range-trigger",
			Description: "Schedule this automation to fire once a numeric entity's state has remained continuously within [min,max] for at least for_seconds.",
			InputSchema: objectSchema(map[string]any{
				"entity_id":   stringProp("Entity id with a numeric state, e.g. \"sensor.bedroom_temp\"."),
				"min":         numberProp("Inclusive lower bound. Omit for no lower bound."),
				"max":         numberProp("Inclusive upper bound. Omit for no upper bound."),
				"for_seconds": numberProp("How long the state must remain in range before firing."),
			}, []string{"entity_id", "for_seconds"}),
			Handler: s.handleCreateStateRange,
		},
		{
			Name:        "create-relative-time-trigger",
			Description: "Schedule this automation to fire offset_seconds from now, optionally repeating forever on that interval.",
			InputSchema: objectSchema(map[string]any{
				"offset_seconds": numberProp("Seconds from now (or from the previous fire, if repeating) until the next fire."),
				"repeat_forever": boolProp("If true, re-arms after every fire on the same interval."),
			}, []string{"offset_seconds"}),
			Handler: s.handleCreateRelativeTime,
		},
		{
			Name:        "create-absolute-time-trigger",
			Description: "Schedule this automation to fire once at an absolute ISO-8601 instant in the future.",
			InputSchema: objectSchema(map[string]any{
				"iso8601": stringProp("Absolute instant, e.g. \"2026-01-01T07:00:00Z\". Must be in the future."),
			}, []string{"iso8601"}),
			Handler: s.handleCreateAbsoluteTime,
		},
		{
			Name:        "create-mqtt-trigger",
			Description: "Schedule this automation to fire when a message is received on an MQTT topic (wildcards \"+\"/\"#\" allowed), optionally filtered by a payload regex.",
			InputSchema: objectSchema(map[string]any{
				"topic":         stringProp("MQTT topic filter, e.g. \"home/doorbell/pressed\"."),
				"payload_regex": stringProp("Optional regular expression the payload must match."),
			}, []string{"topic"}),
			Handler: s.handleCreateMQTT,
		},
	}
}

func (s *Server) handleList(ctx context.Context, input map[string]any) (string, error) {
	signals, err := s.Store.AliveSignalsForHash(s.AutomationHash)
	if err != nil {
		return "", fmt.Errorf("list signals: %w", err)
	}
	if len(signals) == 0 {
		return "No triggers are currently scheduled for this automation.", nil
	}

	var lines []string
	for _, sig := range signals {
		lines = append(lines, describeSignal(sig))
	}
	return strings.Join(lines, "\n"), nil
}

func describeSignal(sig automation.Signal) string {
	switch sig.Kind {
	case automation.SignalCron:
		var d automation.CronData
		json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("#%d cron %q", sig.ID, d.Expr)
	case automation.SignalState:
		var d automation.StateData
		json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("#%d state %v matches /%s/", sig.ID, d.EntityIDs, d.Regex)
	case automation.SignalOffset:
		var d automation.OffsetData
		json.Unmarshal(sig.Data, &d)
		next := d.Anchor.Add(time.Duration(d.OffsetSeconds) * time.Second)
		repeat := ""
		if d.RepeatForever {
			repeat = fmt.Sprintf(" (repeats every %s)", time.Duration(d.OffsetSeconds)*time.Second)
		}
		return fmt.Sprintf("#%d offset fires %s%s", sig.ID, humanize.Time(next), repeat)
	case automation.SignalTime:
		var d automation.TimeData
		json.Unmarshal(sig.Data, &d)
		at, _ := time.Parse(time.RFC3339, d.ISO8601)
		return fmt.Sprintf("#%d absolute fires %s (%s)", sig.ID, humanize.Time(at), d.ISO8601)
	case automation.SignalStateRange:
		var d automation.StateRangeData
		json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("#%d state-range %s in range for %ds", sig.ID, d.EntityID, d.ForSeconds)
	case automation.SignalMQTT:
		var d automation.MQTTData
		json.Unmarshal(sig.Data, &d)
		return fmt.Sprintf("#%d mqtt topic %q", sig.ID, d.Topic)
	default:
		return fmt.Sprintf("#%d %s", sig.ID, sig.Kind)
	}
}

func (s *Server) handleCancelAll(ctx context.Context, input map[string]any) (string, error) {
	signals, err := s.Store.AliveSignalsForHash(s.AutomationHash)
	if err != nil {
		return "", fmt.Errorf("list signals: %w", err)
	}
	if err := s.Store.KillAllForHash(s.AutomationHash); err != nil {
		return "", fmt.Errorf("kill signals: %w", err)
	}
	if s.Engine != nil {
		for _, sig := range signals {
			s.Engine.Disarm(sig.ID)
		}
	}
	return fmt.Sprintf(`{"cancelled":%d}`, len(signals)), nil
}

func (s *Server) handleCreateCron(ctx context.Context, input map[string]any) (string, error) {
	expr, _ := input["expr"].(string)
	if _, err := trigger.ParseCron(expr); err != nil {
		return errorJSON("invalid cron expression", err), nil
	}
	return s.insertAndArm(ctx, automation.SignalCron, automation.CronData{Expr: expr})
}

func (s *Server) handleCreateStateRegex(ctx context.Context, input map[string]any) (string, error) {
	entityIDs := stringSlice(input["entity_ids"])
	regex, _ := input["regex"].(string)
	if len(entityIDs) == 0 {
		return errorJSON("validation failed", fmt.Errorf("entity_ids must be non-empty")), nil
	}
	if _, err := regexp.Compile(regex); err != nil {
		return errorJSON("invalid regex", err), nil
	}

	var warning string
	if s.KnownEntities != nil {
		known := map[string]bool{}
		for _, id := range s.KnownEntities() {
			known[id] = true
		}
		var unknown []string
		for _, id := range entityIDs {
			if !known[id] {
				unknown = append(unknown, id)
			}
		}
		if len(unknown) > 0 {
			warning = fmt.Sprintf(" (warning: unrecognized entity ids: %v)", unknown)
		}
	}

	result, err := s.insertAndArm(ctx, automation.SignalState, automation.StateData{EntityIDs: entityIDs, Regex: regex})
	return result + warning, err
}

func (s *Server) handleCreateStateRange(ctx context.Context, input map[string]any) (string, error) {
	entityID, _ := input["entity_id"].(string)
	forSeconds, _ := toInt64(input["for_seconds"])
	if entityID == "" || forSeconds <= 0 {
		return errorJSON("validation failed", fmt.Errorf("entity_id and a positive for_seconds are required")), nil
	}
	data := automation.StateRangeData{EntityID: entityID, ForSeconds: forSeconds}
	if v, ok := toFloat64(input["min"]); ok {
		data.Min = &v
	}
	if v, ok := toFloat64(input["max"]); ok {
		data.Max = &v
	}
	return s.insertAndArm(ctx, automation.SignalStateRange, data)
}

func (s *Server) handleCreateRelativeTime(ctx context.Context, input map[string]any) (string, error) {
	offset, _ := toInt64(input["offset_seconds"])
	if offset <= 0 {
		return errorJSON("validation failed", fmt.Errorf("offset_seconds must be positive")), nil
	}
	repeat, _ := input["repeat_forever"].(bool)
	data := automation.OffsetData{OffsetSeconds: offset, RepeatForever: repeat, Anchor: time.Now().UTC()}
	return s.insertAndArm(ctx, automation.SignalOffset, data)
}

func (s *Server) handleCreateAbsoluteTime(ctx context.Context, input map[string]any) (string, error) {
	iso, _ := input["iso8601"].(string)
	at, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return errorJSON("invalid iso8601 timestamp", err), nil
	}
	if at.Before(time.Now()) {
		return errorJSON("timestamp is in the past", fmt.Errorf("%s has already passed", iso)), nil
	}
	return s.insertAndArm(ctx, automation.SignalTime, automation.TimeData{ISO8601: iso})
}

func (s *Server) handleCreateMQTT(ctx context.Context, input map[string]any) (string, error) {
	topic, _ := input["topic"].(string)
	if topic == "" {
		return errorJSON("validation failed", fmt.Errorf("topic is required")), nil
	}
	payloadRegex, _ := input["payload_regex"].(string)
	if payloadRegex != "" {
		if _, err := regexp.Compile(payloadRegex); err != nil {
			return errorJSON("invalid payload_regex", err), nil
		}
	}
	return s.insertAndArm(ctx, automation.SignalMQTT, automation.MQTTData{Topic: topic, PayloadRegex: payloadRegex})
}

func (s *Server) insertAndArm(ctx context.Context, kind automation.SignalKind, data any) (string, error) {
	id, err := s.Store.InsertSignal(s.AutomationHash, kind, data)
	if err != nil {
		return "", fmt.Errorf("insert signal: %w", err)
	}
	if s.Engine != nil {
		raw, _ := json.Marshal(data)
		sig := automation.Signal{ID: id, AutomationHash: s.AutomationHash, Kind: kind, Data: raw, CreatedAt: time.Now()}
		if err := s.Engine.Arm(ctx, sig); err != nil {
			return "", fmt.Errorf("arm signal: %w", err)
		}
	}
	return fmt.Sprintf(`{"id":%d}`, id), nil
}

func errorJSON(summary string, err error) string {
	raw, _ := json.Marshal(map[string]string{"error": summary, "detail": err.Error()})
	return string(raw)
}
