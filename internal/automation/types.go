// Package automation defines the core data model for the automation
// runtime: automations, signals, and the durable logs that tie them
// together. Types here are shared by the signal store, trigger engine,
// tool suites, and runtime coordinator.
package automation

import (
	"encoding/json"
	"time"
)

// Automation is an immutable snapshot of one notebook file. Hash is a
// content hash of Contents and is stable across renames; it is the
// primary identity used by the signal store. A new revision of a file
// is a new Automation, never an update to an existing one.
type Automation struct {
	Hash     string
	FileName string
	Contents string
	// Cue marks an automation sourced from cues/*.md: it only fires on
	// explicit invocation, never scheduled by the trigger engine.
	Cue bool
	// Model is a leading "<!-- model: driver/name -->" directive parsed
	// out of Contents, or empty to use the runtime's default provider.
	Model string
}

// SignalKind identifies the kind of trigger a Signal describes.
type SignalKind string

const (
	SignalCron       SignalKind = "cron"
	SignalState      SignalKind = "state"
	SignalOffset     SignalKind = "offset"
	SignalTime       SignalKind = "time"
	SignalStateRange SignalKind = "state-range"
	SignalMQTT       SignalKind = "mqtt"
)

// Signal is a durably stored trigger derived from an automation's
// prose by the scheduling LLM loop. Data holds the kind-specific
// payload as JSON so the store schema does not change per kind.
type Signal struct {
	ID             int64
	AutomationHash string
	Kind           SignalKind
	Data           json.RawMessage
	IsDead         bool
	CreatedAt      time.Time
}

// CronData is the payload for a SignalCron signal: a standard 5-field
// cron expression evaluated in the runtime's configured timezone.
type CronData struct {
	Expr string `json:"expr"`
}

// StateData is the payload for a SignalState signal: fires when any
// of EntityIDs transitions to a new state matching Regex (unanchored,
// partial match — see the open-question resolution in SPEC_FULL.md).
type StateData struct {
	EntityIDs []string `json:"entity_ids"`
	Regex     string   `json:"regex"`
}

// OffsetData is the payload for a SignalOffset signal: fires at
// Anchor+OffsetSeconds, then every OffsetSeconds thereafter iff
// RepeatForever.
type OffsetData struct {
	OffsetSeconds int64     `json:"offset_seconds"`
	RepeatForever bool      `json:"repeat_forever"`
	Anchor        time.Time `json:"anchor"`
}

// TimeData is the payload for a SignalTime signal: fires once at the
// absolute instant ISO8601.
type TimeData struct {
	ISO8601 string `json:"iso8601"`
}

// StateRangeData is the payload for a SignalStateRange signal: fires
// once the numeric state of EntityID has remained continuously within
// [Min,Max] for at least ForSeconds, then re-arms only after the state
// leaves the range.
type StateRangeData struct {
	EntityID  string   `json:"entity_id"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	ForSeconds int64   `json:"for_seconds"`
}

// MQTTData is the payload for a SignalMQTT signal: fires on a message
// whose topic matches Topic (MQTT wildcard syntax: "+"/"#") and whose
// payload, if PayloadRegex is set, matches it.
type MQTTData struct {
	Topic        string `json:"topic"`
	PayloadRegex string `json:"payload_regex,omitempty"`
}

// LogType identifies why an AutomationLogEntry exists.
type LogType string

const (
	LogManual         LogType = "manual"
	LogDetermineSignal LogType = "determine-signal"
	LogExecuteSignal   LogType = "execute-signal"
)

// Role identifies the speaker of a MessageParam.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageParam is one message in an LLM tool-loop transcript. Content
// is either a plain string or a slice of ContentBlock; the JSON form
// mirrors the Anthropic Messages API shape so transcripts round-trip
// through the store without lossy translation.
type MessageParam struct {
	Role    Role `json:"role"`
	Content any  `json:"content"` // string or []ContentBlock
}

// ContentBlockType discriminates ContentBlock's union.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one block of a MessageParam's content array.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a BlockText content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a BlockToolUse content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a BlockToolResult content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// SignalData is a kind-tagged envelope for a fired signal, persisted
// on AutomationLogEntry.SignaledBy so a log row can be read without a
// join back into the signals table (the originating row may since
// have been superseded or killed).
type SignalData struct {
	SignalID int64           `json:"signal_id"`
	Kind     SignalKind      `json:"kind"`
	Data     json.RawMessage `json:"data"`
	FiredAt  time.Time       `json:"fired_at"`
}

// AutomationLogEntry is one append-only transcript row. Manual entries
// may grow in place (UpdateAutomationLog) within one request; every
// other type is written once and never mutated.
type AutomationLogEntry struct {
	ID             int64
	CreatedAt      time.Time
	AutomationHash string // empty for ad-hoc manual chats
	Type           LogType
	Messages       []MessageParam
	SignaledBy     *SignalData
}

// CallServiceLogEntry records one call-service tool invocation.
type CallServiceLogEntry struct {
	ID              int64
	CreatedAt       time.Time
	AutomationLogID int64
	Service         string
	Target          map[string]any
	Data            map[string]any
}

// NotificationLogEntry records one send-notification-email invocation.
// Written unconditionally — Err is populated on SMTP failure, never
// swallowed.
type NotificationLogEntry struct {
	ID              int64
	CreatedAt       time.Time
	AutomationLogID int64
	To              string
	Subject         string
	Body            string
	Err             string
}

// FiredSignal is the unit the trigger engine emits on its event
// stream: a signal that has fired, annotated with when.
type FiredSignal struct {
	AutomationHash string
	Signal         Signal
	FiredAt        time.Time
}
