// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (the runtime's scheduling
// and execution loops, the trigger engine, the notebook watch) to
// subscribers (the C12 WebSocket status endpoint, the evaluation
// harness). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRuntime identifies events from the top-level automation
	// runtime coordinator (C7).
	SourceRuntime = "runtime"
	// SourceTrigger identifies events from the trigger engine (C6).
	SourceTrigger = "trigger"
	// SourceNotebook identifies events from the notebook loader (C11).
	SourceNotebook = "notebook"
	// SourceEmail identifies events from the email notification path
	// and ack-reply poller.
	SourceEmail = "email"
	// SourceHub identifies events from the hub client connection (C9).
	SourceHub = "hub"
)

// Kind constants describe the type of event within a source.
const (
	// KindSchedulingStart signals a scheduling pass has begun for one
	// automation. Data: automation_hash, file_name.
	KindSchedulingStart = "scheduling_start"
	// KindSchedulingComplete signals a scheduling pass finished. Data:
	// automation_hash, signal_count, elapsed_ms.
	KindSchedulingComplete = "scheduling_complete"
	// KindSignalFired signals the trigger engine emitted a signal to
	// the runtime. Data: automation_hash, signal_id, kind.
	KindSignalFired = "signal_fired"
	// KindExecutionStart signals an execution pass has begun. Data:
	// automation_hash, automation_log_id.
	KindExecutionStart = "execution_start"
	// KindExecutionComplete signals an execution pass finished. Data:
	// automation_hash, automation_log_id, iterations, elapsed_ms.
	KindExecutionComplete = "execution_complete"
	// KindServiceCalled signals a call-service tool invocation. Data:
	// automation_hash, domain, service.
	KindServiceCalled = "service_called"
	// KindNotificationSent signals a send-notification-email tool
	// invocation. Data: automation_hash, to, ok.
	KindNotificationSent = "notification_sent"

	// KindNotebookChanged signals the notebook watch detected a file
	// add/update/remove. Data: file_name, automation_hash.
	KindNotebookChanged = "notebook_changed"

	// KindHubConnected signals the hub WebSocket connection came up.
	KindHubConnected = "hub_connected"
	// KindHubDisconnected signals the hub WebSocket connection dropped.
	KindHubDisconnected = "hub_disconnected"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
