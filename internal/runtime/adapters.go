package runtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/thane-ai-agent/internal/homeassistant"
	"github.com/nugget/thane-ai-agent/internal/mqtt"
	"github.com/nugget/thane-ai-agent/internal/trigger"
)

// HubEventAdapter turns a WSClient's raw, unfiltered event feed into
// the trigger.HubEventSource the engine wants: a channel of already
// decoded state_changed transitions. Grounded on the filtering
// StateWatcher already does for manual state-change logging; this
// pushes the same decoded shape into a channel instead of a callback.
type HubEventAdapter struct {
	client *homeassistant.WSClient
	log    *slog.Logger

	out chan trigger.StateChange
}

// NewHubEventAdapter wraps client. Run must be called to start
// forwarding events; StateChanges is safe to call beforehand.
func NewHubEventAdapter(client *homeassistant.WSClient, logger *slog.Logger) *HubEventAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubEventAdapter{
		client: client,
		log:    logger,
		out:    make(chan trigger.StateChange, 64),
	}
}

// StateChanges implements trigger.HubEventSource.
func (a *HubEventAdapter) StateChanges() <-chan trigger.StateChange {
	return a.out
}

// Run decodes state_changed events off the client's raw feed and
// forwards them until ctx is cancelled or the client's feed closes.
func (a *HubEventAdapter) Run(ctx context.Context) {
	defer close(a.out)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.client.Events():
			if !ok {
				return
			}
			if ev.Type != "state_changed" {
				continue
			}
			var data homeassistant.StateChangedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				a.log.Debug("decode state_changed for trigger engine", "error", err)
				continue
			}
			if data.NewState == nil {
				continue
			}
			change := trigger.StateChange{
				EntityID: data.EntityID,
				NewState: data.NewState.State,
				At:       ev.TimeFired,
			}
			select {
			case a.out <- change:
			case <-ctx.Done():
				return
			}
		}
	}
}

// MQTTSourceAdapter adapts an mqtt.Broker (payloads as []byte) to the
// trigger.MQTTSource the engine wants (payloads as string).
type MQTTSourceAdapter struct {
	broker *mqtt.Broker
}

// NewMQTTSourceAdapter wraps broker.
func NewMQTTSourceAdapter(broker *mqtt.Broker) *MQTTSourceAdapter {
	return &MQTTSourceAdapter{broker: broker}
}

// Subscribe implements trigger.MQTTSource.
func (a *MQTTSourceAdapter) Subscribe(ctx context.Context, topicFilter string) (<-chan trigger.MQTTMessage, error) {
	raw, err := a.broker.Subscribe(ctx, topicFilter)
	if err != nil {
		return nil, err
	}

	out := make(chan trigger.MQTTMessage, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- trigger.MQTTMessage{Topic: msg.Topic, Payload: string(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
