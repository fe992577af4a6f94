package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Config configures the broker connection.
type Config struct {
	// Broker is the connection URL, e.g. "mqtt://localhost:1883" or
	// "mqtts://broker.local:8883".
	Broker   string
	Username string
	Password string
	ClientID string
}

// Configured reports whether enough of Config is set to attempt a
// connection.
func (c Config) Configured() bool {
	return c.Broker != ""
}

// Message is one received broker publish.
type Message struct {
	Topic   string
	Payload []byte
}

type subscription struct {
	filter string
	ch     chan Message
}

// Broker manages one autopaho connection and dispatches inbound
// publishes to registered topic-filter subscribers. Subscriptions
// survive reconnects: on every (re-)connect the broker resubscribes to
// every filter with at least one live listener.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	subs []*subscription
	cm   *autopaho.ConnectionManager
}

// New creates a Broker but does not connect. Call [Broker.Connect] to
// begin the connection.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{cfg: cfg, logger: logger}
}

// Connect establishes the broker connection in the background and
// returns once the client config is built; autopaho retries
// indefinitely on connection failure, so Connect does not block
// waiting for the first successful handshake.
func (b *Broker) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "automation-runtime"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected", "broker", b.cfg.Broker)
			b.resubscribeAll(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.dispatch,
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()
	return nil
}

// Subscribe registers topicFilter (MQTT wildcard syntax: "+"/"#") and
// returns a channel of every matching message. The channel is closed
// when ctx is cancelled; the caller should not close it.
func (b *Broker) Subscribe(ctx context.Context, topicFilter string) (<-chan Message, error) {
	sub := &subscription{filter: topicFilter, ch: make(chan Message, 16)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	cm := b.cm
	b.mu.Unlock()

	if cm != nil {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topicFilter, QoS: 0}},
		}); err != nil {
			b.logger.Warn("mqtt subscribe failed, will retry on reconnect", "topic", topicFilter, "error", err)
		}
	}

	go func() {
		<-ctx.Done()
		b.remove(sub)
		close(sub.ch)
	}()

	return sub.ch, nil
}

func (b *Broker) remove(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Broker) resubscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	b.mu.Lock()
	filters := make(map[string]bool)
	for _, s := range b.subs {
		filters[s.filter] = true
	}
	b.mu.Unlock()

	for filter := range filters {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 0}},
		}); err != nil {
			b.logger.Warn("mqtt resubscribe failed", "topic", filter, "error", err)
		}
	}
}

func (b *Broker) dispatch(pr paho.PublishReceived) (bool, error) {
	msg := Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}

	b.mu.Lock()
	matches := make([]*subscription, 0, 1)
	for _, s := range b.subs {
		if topicMatch(s.filter, msg.Topic) {
			matches = append(matches, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matches {
		select {
		case s.ch <- msg:
		case <-time.After(time.Second):
			b.logger.Warn("mqtt subscriber channel full, dropping message", "topic", msg.Topic)
		}
	}
	return true, nil
}

// topicMatch reports whether topic satisfies filter, an MQTT topic
// filter using "+" (single-level wildcard) and "#" (multi-level,
// trailing only).
func topicMatch(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp != "+" && fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
