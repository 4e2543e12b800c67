package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/HatiCode/flowwatch/pkg/flow"
)

// MQTTConfig configures the MQTT notifier.
type MQTTConfig struct {
	// Broker is a full URL such as tcp://mosquitto:1883.
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix defaults to "flowwatch". Events go to <prefix>/<meter>/events.
	TopicPrefix string
	QoS         byte
	Retain      bool
	// PublishTimeout bounds the wait for each publish acknowledgement.
	PublishTimeout time.Duration
}

// EventMessage is the JSON payload of one event.
type EventMessage struct {
	Meter string    `json:"meter"`
	Kind  flow.Kind `json:"kind"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Text  string    `json:"text"`
}

// MQTTNotifier publishes each new event as a separate message.
type MQTTNotifier struct {
	client mqtt.Client
	cfg    MQTTConfig
	logger *slog.Logger
}

// NewMQTTNotifier connects to the broker. The client reconnects on its own
// after the initial connection succeeds.
func NewMQTTNotifier(cfg MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "flowwatch"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to mqtt broker", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}

	return NewMQTTNotifierWithClient(client, cfg, logger), nil
}

// NewMQTTNotifierWithClient uses an already configured client.
func NewMQTTNotifierWithClient(client mqtt.Client, cfg MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "flowwatch"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &MQTTNotifier{client: client, cfg: cfg, logger: logger}
}

// Topic returns the topic events of meter are published to.
func (n *MQTTNotifier) Topic(meter string) string {
	return n.cfg.TopicPrefix + "/" + meter + "/events"
}

// Notify implements Notifier. It stops at the first failed publish.
func (n *MQTTNotifier) Notify(ctx context.Context, meter string, events []flow.Event) error {
	topic := n.Topic(meter)
	for _, e := range events {
		payload, err := json.Marshal(EventMessage{
			Meter: meter,
			Kind:  e.Kind,
			Start: e.Start,
			End:   e.End,
			Text:  e.String(),
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		token := n.client.Publish(topic, n.cfg.QoS, n.cfg.Retain, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.cfg.PublishTimeout):
			return fmt.Errorf("publish to %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		n.logger.Debug("published event", "topic", topic, "kind", e.Kind)
	}
	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n.client.IsConnected() {
		n.client.Disconnect(250)
	}
}
