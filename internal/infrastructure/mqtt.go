// services/controlplane/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/controlplane/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// HeartbeatHandler processes a raw heartbeat payload received over MQTT.
type HeartbeatHandler func(ctx context.Context, topic string, payload []byte) error

// MQTTBridge subscribes to heartbeat topics and feeds payloads to the
// registered handler. Display services on flaky venue networks publish
// heartbeats over MQTT instead of HTTP; the broker absorbs reconnects.
type MQTTBridge struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handler   HeartbeatHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTBridge creates an unconnected bridge.
func NewMQTTBridge(cfg config.MQTTConfig, handler HeartbeatHandler, logger *logrus.Logger) (*MQTTBridge, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("heartbeat handler is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("controlplane-%d", time.Now().UnixNano())
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"services/+/heartbeat"}
	}

	return &MQTTBridge{
		config:  cfg,
		logger:  logger,
		handler: handler,
	}, nil
}

// Start connects to the broker and subscribes to the heartbeat topics.
func (b *MQTTBridge) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.config.BrokerURL)
	opts.SetClientID(b.config.ClientID)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
	}
	if b.config.Password != "" {
		opts.SetPassword(b.config.Password)
	}

	opts.SetCleanSession(b.config.CleanSession)
	opts.SetKeepAlive(b.config.KeepAlive)
	opts.SetConnectTimeout(b.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.config.MaxReconnectDelay)

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetDefaultPublishHandler(b.onMessage)

	b.client = mqtt.NewClient(opts)

	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	b.logger.Info("MQTT heartbeat bridge started")
	return nil
}

// Stop unsubscribes and disconnects, waiting for in-flight handlers.
func (b *MQTTBridge) Stop() {
	if b.client != nil && b.client.IsConnected() {
		for _, topic := range b.config.Topics {
			if token := b.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				b.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
		b.client.Disconnect(250)
	}

	b.wg.Wait()
	b.logger.Info("MQTT heartbeat bridge stopped")
}

// IsConnected returns the connection status.
func (b *MQTTBridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *MQTTBridge) onConnect(client mqtt.Client) {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("Connected to MQTT broker")

	for _, topic := range b.config.Topics {
		if token := client.Subscribe(topic, b.config.QoS, nil); token.Wait() && token.Error() != nil {
			b.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			b.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (b *MQTTBridge) onConnectionLost(client mqtt.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (b *MQTTBridge) onMessage(client mqtt.Client, msg mqtt.Message) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := b.handler(ctx, msg.Topic(), msg.Payload()); err != nil {
			// Heartbeats are periodic; a dropped one is corrected by the next.
			b.logger.WithError(err).WithFields(logrus.Fields{
				"topic":      msg.Topic(),
				"message_id": msg.MessageID(),
			}).Warn("Failed to process heartbeat message")
		}
	}()
}
