package interruptd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttQuiesceMillis  = 250
)

type mqttMessage struct {
	Event     string `json:"event"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// mqttSink publishes interruption events to an MQTT topic
type mqttSink struct {
	logger *zap.SugaredLogger
	config MQTTConfig
	client mqtt.Client
	now    func() time.Time
}

func newMQTTSink(logger *zap.SugaredLogger, config MQTTConfig) (*mqttSink, error) {
	if config.Broker == "" {
		return nil, errors.New("create MQTT sink: no broker configured")
	}

	ms := &mqttSink{
		logger: logger.Named("mqtt"),
		config: config,
		now:    time.Now,
	}

	ms.logger.Debugw("Created MQTT sink instance", "broker", config.Broker, "topic", config.Topic)

	return ms, nil
}

// Connect dials the broker. The client keeps reconnecting on its own afterwards.
func (ms *mqttSink) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(ms.config.Broker)
	opts.SetClientID(ms.config.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		ms.logger.Infow("Connected to MQTT broker", "broker", ms.config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		ms.logger.Warnw("Connection to MQTT broker lost", "broker", ms.config.Broker, "error", err)
	})

	ms.client = mqtt.NewClient(opts)

	token := ms.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		// SetConnectRetry keeps trying in the background
		ms.logger.Warnw("MQTT connection still pending", "broker", ms.config.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}

	return nil
}

func (ms *mqttSink) payload(eventName string, reason string) ([]byte, error) {
	data, err := json.Marshal(mqttMessage{
		Event:     eventName,
		Reason:    reason,
		Timestamp: ms.now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal MQTT message: %w", err)
	}
	return data, nil
}

// Emit implements interrupt.EventSink. Publishing is fire and forget.
func (ms *mqttSink) Emit(eventName string, payload string) {
	if ms.client == nil || !ms.client.IsConnectionOpen() {
		ms.logger.Debugw("MQTT not connected, dropping event", "payload", payload)
		return
	}

	data, err := ms.payload(eventName, payload)
	if err != nil {
		ms.logger.Warnw("Failed to build MQTT message", "error", err)
		return
	}

	token := ms.client.Publish(ms.config.Topic, 0, false, data)
	go func() {
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
			ms.logger.Warnw("Failed to publish to MQTT", "topic", ms.config.Topic, "error", token.Error())
		}
	}()
}

// Disconnect closes the broker connection
func (ms *mqttSink) Disconnect() {
	if ms.client == nil {
		return
	}

	ms.client.Disconnect(mqttQuiesceMillis)
	ms.logger.Debug("Disconnected from MQTT broker")
}
