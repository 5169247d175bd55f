package loadgen

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MqttClientConfig holds the publisher connection parameters.
type MqttClientConfig struct {
	BrokerURL string
	Username  string
	Password  string
	QoS       byte
}

// MqttClient implements Client for MQTT. Each device publishes to
// application/{applicationId}/device/{devEui}/event/up.
type MqttClient struct {
	cfg       MqttClientConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client
	logger    zerolog.Logger
}

// NewMqttClient creates a new MQTT client.
func NewMqttClient(cfg MqttClientConfig, logger zerolog.Logger) *MqttClient {
	return &MqttClient{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		logger:    logger.With().Str("component", "LoadgenMqttClient").Logger(),
	}
}

// UplinkTopic returns the ChirpStack v4 uplink event topic for device.
func UplinkTopic(device *Device) string {
	return fmt.Sprintf("application/%s/device/%s/event/up", device.ApplicationID, device.EUI)
}

// Connect establishes a connection to the MQTT broker.
func (c *MqttClient) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(fmt.Sprintf("loadgen-client-%s", uuid.New().String())).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			c.logger.Error().Err(err).Msg("MQTT Connection lost")
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Successfully connected to MQTT broker")
		})

	c.client = c.newClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting to %s", c.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to connect to MQTT broker")
		return err
	}
	return nil
}

// Disconnect closes the connection to the MQTT broker.
func (c *MqttClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info().Msg("MQTT client disconnected")
	}
}

// Publish generates the device's payload and publishes it on its uplink topic.
func (c *MqttClient) Publish(ctx context.Context, device *Device) (bool, error) {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return false, fmt.Errorf("failed to generate payload for device %s: %w", device.EUI, err)
	}

	topic := UplinkTopic(device)
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)

	select {
	case <-token.Done():
		if token.Error() != nil {
			return false, fmt.Errorf("mqtt publish error for device %s: %w", device.EUI, token.Error())
		}
		c.logger.Debug().Str("dev_eui", device.EUI).Str("topic", topic).Msg("Message published")
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}
