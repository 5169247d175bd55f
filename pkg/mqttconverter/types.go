package mqttconverter

import (
	"fmt"
	"time"
)

// MQTTClientConfig holds the broker connection parameters.
type MQTTClientConfig struct {
	// BrokerURL takes precedence over Host/Port, e.g. "tls://broker:8883".
	BrokerURL string
	Host      string
	Port      int
	Topic     string
	QoS       byte
	// ClientID is used verbatim when set; otherwise ClientIDPrefix plus a
	// random suffix is used so that restarts do not collide with a stale session.
	ClientID       string
	ClientIDPrefix string
	Username       string
	Password       string

	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	ConnectRetryInterval time.Duration
	ReconnectWaitMax     time.Duration

	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// DefaultMQTTClientConfig provides sensible defaults. The topic matches
// ChirpStack v4 uplink events for every application and device.
func DefaultMQTTClientConfig() MQTTClientConfig {
	return MQTTClientConfig{
		Host:                 "localhost",
		Port:                 1883,
		Topic:                "application/+/device/+/event/up",
		QoS:                  1,
		ClientIDPrefix:       "lorawan-bridge-",
		KeepAlive:            60 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ConnectRetryInterval: 5 * time.Second,
		ReconnectWaitMax:     2 * time.Minute,
	}
}

// Broker returns the broker URL paho should dial.
func (c MQTTClientConfig) Broker() string {
	if c.BrokerURL != "" {
		return c.BrokerURL
	}
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// withDefaults fills zero durations, logging nothing; callers log the result.
func (c MQTTClientConfig) withDefaults() MQTTClientConfig {
	d := DefaultMQTTClientConfig()
	if c.BrokerURL == "" && c.Host == "" {
		c.Host = d.Host
	}
	if c.BrokerURL == "" && c.Port == 0 {
		c.Port = d.Port
	}
	if c.Topic == "" {
		c.Topic = d.Topic
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = d.ClientIDPrefix
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ConnectRetryInterval <= 0 {
		c.ConnectRetryInterval = d.ConnectRetryInterval
	}
	if c.ReconnectWaitMax <= 0 {
		c.ReconnectWaitMax = d.ReconnectWaitMax
	}
	return c
}
