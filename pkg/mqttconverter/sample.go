package mqttconverter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/lorawan-bridge/pkg/shutdown"
	"github.com/rs/zerolog"
)

// CapturedMessage is a single message captured by the Sampler.
type CapturedMessage struct {
	Timestamp time.Time       `json:"timestamp"`
	Topic     string          `json:"topic"`
	Class     string          `json:"class"`
	Payload   json.RawMessage `json:"payload"`
}

// Sampler connects to the broker, captures a fixed number of messages from
// any topic filter and disconnects. It is a connectivity and payload
// inspection tool; nothing it captures reaches the harvester queue.
type Sampler struct {
	config      MQTTClientConfig
	logger      zerolog.Logger
	numMessages int
	signal      *shutdown.Signal

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mutex    sync.Mutex
	messages []CapturedMessage
	full     chan struct{}
}

// NewSampler creates a new instance of the MQTT message sampler. An empty
// topic in cfg samples everything ("#"). signal may be nil.
func NewSampler(cfg MQTTClientConfig, numMessages int, signal *shutdown.Signal, logger zerolog.Logger) *Sampler {
	if cfg.Topic == "" {
		cfg.Topic = "#"
	}
	if numMessages <= 0 {
		numMessages = 1
	}
	if signal == nil {
		signal = shutdown.New()
	}
	return &Sampler{
		config:      cfg.withDefaults(),
		logger:      logger.With().Str("component", "Sampler").Logger(),
		numMessages: numMessages,
		signal:      signal,
		newClient:   mqtt.NewClient,
		messages:    make([]CapturedMessage, 0, numMessages),
		full:        make(chan struct{}),
	}
}

// Run connects, captures messages and returns once the target count is
// reached, the signal is raised or ctx is done. Failing to connect is an error.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info().Str("topic", s.config.Topic).Int("target_count", s.numMessages).Msg("Starting Sampler run...")

	opts, err := s.clientOptions()
	if err != nil {
		return err
	}
	client := s.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		client.Disconnect(0)
		return fmt.Errorf("timed out connecting to %s", s.config.Broker())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.config.Broker(), err)
	}

	select {
	case <-s.full:
		s.logger.Info().Msg("Disconnecting due to message count reached.")
	case <-s.signal.Done():
		s.logger.Info().Msg("Disconnecting due to shutdown signal.")
	case <-ctx.Done():
		s.logger.Info().Msg("Disconnecting due to context cancellation.")
	}

	if client.IsConnected() {
		client.Disconnect(250)
		s.logger.Info().Msg("MQTT client disconnected.")
	}
	s.logger.Info().Int("captured_count", len(s.Messages())).Msg("Sampler run finished.")
	return nil
}

// Messages returns a copy of the captured messages.
func (s *Sampler) Messages() []CapturedMessage {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	msgsCopy := make([]CapturedMessage, len(s.messages))
	copy(msgsCopy, s.messages)
	return msgsCopy
}

// WriteJSON writes the captured messages as an indented JSON array.
func (s *Sampler) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Messages())
}

// messageHandler is the callback for the Paho client. It captures messages.
func (s *Sampler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.messages) >= s.numMessages {
		return
	}

	s.logger.Info().Str("topic", msg.Topic()).Int("size", len(msg.Payload())).Msg("Received message")

	var prettyPayload json.RawMessage
	var prettyBuf bytes.Buffer
	if err := json.Indent(&prettyBuf, msg.Payload(), "", "  "); err == nil {
		prettyPayload = prettyBuf.Bytes()
	} else {
		escapedString, _ := json.Marshal(string(msg.Payload()))
		prettyPayload = escapedString
	}

	s.messages = append(s.messages, CapturedMessage{
		Timestamp: time.Now().UTC(),
		Topic:     msg.Topic(),
		Class:     ClassifyTopic(msg.Topic()).String(),
		Payload:   prettyPayload,
	})
	s.logger.Info().Int("captured_count", len(s.messages)).Int("target_count", s.numMessages).Msg("Message captured")

	if len(s.messages) >= s.numMessages {
		s.logger.Info().Msg("Target message count reached.")
		close(s.full)
	}
}

func (s *Sampler) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.Broker())
	opts.SetClientID(s.config.ClientIDPrefix + "sampler-" + uuid.NewString()[:8])
	opts.SetUsername(s.config.Username)
	opts.SetPassword(s.config.Password)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.config.ReconnectWaitMax)

	if usesTLS(s.config.Broker()) {
		tlsConfig, err := newTLSConfig(s.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.logger.Info().Msg("Successfully connected to MQTT broker.")
		if token := c.Subscribe(s.config.Topic, s.config.QoS, s.messageHandler); token.Wait() && token.Error() != nil {
			s.logger.Error().Err(token.Error()).Str("topic", s.config.Topic).Msg("Failed to subscribe to topic")
		} else {
			s.logger.Info().Str("topic", s.config.Topic).Msg("Successfully subscribed to topic.")
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Error().Err(err).Msg("MQTT connection lost. Reconnecting...")
	})
	return opts, nil
}
