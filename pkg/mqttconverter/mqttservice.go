package mqttconverter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/lorawan-bridge/pkg/metrics"
	"github.com/illmade-knight/lorawan-bridge/pkg/shutdown"
	"github.com/rs/zerolog"
)

// maxPollInterval bounds how long Run can take to notice the shutdown signal.
const maxPollInterval = time.Second

// SubscriberServiceConfig holds the worker settings of the SubscriberService.
type SubscriberServiceConfig struct {
	PollInterval time.Duration
	Metrics      *metrics.Metrics
}

// DefaultSubscriberServiceConfig provides sensible defaults.
func DefaultSubscriberServiceConfig() SubscriberServiceConfig {
	return SubscriberServiceConfig{
		PollInterval: 250 * time.Millisecond,
	}
}

// SubscriberService keeps an MQTT subscription to the uplink topic alive and
// feeds every message through the Decoder. Paho runs socket I/O and the
// message callbacks on its own goroutines; Run only waits for the signal.
type SubscriberService struct {
	mqttCfg MQTTClientConfig
	config  SubscriberServiceConfig
	decoder *Decoder
	signal  *shutdown.Signal
	metrics *metrics.Metrics
	logger  zerolog.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client
	runCtx    context.Context

	connected     atomic.Bool
	subscriptions atomic.Int64

	// stopping and inflight let shutdown wait for handlers that already
	// started without admitting new ones.
	mu       sync.RWMutex
	stopping bool
	inflight sync.WaitGroup
}

// NewSubscriberService creates a SubscriberService. Zero config values are
// replaced with defaults.
func NewSubscriberService(
	mqttCfg MQTTClientConfig,
	decoder *Decoder,
	signal *shutdown.Signal,
	logger zerolog.Logger,
	serviceCfg SubscriberServiceConfig,
) (*SubscriberService, error) {
	if decoder == nil {
		return nil, errors.New("decoder cannot be nil")
	}
	if signal == nil {
		return nil, errors.New("shutdown signal cannot be nil")
	}
	logger = logger.With().Str("component", "SubscriberService").Logger()

	if serviceCfg.PollInterval <= 0 {
		defaultCfg := DefaultSubscriberServiceConfig()
		logger.Warn().
			Dur("provided_interval", serviceCfg.PollInterval).
			Dur("default_interval", defaultCfg.PollInterval).
			Msg("PollInterval was zero or negative, applying default value.")
		serviceCfg.PollInterval = defaultCfg.PollInterval
	}
	if serviceCfg.PollInterval > maxPollInterval {
		logger.Warn().Dur("provided_interval", serviceCfg.PollInterval).Msg("PollInterval above one second, capping it.")
		serviceCfg.PollInterval = maxPollInterval
	}

	return &SubscriberService{
		mqttCfg:   mqttCfg.withDefaults(),
		config:    serviceCfg,
		decoder:   decoder,
		signal:    signal,
		metrics:   serviceCfg.Metrics,
		logger:    logger,
		newClient: mqtt.NewClient,
		runCtx:    context.Background(),
	}, nil
}

// Connected reports whether the client currently holds a broker connection.
func (s *SubscriberService) Connected() bool {
	return s.connected.Load()
}

// Subscriptions returns how many times the topic subscription was issued.
// It grows by one on every successful (re)connect.
func (s *SubscriberService) Subscriptions() int64 {
	return s.subscriptions.Load()
}

// Run connects to the broker and blocks until the shutdown signal is raised
// or ctx is cancelled. Connection failures never end Run; paho keeps
// retrying in the background.
func (s *SubscriberService) Run(ctx context.Context) error {
	if s.signal.IsSet() {
		s.logger.Info().Msg("Shutdown already signalled, not connecting.")
		return nil
	}

	opts, err := s.clientOptions()
	if err != nil {
		return err
	}
	s.runCtx = ctx
	s.client = s.newClient(opts)

	s.logger.Info().
		Str("broker", s.mqttCfg.Broker()).
		Str("client_id", opts.ClientID).
		Str("topic", s.mqttCfg.Topic).
		Msg("Starting SubscriberService, connecting to MQTT broker...")

	token := s.client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.logger.Error().Err(err).Msg("Paho MQTT client connect error")
		}
	}()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.signal.Done():
			s.logger.Info().Msg("Shutdown signal received.")
			s.stop()
			return nil
		case <-ctx.Done():
			s.logger.Info().Msg("Context cancelled.")
			s.stop()
			if s.signal.IsSet() {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if s.signal.IsSet() {
				s.stop()
				return nil
			}
		}
	}
}

// stop unsubscribes, disconnects and waits for running message handlers.
func (s *SubscriberService) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.client.IsConnected() {
		topic := s.mqttCfg.Topic
		s.logger.Info().Str("topic", topic).Msg("Unsubscribing from MQTT topic.")
		if token := s.client.Unsubscribe(topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
			s.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe during shutdown.")
		}
	}
	s.client.Disconnect(250)
	s.connected.Store(false)
	s.metrics.Disconnected()

	s.inflight.Wait()
	s.logger.Info().Msg("SubscriberService stopped.")
}

// handleMessage runs on paho's router goroutine. With OrderMatters set it is
// called for one message at a time, which keeps queue order per connection.
func (s *SubscriberService) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.RLock()
	if s.stopping {
		s.mu.RUnlock()
		s.logger.Warn().Str("topic", msg.Topic()).Msg("Shutdown in progress, MQTT message dropped.")
		return
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("topic", msg.Topic()).
				Msg("Recovered from panic in message handler.")
		}
	}()

	class, n := s.decoder.Dispatch(s.runCtx, msg.Topic(), msg.Payload())
	s.logger.Debug().
		Str("topic", msg.Topic()).
		Stringer("class", class).
		Int("result", n).
		Bool("duplicate", msg.Duplicate()).
		Msg("Handled MQTT message")
}

// onConnect subscribes on every successful connection. Paho calls it for the
// initial connect and for each automatic reconnect.
func (s *SubscriberService) onConnect(client mqtt.Client) {
	s.connected.Store(true)
	s.metrics.Connected()
	s.logger.Info().Str("broker", s.mqttCfg.Broker()).Msg("Paho client connected to MQTT broker")

	topic := s.mqttCfg.Topic
	s.logger.Info().Str("topic", topic).Uint8("qos", s.mqttCfg.QoS).Msg("Subscribing to MQTT topic")
	token := client.Subscribe(topic, s.mqttCfg.QoS, s.handleMessage)
	if !token.WaitTimeout(s.mqttCfg.ConnectTimeout) {
		s.logger.Error().Str("topic", topic).Msg("Timed out subscribing to MQTT topic")
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
		return
	}
	s.subscriptions.Add(1)
	s.logger.Info().Str("topic", topic).Msg("Successfully subscribed to MQTT topic")
}

// onConnectionLost logs connection loss. Paho handles reconnection.
func (s *SubscriberService) onConnectionLost(_ mqtt.Client, err error) {
	s.connected.Store(false)
	s.metrics.Disconnected()
	s.logger.Error().Err(err).Msg("Paho client lost MQTT connection. Auto-reconnect will be attempted.")
}

func (s *SubscriberService) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	s.logger.Warn().Str("broker", s.mqttCfg.Broker()).Msg("Reconnecting to MQTT broker")
}

// clientID returns the configured id, or the prefix plus a short random
// suffix so that a restarted bridge does not take over a stale session.
func (s *SubscriberService) clientID() string {
	if s.mqttCfg.ClientID != "" {
		return s.mqttCfg.ClientID
	}
	return s.mqttCfg.ClientIDPrefix + uuid.NewString()[:8]
}

// clientOptions builds the paho options.
func (s *SubscriberService) clientOptions() (*mqtt.ClientOptions, error) {
	cfg := s.mqttCfg
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker())
	opts.SetClientID(s.clientID())
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectWaitMax)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ConnectRetryInterval)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		s.logger.Info().Str("broker", broker.String()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	if usesTLS(cfg.Broker()) {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		s.logger.Info().Msg("TLS configured for MQTT client.")
	}

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)
	return opts, nil
}
