package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubsubSinkConfig holds configuration for the Pub/Sub sink.
type PubsubSinkConfig struct {
	ProjectID       string
	TopicID         string
	CredentialsFile string
	ClientOptions   []option.ClientOption
	PublishSettings pubsub.PublishSettings
}

func GetDefaultPublishSettings() pubsub.PublishSettings {
	return pubsub.PublishSettings{
		DelayThreshold: 100 * time.Millisecond,
		CountThreshold: 100,
		ByteThreshold:  1e6,
		NumGoroutines:  10,
		Timeout:        60 * time.Second,
	}
}

// PubsubSink publishes one Pub/Sub message per sensor record, with the
// device id and sensor type as attributes.
type PubsubSink struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	ownsClient bool
	logger     zerolog.Logger
}

// NewPubsubSink creates a client for cfg.ProjectID and checks that the topic exists.
func NewPubsubSink(ctx context.Context, cfg PubsubSinkConfig, logger zerolog.Logger) (*PubsubSink, error) {
	opts := cfg.ClientOptions
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	sink, err := NewPubsubSinkFromClient(ctx, client, cfg.TopicID, cfg.PublishSettings, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	sink.ownsClient = true
	return sink, nil
}

// NewPubsubSinkFromClient uses an existing client, which the caller keeps
// ownership of.
func NewPubsubSinkFromClient(ctx context.Context, client *pubsub.Client, topicID string, settings pubsub.PublishSettings, logger zerolog.Logger) (*PubsubSink, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	defaults := GetDefaultPublishSettings()
	topic.PublishSettings.DelayThreshold = orDuration(settings.DelayThreshold, defaults.DelayThreshold)
	topic.PublishSettings.CountThreshold = orInt(settings.CountThreshold, defaults.CountThreshold)
	topic.PublishSettings.ByteThreshold = orInt(settings.ByteThreshold, defaults.ByteThreshold)
	topic.PublishSettings.NumGoroutines = orInt(settings.NumGoroutines, defaults.NumGoroutines)
	topic.PublishSettings.Timeout = orDuration(settings.Timeout, defaults.Timeout)

	logger = logger.With().Str("component", "PubsubSink").Str("topic_id", topicID).Logger()
	logger.Info().Str("project_id", client.Project()).Msg("PubsubSink initialized successfully")
	return &PubsubSink{client: client, topic: topic, logger: logger}, nil
}

// Send publishes the batch and waits for every result, so a failed batch can
// be retried as a whole.
func (s *PubsubSink) Send(ctx context.Context, records []types.SensorRecord) error {
	results := make([]*pubsub.PublishResult, 0, len(records))
	for _, rec := range records {
		data, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: recordAttributes(rec),
		}))
	}

	var errs []error
	for _, res := range results {
		msgID, err := res.Get(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug().Str("message_id", msgID).Msg("Record published to Pub/Sub")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d records failed to publish: %w", len(errs), len(records), errors.Join(errs...))
	}
	return nil
}

// Close flushes pending messages and closes the client if the sink created it.
func (s *PubsubSink) Close() error {
	s.topic.Stop()
	s.logger.Info().Msg("Pub/Sub topic stopped and flushed.")
	if !s.ownsClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing pubsub client: %w", err)
	}
	return nil
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
